// Package errors provides the coordinator's error taxonomy: sentinel errors,
// typed wrappers carrying the node or job involved, and a classification used
// by the scheduler (retry or surface) and the HTTP layer (status codes).
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions
var (
	// Caller errors, rejected synchronously and never retried
	ErrInvalidDescriptor = errors.New("invalid node descriptor")
	ErrInvalidJobSpec    = errors.New("invalid job specification")

	// Node errors
	ErrUnknownNode     = errors.New("unknown node")
	ErrUnknownDevice   = errors.New("unknown device")
	ErrStaleHeartbeat  = errors.New("stale heartbeat")
	ErrNodeUnavailable = errors.New("node not available for allocation")

	// Allocation and dispatch errors
	ErrInsufficient          = errors.New("insufficient resources")
	ErrReservationConflict   = errors.New("device reservation conflict")
	ErrDispatchFailure       = errors.New("dispatch failure")
	ErrNodeLossUnrecoverable = errors.New("node loss unrecoverable")

	// Job errors
	ErrJobNotFound       = errors.New("job not found")
	ErrJobTerminal       = errors.New("job is in a terminal state")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrLogNotFound       = errors.New("job log not found")

	ErrInvalidConfig = errors.New("invalid configuration")
)

// NodeError represents an error related to a specific node
type NodeError struct {
	NodeID    string
	Operation string
	Err       error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: operation %s: %v", e.NodeID, e.Operation, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// JobError represents an error related to a specific job
type JobError struct {
	JobID     string
	Operation string
	Err       error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s: operation %s: %v", e.JobID, e.Operation, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// InsufficientError is returned by the allocator when fewer nodes than needed
// could be found. It always unwraps to ErrInsufficient.
type InsufficientError struct {
	Needed int
	Found  int
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("%v: need %d node(s), found %d", ErrInsufficient, e.Needed, e.Found)
}

func (e *InsufficientError) Unwrap() error {
	return ErrInsufficient
}

// ConfigError represents an error related to configuration
type ConfigError struct {
	Section string
	Field   string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config %s.%s: %v", e.Section, e.Field, e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Section, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Error wrapping constructors
func WrapNodeError(nodeID, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &NodeError{NodeID: nodeID, Operation: operation, Err: err}
}

func WrapJobError(jobID, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &JobError{JobID: jobID, Operation: operation, Err: err}
}

func Insufficient(needed, found int) error {
	return &InsufficientError{Needed: needed, Found: found}
}

// InvalidSpec wraps ErrInvalidJobSpec with the offending detail
func InvalidSpec(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidJobSpec, fmt.Sprintf(format, args...))
}

// InvalidDescriptor wraps ErrInvalidDescriptor with the offending detail
func InvalidDescriptor(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDescriptor, fmt.Sprintf(format, args...))
}

func InvalidConfig(section, field, format string, args ...any) error {
	return &ConfigError{Section: section, Field: field, Err: fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))}
}

// Error extraction helpers
func GetNodeID(err error) (string, bool) {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne.NodeID, true
	}
	return "", false
}

func GetJobID(err error) (string, bool) {
	var je *JobError
	if errors.As(err, &je) {
		return je.JobID, true
	}
	return "", false
}

// Re-exported so callers importing this package under its own name still get
// the standard helpers.
var (
	Is  = errors.Is
	As  = errors.As
	New = errors.New
)
