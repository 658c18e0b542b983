package scheduler

import (
	"fmt"

	"go.uber.org/zap"

	rferrors "rfgrid/pkg/errors"
	"rfgrid/pkg/model"
	"rfgrid/pkg/protocol"
)

// ReportProgress 节点上报自己那部分工作的进度。
// 所有有效分配都 completed 后任务完成；failed 按丢失处理，走重分配
func (s *Scheduler) ReportProgress(jobID string, rep protocol.ProgressReport) error {
	e, err := s.entry(jobID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	job := e.job
	if job.State.Terminal() {
		return rferrors.WrapJobError(jobID, "report", rferrors.ErrJobTerminal)
	}
	switch rep.Status {
	case model.AllocPending, model.AllocRunning, model.AllocCompleted, model.AllocFailed:
	default:
		return rferrors.WrapJobError(jobID, "report", rferrors.InvalidSpec("unknown allocation status %q", rep.Status))
	}

	var al *model.Allocation
	for i := range job.Allocations {
		a := &job.Allocations[i]
		if a.Active() && a.NodeID == rep.NodeID && (rep.DeviceID == "" || a.DeviceID == rep.DeviceID) {
			al = a
			break
		}
	}
	if al == nil {
		return rferrors.WrapJobError(jobID, "report",
			rferrors.WrapNodeError(rep.NodeID, "report", fmt.Errorf("%w: no active allocation", rferrors.ErrUnknownNode)))
	}

	if len(rep.Payload) > 0 {
		job.Results = append(job.Results, model.Result{
			NodeID:     al.NodeID,
			DeviceID:   al.DeviceID,
			Payload:    append([]byte(nil), rep.Payload...),
			ReportedAt: s.now(),
		})
	}

	s.log.Info("progress reported",
		zap.String("job", jobID), zap.String("node", rep.NodeID), zap.String("status", string(rep.Status)))

	switch rep.Status {
	case model.AllocPending, model.AllocRunning:
		al.Status = rep.Status
		s.persist(job)
	case model.AllocCompleted:
		al.Status = model.AllocCompleted
		s.maybeCompleteLocked(job)
	case model.AllocFailed:
		al.Status = model.AllocFailed
		reason := "node reported failure"
		if rep.Error != "" {
			reason += ": " + rep.Error
		}
		s.slotLostLocked(job, al.NodeID, al.DeviceID, reason)
	}
	return nil
}

// maybeCompleteLocked running 且有效分配全部完成时结束任务
func (s *Scheduler) maybeCompleteLocked(job *model.Job) {
	active := job.ActiveAllocations()
	if job.State != model.JobRunning || len(active) < job.Spec.Requirement.MinNodes {
		s.persist(job)
		return
	}
	for _, al := range active {
		if al.Status != model.AllocCompleted {
			s.persist(job)
			return
		}
	}
	s.releaseAllLocked(job, "completed")
	s.transitionLocked(job, model.JobCompleted, fmt.Sprintf("%d node(s) completed", len(active)))
	s.Trigger()
}
