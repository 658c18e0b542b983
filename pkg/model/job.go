package model

import (
	"encoding/json"
	"time"
)

// JobType 任务类型，是一个封闭集合，分配器对每种类型有独立的过滤函数
type JobType string

const (
	JobSpectrumScan     JobType = "spectrum-scan"
	JobDirectionFinding JobType = "direction-finding"
	JobPropagationTest  JobType = "propagation-test"
)

func (t JobType) Valid() bool {
	switch t {
	case JobSpectrumScan, JobDirectionFinding, JobPropagationTest:
		return true
	}
	return false
}

// SpreadConstraint 地理分散要求
type SpreadConstraint struct {
	MinDistanceKm float64 `json:"min_distance_km"` // 任意两节点之间的最小距离，0 表示只求尽量分散
}

// Requirement 声明式资源需求 (Allocator 根据这个找 Node)
type Requirement struct {
	Frequency   FrequencyRange    `json:"frequency"`
	BandwidthHz int64             `json:"bandwidth_hz,omitempty"` // 0 表示不限
	MinNodes    int               `json:"min_nodes"`
	Tier        Tier              `json:"tier"`
	Spread      *SpreadConstraint `json:"spread,omitempty"`
}

// JobSpec 提交任务时的规格
type JobSpec struct {
	Name        string            `json:"name,omitempty"`
	Type        JobType           `json:"type"`
	Requirement Requirement       `json:"requirement"`
	Priority    int               `json:"priority"` // 越大越先调度
	Params      map[string]string `json:"params,omitempty"`
}

// AllocationRole 多节点协同任务中的角色
type AllocationRole string

const (
	RolePrimary   AllocationRole = "primary"
	RoleSecondary AllocationRole = "secondary"
)

// AllocationStatus 节点对自己那部分工作的进度上报
type AllocationStatus string

const (
	AllocPending   AllocationStatus = "pending"
	AllocRunning   AllocationStatus = "running"
	AllocCompleted AllocationStatus = "completed"
	AllocFailed    AllocationStatus = "failed"
)

// Allocation Job 与 (Node, Device) 的绑定。释放后保留在 Job 上作为历史
type Allocation struct {
	NodeID        string           `json:"node_id"`
	DeviceID      string           `json:"device_id"`
	Role          AllocationRole   `json:"role"`
	Status        AllocationStatus `json:"status"`
	AllocatedAt   time.Time        `json:"allocated_at"`
	ReleasedAt    *time.Time       `json:"released_at,omitempty"`
	ReleaseReason string           `json:"release_reason,omitempty"`
}

func (a *Allocation) Active() bool {
	return a.ReleasedAt == nil
}

// Result 节点上报的测量结果
type Result struct {
	NodeID     string          `json:"node_id"`
	DeviceID   string          `json:"device_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReportedAt time.Time       `json:"reported_at"`
}

// Transition 一次状态迁移，用于事后复盘
type Transition struct {
	From   JobState  `json:"from"`
	To     JobState  `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

type Job struct {
	ID   string  `json:"id"`
	Spec JobSpec `json:"spec"`

	State       JobState     `json:"state"`
	Reason      string       `json:"reason,omitempty"` // 失败/回退原因
	Allocations []Allocation `json:"allocations"`
	Results     []Result     `json:"results,omitempty"`
	History     []Transition `json:"history"`

	Seq              uint64     `json:"seq"` // 提交顺序，同优先级内 FIFO
	SubmittedAt      time.Time  `json:"submitted_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	ReassignAttempts int        `json:"reassign_attempts"`
}

// ActiveAllocations 当前未释放的分配
func (j *Job) ActiveAllocations() []Allocation {
	out := make([]Allocation, 0, len(j.Allocations))
	for _, a := range j.Allocations {
		if a.Active() {
			out = append(out, a)
		}
	}
	return out
}

// Missing 距离 MinNodes 还差几个节点
func (j *Job) Missing() int {
	n := j.Spec.Requirement.MinNodes - len(j.ActiveAllocations())
	if n < 0 {
		return 0
	}
	return n
}

// Clone 深拷贝，Scheduler 对外只返回副本
func (j *Job) Clone() Job {
	c := *j
	if j.Spec.Requirement.Spread != nil {
		s := *j.Spec.Requirement.Spread
		c.Spec.Requirement.Spread = &s
	}
	if j.Spec.Params != nil {
		c.Spec.Params = make(map[string]string, len(j.Spec.Params))
		for k, v := range j.Spec.Params {
			c.Spec.Params[k] = v
		}
	}
	c.Allocations = append([]Allocation(nil), j.Allocations...)
	c.Results = append([]Result(nil), j.Results...)
	c.History = append([]Transition(nil), j.History...)
	return c
}
