package model

// JobState 任务状态机
//
//	queued -> allocating -> running -> completed | failed
//	running -> allocating (部分重分配) -> running | failed
//	allocating -> queued (Insufficient / 首次下发失败)
//	任意非终态 -> cancelled
type JobState string

const (
	JobQueued     JobState = "queued"
	JobAllocating JobState = "allocating"
	JobRunning    JobState = "running"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobCancelled  JobState = "cancelled"
)

var stateTransitionMap = map[JobState][]JobState{
	JobQueued:     {JobAllocating, JobCancelled},
	JobAllocating: {JobQueued, JobRunning, JobFailed, JobCancelled},
	JobRunning:    {JobAllocating, JobCompleted, JobFailed, JobCancelled},
	JobCompleted:  {},
	JobFailed:     {},
	JobCancelled:  {},
}

func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// HoldsDevices 处于这两个状态的任务才允许占用设备
func (s JobState) HoldsDevices() bool {
	return s == JobAllocating || s == JobRunning
}

func Contains(states []JobState, state JobState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

func ValidStateTransition(src, dst JobState) bool {
	return Contains(stateTransitionMap[src], dst)
}

// Valid 是否是已知状态
func (s JobState) Valid() bool {
	_, ok := stateTransitionMap[s]
	return ok
}
