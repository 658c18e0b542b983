package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"rfgrid/internal/master/timerq"
	rferrors "rfgrid/pkg/errors"
	"rfgrid/pkg/model"
)

// HandleSlotLost 某个节点/设备上的分配失效 (离线、注销、设备故障、节点上报失败)。
// running 的任务转入 allocating 并在定时队列里安排重分配
func (s *Scheduler) HandleSlotLost(jobID, nodeID, deviceID, reason string) {
	e, err := s.entry(jobID)
	if err != nil {
		s.alloc.Release(jobID, []model.Allocation{{NodeID: nodeID, DeviceID: deviceID}})
		s.log.Warn("lost reservation for unknown job released", zap.String("job", jobID), zap.String("node", nodeID))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s.slotLostLocked(e.job, nodeID, deviceID, reason)
}

func (s *Scheduler) slotLostLocked(job *model.Job, nodeID, deviceID, reason string) {
	var al *model.Allocation
	for i := range job.Allocations {
		a := &job.Allocations[i]
		if a.Active() && a.NodeID == nodeID && a.DeviceID == deviceID {
			al = a
			break
		}
	}
	if al == nil || !job.State.HoldsDevices() {
		// 占用已经随任务结束或回退释放了，这里只清理可能残留的注册表记录
		s.alloc.Release(job.ID, []model.Allocation{{NodeID: nodeID, DeviceID: deviceID}})
		return
	}

	s.releaseOneLocked(job, al, reason)
	s.abortAsync(job.ID, []string{nodeID})
	// 释放出来的设备可能正好是某个 queued 任务缺的
	s.Trigger()

	if job.State == model.JobRunning {
		s.transitionLocked(job, model.JobAllocating, fmt.Sprintf("lost %s/%s: %s", nodeID, deviceID, reason))
	} else {
		s.persist(job)
	}
	s.scheduleReassign(job.ID)
}

// scheduleReassign 以 job ID 为 key 放进定时队列，已经在排队的不会重复安排
func (s *Scheduler) scheduleReassign(jobID string) {
	attempts := s.cfg.ReassignAttempts
	if attempts < 1 {
		attempts = 1
	}
	task := timerq.Task{
		MaxAttempts: attempts,
		Backoff: timerq.Backoff{
			Initial: s.cfg.ReassignBackoff,
			Max:     s.cfg.ReassignBackoffMax,
			Factor:  2,
		},
		Run: func(ctx context.Context, attempt int) error {
			return s.reassignAttempt(ctx, jobID, attempt)
		},
		OnExhausted: func(lastErr error) {
			s.failJob(jobID, lastErr)
		},
	}
	if s.timers.Schedule(jobID, 0, task) {
		s.log.Debug("reassignment scheduled", zap.String("job", jobID), zap.Int("budget", attempts))
	}
}

// reassignAttempt 一次重分配尝试: 只补缺少的节点，已有的健康分配保持不动
func (s *Scheduler) reassignAttempt(ctx context.Context, jobID string, attempt int) error {
	e, err := s.entry(jobID)
	if err != nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	job := e.job
	if job.State != model.JobAllocating {
		// 已取消或已结束
		return nil
	}

	job.ReassignAttempts++
	missing := job.Missing()
	s.log.Info("reassignment attempt",
		zap.String("job", jobID), zap.Int("attempt", attempt), zap.Int("missing", missing))
	if missing == 0 {
		s.transitionLocked(job, model.JobRunning, "allocation restored")
		return nil
	}

	// 离线、故障、重启丢失的节点恢复后可以再被选中；只有自己报告测量失败的节点不再选
	excluded := reportedFailures(job)
	allocs, err := s.alloc.Allocate(job, excluded...)
	if err != nil {
		s.persist(job)
		return err
	}
	job.Allocations = append(job.Allocations, allocs...)

	if err := s.dispatchLocked(ctx, job, allocs, excluded); err != nil {
		s.persist(job)
		return err
	}
	s.transitionLocked(job, model.JobRunning, fmt.Sprintf("reassigned %d node(s) on attempt %d", len(allocs), attempt))
	return nil
}

// failJob 重分配预算用完，任务失败，已经收到的结果保留
func (s *Scheduler) failJob(jobID string, lastErr error) {
	e, err := s.entry(jobID)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	job := e.job
	if job.State != model.JobAllocating {
		return
	}
	cause := rferrors.WrapJobError(jobID, "reassign", fmt.Errorf("%w: %v", rferrors.ErrNodeLossUnrecoverable, lastErr))
	nodes := s.releaseAllLocked(job, "job failed")
	s.transitionLocked(job, model.JobFailed, rferrors.ReasonCode(cause)+": "+cause.Error())
	s.abortAsync(jobID, nodes)
	s.Trigger()
}

// reportedFailures 在这个任务上上报过 failed 的节点
func reportedFailures(job *model.Job) []string {
	var out []string
	for _, al := range job.Allocations {
		if !al.Active() && al.Status == model.AllocFailed {
			out = append(out, al.NodeID)
		}
	}
	return out
}
