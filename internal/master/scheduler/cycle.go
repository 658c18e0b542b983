package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	rferrors "rfgrid/pkg/errors"
	"rfgrid/pkg/model"
	"rfgrid/pkg/protocol"
)

// 同一轮下发并发等待 ack 的节点数上限
const maxParallelDispatch = 16

// dispatchOnce 按优先级依次尝试所有 queued 任务，每个任务一次。
// Insufficient 的任务留在队列里，不阻塞后面优先级更低的任务
func (s *Scheduler) dispatchOnce(ctx context.Context) {
	s.mu.Lock()
	batch := s.queue.drain()
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	for _, e := range batch {
		if ctx.Err() != nil {
			s.requeue(e)
			continue
		}
		e.mu.Lock()
		if e.job.State == model.JobQueued {
			s.startLocked(ctx, e.job)
		}
		stillQueued := e.job.State == model.JobQueued
		e.mu.Unlock()

		if stillQueued {
			s.requeue(e)
		}
	}
}

func (s *Scheduler) requeue(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[e.job.ID]; ok {
		s.queue.add(e)
	}
}

// startLocked 首次分配与下发
func (s *Scheduler) startLocked(ctx context.Context, job *model.Job) {
	// Step 1: 先试分配，资源不够时保持 queued，不产生状态迁移
	allocs, err := s.alloc.Allocate(job)
	if err != nil {
		if job.Reason != err.Error() {
			job.Reason = err.Error()
			s.persist(job)
		}
		s.log.Debug("job stays queued", zap.String("job", job.ID), zap.Error(err))
		return
	}
	job.Allocations = append(job.Allocations, allocs...)
	s.transitionLocked(job, model.JobAllocating, fmt.Sprintf("reserved %d device(s)", len(allocs)))

	// Step 2: 下发，失败的节点换掉再试
	if err := s.dispatchLocked(ctx, job, allocs, nil); err != nil {
		nodes := s.releaseAllLocked(job, "dispatch aborted")
		s.transitionLocked(job, model.JobQueued, rferrors.ReasonCode(err)+": "+err.Error())
		s.abortAsync(job.ID, nodes)
		return
	}

	// Step 3: 全部 ack
	s.transitionLocked(job, model.JobRunning, "all nodes acknowledged")
}

// dispatchLocked 把 fresh 下发出去；nack/超时的节点释放并加入 excluded，补分配后重发，最多 DispatchRetries 轮。
// 返回 nil 时任务的有效分配已补足 MinNodes 且都已 ack
func (s *Scheduler) dispatchLocked(ctx context.Context, job *model.Job, fresh []model.Allocation, excluded []string) error {
	for round := 0; ; round++ {
		failed := s.sendDirectives(ctx, job, fresh)
		if len(failed) == 0 {
			return nil
		}
		var lastErr error
		for i := range job.Allocations {
			al := &job.Allocations[i]
			if !al.Active() {
				continue
			}
			if ferr, ok := failed[al.NodeID]; ok {
				s.releaseOneLocked(job, al, "dispatch failed")
				excluded = append(excluded, al.NodeID)
				lastErr = ferr
				s.log.Warn("dispatch failed, excluding node",
					zap.String("job", job.ID), zap.String("node", al.NodeID), zap.Int("round", round), zap.Error(ferr))
			}
		}
		if round >= s.cfg.DispatchRetries {
			return rferrors.WrapJobError(job.ID, "dispatch", lastErr)
		}
		if ctx.Err() != nil {
			return rferrors.WrapJobError(job.ID, "dispatch", ctx.Err())
		}

		more, err := s.alloc.Allocate(job, excluded...)
		if err != nil {
			return rferrors.WrapJobError(job.ID, "dispatch", errors.Join(lastErr, err))
		}
		job.Allocations = append(job.Allocations, more...)
		fresh = more
	}
}

// sendDirectives 并发下发并等待 ack，返回失败节点 -> 错误
func (s *Scheduler) sendDirectives(ctx context.Context, job *model.Job, allocs []model.Allocation) map[string]error {
	active := job.ActiveAllocations()
	peers := make([]string, 0, len(active))
	for _, al := range active {
		peers = append(peers, al.NodeID)
	}

	errs := make([]error, len(allocs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDispatch)
	for i, al := range allocs {
		d := protocol.Directive{
			JobID:       job.ID,
			NodeID:      al.NodeID,
			DeviceID:    al.DeviceID,
			Type:        job.Spec.Type,
			Role:        al.Role,
			Frequency:   job.Spec.Requirement.Frequency,
			BandwidthHz: job.Spec.Requirement.BandwidthHz,
			Peers:       othersThan(peers, al.NodeID),
			Params:      job.Spec.Params,
		}
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(gctx, s.dispatchTimeout())
			defer cancel()
			// 单个节点失败不取消其他节点，所以这里不返回错误
			errs[i] = s.disp.Dispatch(dctx, d)
			return nil
		})
	}
	_ = g.Wait()

	failed := make(map[string]error)
	for i, err := range errs {
		if err != nil {
			failed[allocs[i].NodeID] = err
		}
	}
	return failed
}

func othersThan(all []string, self string) []string {
	out := make([]string, 0, len(all))
	for _, n := range all {
		if n != self {
			out = append(out, n)
		}
	}
	return out
}
