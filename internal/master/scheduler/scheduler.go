package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rfgrid/internal/master/allocator"
	"rfgrid/internal/master/dispatch"
	"rfgrid/internal/master/registry"
	"rfgrid/internal/master/timerq"
	rferrors "rfgrid/pkg/errors"
	"rfgrid/pkg/logger"
	"rfgrid/pkg/model"
)

type Config struct {
	DispatchInterval   time.Duration // 没有事件时的兜底重试周期
	DispatchTimeout    time.Duration // 等待单个节点 ack 的时间
	DispatchRetries    int           // 下发失败后换节点重试的次数
	ReassignAttempts   int           // 节点丢失后的重分配预算
	ReassignBackoff    time.Duration
	ReassignBackoffMax time.Duration
}

// JobSink 接收每次状态变化后的任务快照，store.Writer 实现了它
type JobSink interface {
	SaveJob(job model.Job)
}

// entry 一个任务的唯一归属: 对 job 的所有修改都在 entry.mu 内进行
type entry struct {
	mu    sync.Mutex
	job   *model.Job
	index int // 在 jobQueue 中的位置，不在队列时为 -1，受 Scheduler.mu 保护
}

// Scheduler 核心调度器: 维护任务状态机、优先队列、下发与重分配
type Scheduler struct {
	mu    sync.Mutex // 保护 jobs / queue / seq
	jobs  map[string]*entry
	queue jobQueue
	seq   uint64

	alloc  *allocator.Allocator
	disp   dispatch.Dispatcher
	timers *timerq.Queue
	sink   JobSink
	cfg    Config

	wake   chan struct{}
	events *eventQueue
	now    func() time.Time
	log    *zap.Logger
}

// NewScheduler 构造函数。sink 可以为 nil (不持久化)
func NewScheduler(alloc *allocator.Allocator, disp dispatch.Dispatcher, sink JobSink, cfg Config, log *zap.Logger) *Scheduler {
	log = logger.OrNop(log).Named("scheduler")
	return &Scheduler{
		jobs:   make(map[string]*entry),
		alloc:  alloc,
		disp:   disp,
		timers: timerq.New(log),
		sink:   sink,
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
		events: newEventQueue(),
		now:    time.Now,
		log:    log,
	}
}

// Run 启动调度主循环 (这是后台常驻 Goroutine)，直到 ctx 结束
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.timers.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.consumeEvents(ctx)
	}()

	interval := s.cfg.DispatchInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.log.Info("scheduler started", zap.Duration("dispatch_interval", interval))

	for {
		s.dispatchOnce(ctx)
		select {
		case <-s.wake:
		case <-ticker.C:
		case <-ctx.Done():
			wg.Wait()
			s.log.Info("scheduler stopped")
			return
		}
	}
}

// Trigger 唤醒调度循环，重复调用会合并
func (s *Scheduler) Trigger() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Submit 校验规格，分配 ID 并以 queued 状态入队
func (s *Scheduler) Submit(spec model.JobSpec) (string, error) {
	if err := allocator.ValidateSpec(spec); err != nil {
		return "", err
	}
	now := s.now()
	job := &model.Job{
		ID:          uuid.NewString(),
		Spec:        spec,
		State:       model.JobQueued,
		SubmittedAt: now,
		History:     []model.Transition{{To: model.JobQueued, At: now, Reason: "submitted"}},
	}
	e := &entry{job: job, index: -1}

	s.mu.Lock()
	s.seq++
	job.Seq = s.seq
	s.jobs[job.ID] = e
	s.queue.add(e)
	s.mu.Unlock()

	s.log.Info("job submitted",
		zap.String("job", job.ID), zap.String("type", string(spec.Type)),
		zap.Int("priority", spec.Priority), zap.Int("min_nodes", spec.Requirement.MinNodes))
	s.persist(job)
	s.Trigger()
	return job.ID, nil
}

// Get 返回任务副本
func (s *Scheduler) Get(id string) (model.Job, error) {
	e, err := s.entry(id)
	if err != nil {
		return model.Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// List 按提交顺序返回任务副本，states 为空时返回全部
func (s *Scheduler) List(states ...model.JobState) []model.Job {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]model.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if len(states) == 0 || model.Contains(states, e.job.State) {
			out = append(out, e.job.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Cancel 释放任务的全部设备并置为 cancelled，对已取消的任务重复调用返回 nil。
// 正在进行的分配/重分配尝试结束后才会处理取消，尝试中新占用的设备一并释放
func (s *Scheduler) Cancel(id string) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	s.timers.Cancel(id)

	e.mu.Lock()
	defer e.mu.Unlock()
	job := e.job
	switch {
	case job.State == model.JobCancelled:
		return nil
	case job.State.Terminal():
		return rferrors.WrapJobError(id, "cancel", rferrors.ErrJobTerminal)
	}

	s.mu.Lock()
	s.queue.remove(e)
	s.mu.Unlock()

	nodes := s.releaseAllLocked(job, "cancelled")
	s.transitionLocked(job, model.JobCancelled, "cancelled by request")
	s.abortAsync(job.ID, nodes)
	s.Trigger()
	return nil
}

func (s *Scheduler) entry(id string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, rferrors.WrapJobError(id, "lookup", rferrors.ErrJobNotFound)
	}
	return e, nil
}

// transitionLocked 执行一次状态迁移，记录历史并持久化。调用方持有 entry.mu
func (s *Scheduler) transitionLocked(job *model.Job, to model.JobState, reason string) bool {
	from := job.State
	if !model.ValidStateTransition(from, to) {
		s.log.Error("invalid job transition",
			zap.String("job", job.ID), zap.String("from", string(from)), zap.String("to", string(to)))
		return false
	}
	now := s.now()
	job.State = to
	job.Reason = reason
	job.History = append(job.History, model.Transition{From: from, To: to, At: now, Reason: reason})
	if to == model.JobRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if to.Terminal() {
		job.EndedAt = &now
	}

	fields := []zap.Field{
		zap.String("job", job.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
		zap.Int("active", len(job.ActiveAllocations())),
	}
	if to == model.JobFailed {
		s.log.Warn("job transition", fields...)
	} else {
		s.log.Info("job transition", fields...)
	}
	s.persist(job)
	return true
}

// releaseAllLocked 释放任务全部有效分配，返回涉及的节点
func (s *Scheduler) releaseAllLocked(job *model.Job, reason string) []string {
	now := s.now()
	var nodes []string
	for i := range job.Allocations {
		al := &job.Allocations[i]
		if !al.Active() {
			continue
		}
		al.ReleasedAt = &now
		al.ReleaseReason = reason
		nodes = append(nodes, al.NodeID)
	}
	if n := s.alloc.ReleaseJob(job.ID); n > 0 {
		s.log.Debug("devices released", zap.String("job", job.ID), zap.Int("count", n), zap.String("reason", reason))
	}
	return nodes
}

// releaseOneLocked 释放单个分配
func (s *Scheduler) releaseOneLocked(job *model.Job, al *model.Allocation, reason string) {
	now := s.now()
	al.ReleasedAt = &now
	al.ReleaseReason = reason
	s.alloc.Release(job.ID, []model.Allocation{*al})
}

func (s *Scheduler) abortAsync(jobID string, nodes []string) {
	if len(nodes) == 0 {
		return
	}
	timeout := s.dispatchTimeout()
	go func() {
		for _, n := range nodes {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if err := s.disp.Abort(ctx, n, jobID); err != nil {
				s.log.Warn("abort not delivered", zap.String("job", jobID), zap.String("node", n), zap.Error(err))
			}
			cancel()
		}
	}()
}

func (s *Scheduler) persist(job *model.Job) {
	if s.sink != nil {
		s.sink.SaveJob(job.Clone())
	}
}

func (s *Scheduler) dispatchTimeout() time.Duration {
	if s.cfg.DispatchTimeout > 0 {
		return s.cfg.DispatchTimeout
	}
	return 5 * time.Second
}

// OnRegistryEvent 注册表监听器，只入队不阻塞
func (s *Scheduler) OnRegistryEvent(ev registry.Event) {
	s.events.push(ev)
}
