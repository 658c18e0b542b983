package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rfgrid/internal/master/allocator"
	"rfgrid/internal/master/registry"
	"rfgrid/internal/master/synctrack"
	rferrors "rfgrid/pkg/errors"
	"rfgrid/pkg/model"
	"rfgrid/pkg/protocol"
)

const waitFor = 3 * time.Second

// fakeDispatcher 记录下发的指令，按节点配置失败
type fakeDispatcher struct {
	mu     sync.Mutex
	fail   map[string]error
	sent   []protocol.Directive
	aborts map[string][]string // job -> nodes
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{fail: map[string]error{}, aborts: map[string][]string{}}
}

func (f *fakeDispatcher) Dispatch(_ context.Context, d protocol.Directive) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, d)
	if err, ok := f.fail[d.NodeID]; ok {
		return rferrors.WrapNodeError(d.NodeID, "dispatch", fmt.Errorf("%w: %v", rferrors.ErrDispatchFailure, err))
	}
	return nil
}

func (f *fakeDispatcher) Abort(_ context.Context, nodeID, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts[jobID] = append(f.aborts[jobID], nodeID)
	return nil
}

func (f *fakeDispatcher) failNode(nodeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[nodeID] = fmt.Errorf("nack from %s", nodeID)
}

func (f *fakeDispatcher) abortedNodes(jobID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.aborts[jobID]...)
	sort.Strings(out)
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	clock *clock
	reg   *registry.Registry
	disp  *fakeDispatcher
	sched *Scheduler
}

func testConfig() Config {
	return Config{
		DispatchInterval:   time.Hour, // 只靠事件触发
		DispatchTimeout:    100 * time.Millisecond,
		DispatchRetries:    2,
		ReassignAttempts:   3,
		ReassignBackoff:    5 * time.Millisecond,
		ReassignBackoffMax: 20 * time.Millisecond,
	}
}

func newEnv(t *testing.T, mutate ...func(*Config)) *env {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := synctrack.New(synctrack.Config{StaleAfter: time.Minute, Window: 4, FlapThreshold: 3}, nil)
	tr.SetClock(c.Now)
	reg := registry.New(tr, registry.Config{SuspectAfter: 10 * time.Second, OfflineAfter: 30 * time.Second}, nil)
	reg.SetClock(c.Now)

	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	disp := newFakeDispatcher()
	sched := NewScheduler(allocator.New(reg, tr, nil), disp, nil, cfg, nil)
	reg.Subscribe(sched.OnRegistryEvent)
	return &env{clock: c, reg: reg, disp: disp, sched: sched}
}

func (e *env) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.sched.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (e *env) addNodes(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := e.reg.Register(model.NodeDescriptor{
			ID:      id,
			Devices: []model.Device{{ID: "D" + id[1:], Ranges: []model.FrequencyRange{model.MHz(70, 6000)}}},
		})
		require.NoError(t, err)
		require.NoError(t, e.reg.RecordHeartbeat(id, model.SyncReport{Source: model.RefGPS, PPSStable: true}))
	}
}

// loseNode 让 id 之外的节点保持心跳，id 超过 T_offline
func (e *env) loseNode(t *testing.T, id string) {
	t.Helper()
	e.clock.Advance(31 * time.Second)
	for _, n := range e.reg.List() {
		if n.ID != id {
			require.NoError(t, e.reg.RecordHeartbeat(n.ID, model.SyncReport{Source: model.RefGPS, PPSStable: true}))
		}
	}
	e.reg.Sweep()
}

func (e *env) waitState(t *testing.T, id string, state model.JobState) model.Job {
	t.Helper()
	var job model.Job
	require.Eventually(t, func() bool {
		j, err := e.sched.Get(id)
		if err != nil {
			return false
		}
		job = j
		return j.State == state
	}, waitFor, 5*time.Millisecond, "job %s never reached %s", id, state)
	return job
}

func scanSpec(minNodes, priority int) model.JobSpec {
	return model.JobSpec{
		Type:     model.JobSpectrumScan,
		Priority: priority,
		Requirement: model.Requirement{
			Frequency: model.MHz(100, 200),
			MinNodes:  minNodes,
		},
	}
}

func activeNodes(job model.Job) []string {
	var out []string
	for _, al := range job.ActiveAllocations() {
		out = append(out, al.NodeID)
	}
	sort.Strings(out)
	return out
}

func states(job model.Job) []model.JobState {
	out := make([]model.JobState, 0, len(job.History))
	for _, h := range job.History {
		out = append(out, h.To)
	}
	return out
}

func TestSubmitRejectsInvalidSpec(t *testing.T) {
	e := newEnv(t)
	_, err := e.sched.Submit(scanSpec(0, 0))
	assert.ErrorIs(t, err, rferrors.ErrInvalidJobSpec)
	assert.Empty(t, e.sched.List())
}

func TestJobRunsWhenResourcesAvailable(t *testing.T) {
	e := newEnv(t)
	e.addNodes(t, "N1", "N2", "N3")
	e.start(t)

	id, err := e.sched.Submit(scanSpec(2, 0))
	require.NoError(t, err)
	job := e.waitState(t, id, model.JobRunning)

	assert.Equal(t, []string{"N1", "N2"}, activeNodes(job))
	assert.Equal(t, []model.JobState{model.JobQueued, model.JobAllocating, model.JobRunning}, states(job))
	require.NotNil(t, job.StartedAt)
	assert.Len(t, e.reg.Reservations(), 2)

	e.disp.mu.Lock()
	defer e.disp.mu.Unlock()
	require.Len(t, e.disp.sent, 2)
	for _, d := range e.disp.sent {
		assert.Equal(t, id, d.JobID)
		assert.Len(t, d.Peers, 1)
	}
}

func TestInsufficientStaysQueuedUntilNodeJoins(t *testing.T) {
	e := newEnv(t)
	e.addNodes(t, "N1")
	e.start(t)

	id, err := e.sched.Submit(scanSpec(2, 0))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := e.sched.Get(id)
		return j.Reason != ""
	}, waitFor, 5*time.Millisecond)
	job, _ := e.sched.Get(id)
	assert.Equal(t, model.JobQueued, job.State)
	assert.Contains(t, job.Reason, "insufficient")
	assert.Empty(t, e.reg.Reservations())
	// Insufficient 不产生状态迁移
	assert.Equal(t, []model.JobState{model.JobQueued}, states(job))

	// 新节点注册触发调度，不需要等兜底周期
	e.addNodes(t, "N2")
	job = e.waitState(t, id, model.JobRunning)
	assert.Equal(t, []string{"N1", "N2"}, activeNodes(job))
}

func TestPriorityOrdering(t *testing.T) {
	e := newEnv(t)
	e.addNodes(t, "N1")

	low, err := e.sched.Submit(scanSpec(1, 1))
	require.NoError(t, err)
	high, err := e.sched.Submit(scanSpec(1, 5))
	require.NoError(t, err)
	e.start(t)

	e.waitState(t, high, model.JobRunning)
	j, _ := e.sched.Get(low)
	assert.Equal(t, model.JobQueued, j.State)
}

func TestFIFOWithinPriority(t *testing.T) {
	e := newEnv(t)
	e.addNodes(t, "N1")

	first, err := e.sched.Submit(scanSpec(1, 3))
	require.NoError(t, err)
	second, err := e.sched.Submit(scanSpec(1, 3))
	require.NoError(t, err)
	e.start(t)

	e.waitState(t, first, model.JobRunning)
	j, _ := e.sched.Get(second)
	assert.Equal(t, model.JobQueued, j.State)

	// 前一个完成后释放设备，后一个接着跑
	require.NoError(t, e.sched.ReportProgress(first, protocol.ProgressReport{NodeID: "N1", Status: model.AllocCompleted}))
	e.waitState(t, first, model.JobCompleted)
	e.waitState(t, second, model.JobRunning)
}

func TestRunningJobNotPreempted(t *testing.T) {
	e := newEnv(t)
	e.addNodes(t, "N1")
	e.start(t)

	low, err := e.sched.Submit(scanSpec(1, 0))
	require.NoError(t, err)
	e.waitState(t, low, model.JobRunning)

	high, err := e.sched.Submit(scanSpec(1, 100))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := e.sched.Get(high)
		return j.Reason != ""
	}, waitFor, 5*time.Millisecond)

	j, _ := e.sched.Get(high)
	assert.Equal(t, model.JobQueued, j.State)
	j, _ = e.sched.Get(low)
	assert.Equal(t, model.JobRunning, j.State)
}

func TestReassignmentAfterNodeLoss(t *testing.T) {
	e := newEnv(t)
	e.addNodes(t, "N1", "N2", "N3", "N4")
	e.start(t)

	id, err := e.sched.Submit(scanSpec(3, 0))
	require.NoError(t, err)
	job := e.waitState(t, id, model.JobRunning)
	require.Equal(t, []string{"N1", "N2", "N3"}, activeNodes(job))

	e.loseNode(t, "N2")

	require.Eventually(t, func() bool {
		j, _ := e.sched.Get(id)
		return j.State == model.JobRunning && len(j.ActiveAllocations()) == 3 && j.ReassignAttempts > 0
	}, waitFor, 5*time.Millisecond)
	job, _ = e.sched.Get(id)
	assert.Equal(t, []string{"N1", "N3", "N4"}, activeNodes(job))
	assert.Equal(t, []model.JobState{model.JobQueued, model.JobAllocating, model.JobRunning, model.JobAllocating, model.JobRunning}, states(job))

	// N2 的分配保留为历史
	var lost *model.Allocation
	for i := range job.Allocations {
		if job.Allocations[i].NodeID == "N2" {
			lost = &job.Allocations[i]
		}
	}
	require.NotNil(t, lost)
	require.NotNil(t, lost.ReleasedAt)
	assert.Contains(t, lost.ReleaseReason, "offline")

	res := e.reg.Reservations()
	assert.Len(t, res, 3)
	for ref, owner := range res {
		assert.Equal(t, id, owner)
		assert.NotEqual(t, "N2", ref.NodeID)
	}
}

func TestReassignmentBudgetExhausted(t *testing.T) {
	e := newEnv(t)
	e.addNodes(t, "N1", "N2", "N3")
	e.start(t)

	id, err := e.sched.Submit(scanSpec(3, 0))
	require.NoError(t, err)
	e.waitState(t, id, model.JobRunning)
	// 先收到一部分结果，失败后也要保留
	require.NoError(t, e.sched.ReportProgress(id, protocol.ProgressReport{
		NodeID: "N1", Status: model.AllocRunning, Payload: json.RawMessage(`{"peak_hz":101100000}`),
	}))

	e.loseNode(t, "N3")

	job := e.waitState(t, id, model.JobFailed)
	assert.True(t, strings.HasPrefix(job.Reason, "NodeLossUnrecoverable"), job.Reason)
	assert.Equal(t, 3, job.ReassignAttempts)
	assert.Empty(t, job.ActiveAllocations())
	assert.Len(t, job.Results, 1)
	require.NotNil(t, job.EndedAt)
	assert.Empty(t, e.reg.Reservations())
	assert.Eventually(t, func() bool {
		return len(e.disp.abortedNodes(id)) >= 3
	}, waitFor, 5*time.Millisecond)
}

func TestLostNodeCanReturnAsReplacement(t *testing.T) {
	e := newEnv(t, func(c *Config) {
		c.ReassignBackoff = 300 * time.Millisecond
		c.ReassignBackoffMax = time.Second
	})
	e.addNodes(t, "N1", "N2")
	e.start(t)

	id, err := e.sched.Submit(scanSpec(2, 0))
	require.NoError(t, err)
	e.waitState(t, id, model.JobRunning)

	// 第一次重分配时没有候选
	e.loseNode(t, "N2")
	require.Eventually(t, func() bool {
		j, _ := e.sched.Get(id)
		return j.State == model.JobAllocating && j.ReassignAttempts == 1
	}, waitFor, 5*time.Millisecond)

	// N2 在下一次尝试之前恢复，应该被重新选中
	require.NoError(t, e.reg.RecordHeartbeat("N2", model.SyncReport{Source: model.RefGPS, PPSStable: true}))
	job := e.waitState(t, id, model.JobRunning)
	assert.Equal(t, []string{"N1", "N2"}, activeNodes(job))
	assert.Equal(t, 2, job.ReassignAttempts)
	assert.Len(t, e.reg.Reservations(), 2)
}

func TestOtherDeviceOnFaultedNodeCanReplace(t *testing.T) {
	e := newEnv(t)
	_, err := e.reg.Register(model.NodeDescriptor{
		ID: "N1",
		Devices: []model.Device{
			{ID: "D1", Ranges: []model.FrequencyRange{model.MHz(70, 6000)}},
			{ID: "D1b", Ranges: []model.FrequencyRange{model.MHz(70, 6000)}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, e.reg.RecordHeartbeat("N1", model.SyncReport{Source: model.RefGPS, PPSStable: true}))
	e.start(t)

	id, err := e.sched.Submit(scanSpec(1, 0))
	require.NoError(t, err)
	job := e.waitState(t, id, model.JobRunning)
	require.Equal(t, "D1", job.ActiveAllocations()[0].DeviceID)

	require.NoError(t, e.reg.SetDeviceFault("N1", "D1", true))
	require.Eventually(t, func() bool {
		j, _ := e.sched.Get(id)
		return j.State == model.JobRunning && j.ReassignAttempts == 1
	}, waitFor, 5*time.Millisecond)
	job, _ = e.sched.Get(id)
	require.Len(t, job.ActiveAllocations(), 1)
	assert.Equal(t, "N1", job.ActiveAllocations()[0].NodeID)
	assert.Equal(t, "D1b", job.ActiveAllocations()[0].DeviceID)
}

func TestTierRiseRetriesQueuedJob(t *testing.T) {
	e := newEnv(t)
	_, err := e.reg.Register(model.NodeDescriptor{
		ID:      "N1",
		Devices: []model.Device{{ID: "D1", Ranges: []model.FrequencyRange{model.MHz(70, 6000)}}},
	})
	require.NoError(t, err)
	// GPS 没有稳定秒脉冲只算 frequency
	require.NoError(t, e.reg.RecordHeartbeat("N1", model.SyncReport{Source: model.RefGPS}))
	e.start(t)

	spec := scanSpec(1, 0)
	spec.Requirement.Tier = model.TierTime
	id, err := e.sched.Submit(spec)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := e.sched.Get(id)
		return j.Reason != ""
	}, waitFor, 5*time.Millisecond)
	job, _ := e.sched.Get(id)
	require.Equal(t, model.JobQueued, job.State)

	// 兜底周期是一小时，只有 tier 变化事件能让它跑起来
	require.NoError(t, e.reg.RecordHeartbeat("N1", model.SyncReport{Source: model.RefGPS, PPSStable: true}))
	job = e.waitState(t, id, model.JobRunning)
	assert.Equal(t, []string{"N1"}, activeNodes(job))
}

func TestLostSlotFreesDeviceForQueuedJob(t *testing.T) {
	e := newEnv(t, func(c *Config) {
		// 重分配第一次失败后很久才再试，失败前不会有别的触发
		c.ReassignBackoff = time.Hour
		c.ReassignBackoffMax = time.Hour
	})
	e.addNodes(t, "N1", "N2")
	e.start(t)

	first, err := e.sched.Submit(scanSpec(2, 0))
	require.NoError(t, err)
	e.waitState(t, first, model.JobRunning)

	second, err := e.sched.Submit(scanSpec(1, 0))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := e.sched.Get(second)
		return j.Reason != ""
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, e.sched.ReportProgress(first, protocol.ProgressReport{NodeID: "N2", Status: model.AllocFailed, Error: "overrun"}))
	job := e.waitState(t, second, model.JobRunning)
	assert.Equal(t, []string{"N2"}, activeNodes(job))
}

func TestDispatchFailureTriesAnotherNode(t *testing.T) {
	e := newEnv(t)
	e.addNodes(t, "N1", "N2", "N3")
	e.disp.failNode("N1")
	e.start(t)

	id, err := e.sched.Submit(scanSpec(2, 0))
	require.NoError(t, err)
	job := e.waitState(t, id, model.JobRunning)
	assert.Equal(t, []string{"N2", "N3"}, activeNodes(job))

	var primaries int
	for _, al := range job.ActiveAllocations() {
		if al.Role == model.RolePrimary {
			primaries++
		}
	}
	assert.Equal(t, 1, primaries)
	assert.Equal(t, "dispatch failed", job.Allocations[0].ReleaseReason)
	assert.Len(t, e.reg.Reservations(), 2)
}

func TestDispatchFailureExhaustedReturnsToQueued(t *testing.T) {
	e := newEnv(t)
	e.addNodes(t, "N1", "N2")
	e.disp.failNode("N1")
	e.disp.failNode("N2")
	e.start(t)

	id, err := e.sched.Submit(scanSpec(1, 0))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := e.sched.Get(id)
		return len(j.History) >= 3
	}, waitFor, 5*time.Millisecond)

	job, _ := e.sched.Get(id)
	assert.Equal(t, model.JobQueued, job.State)
	assert.Contains(t, job.Reason, "dispatch failure")
	assert.Empty(t, job.ActiveAllocations())
	assert.Empty(t, e.reg.Reservations())
}

func TestCancel(t *testing.T) {
	e := newEnv(t)
	e.addNodes(t, "N1", "N2")
	e.start(t)

	id, err := e.sched.Submit(scanSpec(2, 0))
	require.NoError(t, err)
	e.waitState(t, id, model.JobRunning)

	require.NoError(t, e.sched.Cancel(id))
	job, _ := e.sched.Get(id)
	assert.Equal(t, model.JobCancelled, job.State)
	assert.Empty(t, job.ActiveAllocations())
	assert.Empty(t, e.reg.Reservations())
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"N1", "N2"}, e.disp.abortedNodes(id))
	}, waitFor, 5*time.Millisecond)

	// 幂等
	assert.NoError(t, e.sched.Cancel(id))
	job, _ = e.sched.Get(id)
	assert.Len(t, job.History, 4)

	assert.ErrorIs(t, e.sched.Cancel("nope"), rferrors.ErrJobNotFound)
}

func TestCancelQueuedJob(t *testing.T) {
	e := newEnv(t)
	id, err := e.sched.Submit(scanSpec(1, 0))
	require.NoError(t, err)
	require.NoError(t, e.sched.Cancel(id))

	e.addNodes(t, "N1")
	e.start(t)
	time.Sleep(50 * time.Millisecond)
	job, _ := e.sched.Get(id)
	assert.Equal(t, model.JobCancelled, job.State)
	assert.Empty(t, e.reg.Reservations())
}

func TestCancelDuringReassignment(t *testing.T) {
	e := newEnv(t, func(c *Config) {
		c.ReassignBackoff = time.Hour
		c.ReassignBackoffMax = time.Hour
	})
	e.addNodes(t, "N1", "N2")
	e.start(t)

	id, err := e.sched.Submit(scanSpec(2, 0))
	require.NoError(t, err)
	e.waitState(t, id, model.JobRunning)

	e.loseNode(t, "N2")
	// 第一次尝试失败后在队列里等一个小时
	require.Eventually(t, func() bool {
		j, _ := e.sched.Get(id)
		return j.State == model.JobAllocating && j.ReassignAttempts == 1
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, e.sched.Cancel(id))
	assert.False(t, e.sched.timers.Pending(id))
	job, _ := e.sched.Get(id)
	assert.Equal(t, model.JobCancelled, job.State)
	assert.Empty(t, e.reg.Reservations())
}

func TestCancelTerminalJob(t *testing.T) {
	e := newEnv(t)
	e.addNodes(t, "N1")
	e.start(t)

	id, err := e.sched.Submit(scanSpec(1, 0))
	require.NoError(t, err)
	e.waitState(t, id, model.JobRunning)
	require.NoError(t, e.sched.ReportProgress(id, protocol.ProgressReport{NodeID: "N1", DeviceID: "D1", Status: model.AllocCompleted}))
	e.waitState(t, id, model.JobCompleted)

	assert.ErrorIs(t, e.sched.Cancel(id), rferrors.ErrJobTerminal)
}

func TestProgressAndCompletion(t *testing.T) {
	e := newEnv(t)
	e.addNodes(t, "N1", "N2")
	e.start(t)

	id, err := e.sched.Submit(scanSpec(2, 0))
	require.NoError(t, err)
	e.waitState(t, id, model.JobRunning)

	err = e.sched.ReportProgress(id, protocol.ProgressReport{NodeID: "N9", Status: model.AllocRunning})
	assert.ErrorIs(t, err, rferrors.ErrUnknownNode)
	err = e.sched.ReportProgress(id, protocol.ProgressReport{NodeID: "N1", Status: "exploded"})
	assert.ErrorIs(t, err, rferrors.ErrInvalidJobSpec)

	require.NoError(t, e.sched.ReportProgress(id, protocol.ProgressReport{NodeID: "N1", Status: model.AllocRunning}))
	require.NoError(t, e.sched.ReportProgress(id, protocol.ProgressReport{
		NodeID: "N1", Status: model.AllocCompleted, Payload: json.RawMessage(`{"bins":[1,2,3]}`),
	}))
	job, _ := e.sched.Get(id)
	assert.Equal(t, model.JobRunning, job.State)

	require.NoError(t, e.sched.ReportProgress(id, protocol.ProgressReport{
		NodeID: "N2", Status: model.AllocCompleted, Payload: json.RawMessage(`{"bins":[4,5,6]}`),
	}))
	job = e.waitState(t, id, model.JobCompleted)
	assert.Len(t, job.Results, 2)
	assert.JSONEq(t, `{"bins":[1,2,3]}`, string(job.Results[0].Payload))
	assert.Empty(t, e.reg.Reservations())
	require.NotNil(t, job.EndedAt)

	err = e.sched.ReportProgress(id, protocol.ProgressReport{NodeID: "N1", Status: model.AllocCompleted})
	assert.ErrorIs(t, err, rferrors.ErrJobTerminal)
}

func TestNodeReportedFailureIsReassigned(t *testing.T) {
	e := newEnv(t)
	e.addNodes(t, "N1", "N2", "N3")
	e.start(t)

	id, err := e.sched.Submit(scanSpec(2, 0))
	require.NoError(t, err)
	e.waitState(t, id, model.JobRunning)

	require.NoError(t, e.sched.ReportProgress(id, protocol.ProgressReport{NodeID: "N2", Status: model.AllocFailed, Error: "overrun"}))
	require.Eventually(t, func() bool {
		j, _ := e.sched.Get(id)
		return j.State == model.JobRunning && j.ReassignAttempts == 1
	}, waitFor, 5*time.Millisecond)
	job, _ := e.sched.Get(id)
	assert.Len(t, job.ActiveAllocations(), 2)
	assert.NotContains(t, activeNodes(job), "N2")
}

func TestDeviceFaultTriggersReassignment(t *testing.T) {
	e := newEnv(t)
	e.addNodes(t, "N1", "N2", "N3")
	e.start(t)

	id, err := e.sched.Submit(scanSpec(2, 0))
	require.NoError(t, err)
	e.waitState(t, id, model.JobRunning)

	require.NoError(t, e.reg.SetDeviceFault("N1", "D1", true))
	require.Eventually(t, func() bool {
		j, _ := e.sched.Get(id)
		return j.State == model.JobRunning && j.ReassignAttempts == 1
	}, waitFor, 5*time.Millisecond)
	job, _ := e.sched.Get(id)
	assert.Equal(t, []string{"N2", "N3"}, activeNodes(job))
}

func TestRunningJobsAlwaysHoldMinNodes(t *testing.T) {
	e := newEnv(t)
	e.addNodes(t, "N1", "N2", "N3", "N4", "N5")
	e.start(t)

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		id, err := e.sched.Submit(scanSpec(2, i%2))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Eventually(t, func() bool {
		return len(e.sched.List(model.JobRunning)) == 2
	}, waitFor, 5*time.Millisecond)

	owners := map[model.DeviceRef]string{}
	for _, j := range e.sched.List(model.JobRunning) {
		assert.GreaterOrEqual(t, len(j.ActiveAllocations()), j.Spec.Requirement.MinNodes)
		for _, al := range j.ActiveAllocations() {
			ref := model.DeviceRef{NodeID: al.NodeID, DeviceID: al.DeviceID}
			_, dup := owners[ref]
			assert.False(t, dup)
			owners[ref] = j.ID
		}
	}
	assert.Equal(t, owners, e.reg.Reservations())
	assert.Len(t, e.sched.List(model.JobQueued), 2)
	assert.Len(t, e.sched.List(), len(ids))
}

func TestRestore(t *testing.T) {
	e := newEnv(t)
	e.addNodes(t, "N1", "N2", "N3")

	now := time.Now()
	running := &model.Job{
		ID:    "job-run",
		Seq:   7,
		Spec:  scanSpec(2, 0),
		State: model.JobRunning,
		Allocations: []model.Allocation{
			{NodeID: "N1", DeviceID: "D1", Role: model.RolePrimary, AllocatedAt: now},
			{NodeID: "N9", DeviceID: "D9", Role: model.RoleSecondary, AllocatedAt: now},
		},
	}
	queued := &model.Job{ID: "job-q", Seq: 9, Spec: scanSpec(1, 0), State: model.JobQueued}
	done := &model.Job{ID: "job-done", Seq: 3, Spec: scanSpec(1, 0), State: model.JobCompleted}
	e.sched.Restore([]*model.Job{running, queued, done})

	// N1 按记录重新占用；N9 已经不在注册表里，按丢失处理
	assert.Equal(t, "job-run", e.reg.Reservations()[model.DeviceRef{NodeID: "N1", DeviceID: "D1"}])
	job, err := e.sched.Get("job-run")
	require.NoError(t, err)
	assert.Equal(t, model.JobAllocating, job.State)

	e.start(t)
	job = e.waitState(t, "job-run", model.JobRunning)
	assert.Len(t, job.ActiveAllocations(), 2)
	assert.Contains(t, activeNodes(job), "N1")
	e.waitState(t, "job-q", model.JobRunning)

	id, err := e.sched.Submit(scanSpec(1, 0))
	require.NoError(t, err)
	j, _ := e.sched.Get(id)
	assert.Equal(t, uint64(10), j.Seq)
	assert.Len(t, e.sched.List(), 4)
}
