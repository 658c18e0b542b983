package scheduler

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"rfgrid/internal/master/registry"
)

// eventQueue 无界 FIFO，注册表监听器往里放，调度器的事件协程取
type eventQueue struct {
	mu     sync.Mutex
	items  []registry.Event
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev registry.Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) take() []registry.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// consumeEvents 处理注册表变化: 节点恢复/新增触发一次调度，丢失的占用走重分配
func (s *Scheduler) consumeEvents(ctx context.Context) {
	for {
		for _, ev := range s.events.take() {
			s.handleEvent(ev)
		}
		select {
		case <-s.events.notify:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) handleEvent(ev registry.Event) {
	for _, lost := range ev.Lost {
		s.log.Info("reservation lost",
			zap.String("job", lost.JobID), zap.Stringer("device", lost.Ref), zap.Stringer("event", ev.Type))
		s.HandleSlotLost(lost.JobID, lost.Ref.NodeID, lost.Ref.DeviceID, "node "+ev.Type.String())
	}

	switch ev.Type {
	case registry.EventRegistered, registry.EventOnline, registry.EventDeviceRecovered:
		// 可用资源变多，queued 的任务可能可以跑了
		s.Trigger()
	case registry.EventTierChanged:
		// 同步等级提高后，之前因 tier 不够而 Insufficient 的任务可能可以分配了
		if ev.Node != nil && ev.Node.Tier > ev.PrevTier {
			s.Trigger()
		}
	case registry.EventSuspect, registry.EventOffline, registry.EventDeregistered, registry.EventDeviceFault:
	}
}
