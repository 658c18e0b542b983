package timerq

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"rfgrid/pkg/logger"
)

// Backoff 第 n 次失败后的等待时间: Initial * Factor^(n-1)，不超过 Max
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		d *= factor
		if b.Max > 0 && d >= float64(b.Max) {
			return b.Max
		}
	}
	if b.Max > 0 && time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

// Task 有限次尝试的定时任务。
// Run 返回 nil 表示完成；返回错误时按 Backoff 重新入队，用完 MaxAttempts 后调用 OnExhausted
type Task struct {
	MaxAttempts int
	Backoff     Backoff
	Run         func(ctx context.Context, attempt int) error
	OnExhausted func(lastErr error)
}

type item struct {
	key     string
	task    Task
	due     time.Time
	attempt int // 下一次执行是第几次
	index   int

	running   bool
	cancelled bool

	// 执行期间又被 Schedule 的后续任务，本次结束后替换当前任务
	next      *Task
	nextDelay time.Duration
}

// taskHeap 按到期时间排序 (heap.Interface)
type taskHeap []*item

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue 定时任务队列。取消就是把任务从队列里拿掉，不会打断正在执行的回调，
// 但该回调结束后不会再重新入队
type Queue struct {
	mu    sync.Mutex
	items taskHeap
	byKey map[string]*item

	wake chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
	log  *zap.Logger
}

func New(log *zap.Logger) *Queue {
	return &Queue{
		byKey: make(map[string]*item),
		wake:  make(chan struct{}, 1),
		now:   time.Now,
		log:   logger.OrNop(log).Named("timerq"),
	}
}

// Schedule 在 delay 之后执行 task。
// 同一个 key 已在排队时返回 false；正在执行时，task 会在本次执行结束后从第 1 次尝试重新开始
func (q *Queue) Schedule(key string, delay time.Duration, task Task) bool {
	if task.MaxAttempts < 1 {
		task.MaxAttempts = 1
	}
	q.mu.Lock()
	if it, exists := q.byKey[key]; exists {
		if !it.running || it.next != nil {
			q.mu.Unlock()
			return false
		}
		it.next = &task
		it.nextDelay = delay
		q.mu.Unlock()
		return true
	}
	it := &item{key: key, task: task, due: q.now().Add(delay), attempt: 1}
	q.byKey[key] = it
	heap.Push(&q.items, it)
	q.mu.Unlock()

	q.signal()
	return true
}

// Cancel 移除 key 对应的任务，返回是否存在
func (q *Queue) Cancel(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byKey[key]
	if !ok {
		return false
	}
	it.cancelled = true
	delete(q.byKey, key)
	if !it.running && it.index >= 0 {
		heap.Remove(&q.items, it.index)
	}
	q.log.Debug("task cancelled", zap.String("key", key))
	return true
}

// Pending key 是否在排队或执行中
func (q *Queue) Pending(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byKey[key]
	return ok
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byKey)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run 睡到下一个任务到期再执行，直到 ctx 结束。返回前等待正在执行的任务退出
func (q *Queue) Run(ctx context.Context) {
	defer q.wg.Wait()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait, due := q.popDue()
		for _, it := range due {
			q.wg.Add(1)
			go q.execute(ctx, it)
		}

		if wait < 0 {
			// 队列为空，等新任务
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				return
			}
		}

		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-q.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// popDue 取出所有已到期的任务，并返回距下一个到期的时间 (队列为空时为 -1)
func (q *Queue) popDue() (time.Duration, []*item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var due []*item
	for len(q.items) > 0 && !q.items[0].due.After(now) {
		it := heap.Pop(&q.items).(*item)
		it.running = true
		due = append(due, it)
	}
	if len(q.items) == 0 {
		return -1, due
	}
	return q.items[0].due.Sub(now), due
}

func (q *Queue) execute(ctx context.Context, it *item) {
	defer q.wg.Done()

	err := it.task.Run(ctx, it.attempt)

	q.mu.Lock()
	it.running = false
	if it.cancelled {
		q.mu.Unlock()
		return
	}
	if ctx.Err() != nil {
		delete(q.byKey, it.key)
		q.mu.Unlock()
		return
	}
	if it.next != nil {
		it.task, it.attempt = *it.next, 1
		it.due = q.now().Add(it.nextDelay)
		it.next = nil
		heap.Push(&q.items, it)
		q.mu.Unlock()
		q.signal()
		return
	}
	if err == nil {
		delete(q.byKey, it.key)
		q.mu.Unlock()
		return
	}
	if it.attempt >= it.task.MaxAttempts {
		delete(q.byKey, it.key)
		q.mu.Unlock()
		q.log.Warn("task attempts exhausted",
			zap.String("key", it.key), zap.Int("attempts", it.attempt), zap.Error(err))
		if it.task.OnExhausted != nil {
			it.task.OnExhausted(err)
		}
		return
	}
	delay := it.task.Backoff.Delay(it.attempt)
	it.attempt++
	it.due = q.now().Add(delay)
	heap.Push(&q.items, it)
	q.mu.Unlock()

	q.log.Debug("task rescheduled",
		zap.String("key", it.key), zap.Int("attempt", it.attempt), zap.Duration("delay", delay), zap.Error(err))
	q.signal()
}
