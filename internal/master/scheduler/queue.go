package scheduler

import "container/heap"

// jobQueue queued 状态任务的优先队列: 优先级高的在前，同优先级按提交顺序 (Seq) FIFO
type jobQueue []*entry

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	a, b := q[i].job, q[j].job
	if a.Spec.Priority != b.Spec.Priority {
		return a.Spec.Priority > b.Spec.Priority
	}
	return a.Seq < b.Seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

func (q *jobQueue) add(e *entry) {
	if e.index >= 0 {
		return
	}
	heap.Push(q, e)
}

func (q *jobQueue) remove(e *entry) {
	if e.index < 0 {
		return
	}
	heap.Remove(q, e.index)
}

// drain 按调度顺序取出全部任务
func (q *jobQueue) drain() []*entry {
	out := make([]*entry, 0, q.Len())
	for q.Len() > 0 {
		out = append(out, heap.Pop(q).(*entry))
	}
	return out
}
