package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"rfgrid/pkg/logger"
	"rfgrid/pkg/model"
)

type opKind int

const (
	opSaveNode opKind = iota
	opDeleteNode
	opSaveJob
	opSaveLog
)

type op struct {
	kind   opKind
	node   model.Node
	job    model.Job
	id     string
	nodeID string
	text   string
}

// Writer 把持久化从调度/心跳路径上摘出去: 调用方只入队快照，后台协程按入队顺序写入 Store。
// 同一实体的多次写入顺序与调用顺序一致，所以存储里最终是最新状态
type Writer struct {
	st      Store
	timeout time.Duration

	mu     sync.Mutex
	queue  []op
	closed bool
	notify chan struct{}
	done   chan struct{}

	log *zap.Logger
}

// NewWriter 启动后台写协程，timeout 是单次写入的超时
func NewWriter(st Store, timeout time.Duration, log *zap.Logger) *Writer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	w := &Writer{
		st:      st,
		timeout: timeout,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		log:     logger.OrNop(log).Named("store-writer"),
	}
	go w.loop()
	return w
}

func (w *Writer) SaveNode(n model.Node) {
	w.enqueue(op{kind: opSaveNode, node: n.Clone()})
}

func (w *Writer) DeleteNode(id string) {
	w.enqueue(op{kind: opDeleteNode, id: id})
}

func (w *Writer) SaveJob(j model.Job) {
	w.enqueue(op{kind: opSaveJob, job: j.Clone()})
}

func (w *Writer) SaveJobLog(jobID, nodeID, text string) {
	w.enqueue(op{kind: opSaveLog, id: jobID, nodeID: nodeID, text: text})
}

func (w *Writer) enqueue(o op) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.log.Warn("write after close dropped", zap.Int("kind", int(o.kind)))
		return
	}
	w.queue = append(w.queue, o)
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *Writer) loop() {
	defer close(w.done)
	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		closed := w.closed
		w.mu.Unlock()

		for _, o := range batch {
			w.apply(o)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-w.notify
	}
}

func (w *Writer) apply(o op) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	var err error
	switch o.kind {
	case opSaveNode:
		err = w.st.SaveNode(ctx, &o.node)
	case opDeleteNode:
		err = w.st.DeleteNode(ctx, o.id)
	case opSaveJob:
		err = w.st.SaveJob(ctx, &o.job)
	case opSaveLog:
		err = w.st.SaveJobLog(ctx, o.id, o.nodeID, o.text)
	}
	if err != nil {
		w.log.Error("persist failed", zap.Int("kind", int(o.kind)), zap.String("job", o.job.ID),
			zap.String("node", o.node.ID), zap.Error(err))
	}
}

// Close 停止接收新写入，等待队列写完
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
	<-w.done
}
