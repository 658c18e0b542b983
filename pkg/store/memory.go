package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	rferrors "rfgrid/pkg/errors"
	"rfgrid/pkg/model"
)

// MemoryStore 不配置 etcd 时使用，进程重启后数据丢失
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]model.Node
	jobs  map[string]model.Job
	logs  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]model.Node),
		jobs:  make(map[string]model.Job),
		logs:  make(map[string]string),
	}
}

func (m *MemoryStore) SaveNode(_ context.Context, node *model.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[node.ID] = node.Clone()
	return nil
}

func (m *MemoryStore) DeleteNode(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, id)
	return nil
}

func (m *MemoryStore) ListNodes(context.Context) ([]*model.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		c := n.Clone()
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SaveJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, rferrors.WrapJobError(id, "get", rferrors.ErrJobNotFound)
	}
	c := j.Clone()
	return &c, nil
}

func (m *MemoryStore) ListJobs(context.Context) ([]*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		c := j.Clone()
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *MemoryStore) SaveJobLog(_ context.Context, jobID, nodeID, logs string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[jobID+"/"+nodeID] = logs
	return nil
}

func (m *MemoryStore) GetJobLog(_ context.Context, jobID, nodeID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.logs[jobID+"/"+nodeID]
	if !ok {
		return "", fmt.Errorf("%w: job %s on node %s", rferrors.ErrLogNotFound, jobID, nodeID)
	}
	return l, nil
}

func (m *MemoryStore) Close() error { return nil }
