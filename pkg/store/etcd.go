package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	rferrors "rfgrid/pkg/errors"
	"rfgrid/pkg/logger"
	"rfgrid/pkg/model"
)

// Key 布局 (Schema Design)，prefix 默认 /rfgrid/
//
//	<prefix>nodes/<node>
//	<prefix>jobs/<job>
//	<prefix>logs/<job>/<node>
const (
	nodeKeyDir = "nodes/"
	jobKeyDir  = "jobs/"
	logKeyDir  = "logs/"
)

type EtcdManager struct {
	client *clientv3.Client
	prefix string
	log    *zap.Logger
}

// NewEtcdManager 初始化 Etcd 连接
func NewEtcdManager(endpoints []string, dialTimeout time.Duration, prefix string, log *zap.Logger) (*EtcdManager, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	if prefix == "" {
		prefix = "/rfgrid/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd %v: %w", endpoints, err)
	}
	return &EtcdManager{client: cli, prefix: prefix, log: logger.OrNop(log).Named("etcd")}, nil
}

func (e *EtcdManager) key(dir string, parts ...string) string {
	return e.prefix + dir + strings.Join(parts, "/")
}

// ---------------------------------------------------------
// Node 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) SaveNode(ctx context.Context, node *model.Node) error {
	return e.putValue(ctx, e.key(nodeKeyDir, node.ID), node)
}

func (e *EtcdManager) DeleteNode(ctx context.Context, id string) error {
	_, err := e.client.Delete(ctx, e.key(nodeKeyDir, id))
	return err
}

func (e *EtcdManager) ListNodes(ctx context.Context) ([]*model.Node, error) {
	return listValues[model.Node](ctx, e, e.key(nodeKeyDir))
}

// ---------------------------------------------------------
// Job 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) SaveJob(ctx context.Context, job *model.Job) error {
	return e.putValue(ctx, e.key(jobKeyDir, job.ID), job)
}

func (e *EtcdManager) GetJob(ctx context.Context, id string) (*model.Job, error) {
	resp, err := e.client.Get(ctx, e.key(jobKeyDir, id))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, rferrors.WrapJobError(id, "get", rferrors.ErrJobNotFound)
	}
	var job model.Job
	if err := json.Unmarshal(resp.Kvs[0].Value, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (e *EtcdManager) ListJobs(ctx context.Context) ([]*model.Job, error) {
	return listValues[model.Job](ctx, e, e.key(jobKeyDir))
}

// ---------------------------------------------------------
// Log 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) SaveJobLog(ctx context.Context, jobID, nodeID, logs string) error {
	_, err := e.client.Put(ctx, e.key(logKeyDir, jobID, nodeID), logs)
	return err
}

func (e *EtcdManager) GetJobLog(ctx context.Context, jobID, nodeID string) (string, error) {
	resp, err := e.client.Get(ctx, e.key(logKeyDir, jobID, nodeID))
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("%w: job %s on node %s", rferrors.ErrLogNotFound, jobID, nodeID)
	}
	return string(resp.Kvs[0].Value), nil
}

func (e *EtcdManager) Close() error {
	return e.client.Close()
}

// ---------------------------------------------------------
// 辅助方法 (Helpers)
// ---------------------------------------------------------

// putValue 封装通用的 JSON 序列化 + Put 操作
func (e *EtcdManager) putValue(ctx context.Context, key string, val any) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, key, string(bytes))
	return err
}

// listValues 读取前缀下的全部 JSON 值，坏数据跳过并记日志
func listValues[T any](ctx context.Context, e *EtcdManager, prefix string) ([]*T, error) {
	resp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var v T
		if err := json.Unmarshal(kv.Value, &v); err != nil {
			e.log.Warn("skipping undecodable record", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		out = append(out, &v)
	}
	return out, nil
}
