package store

import (
	"context"

	"rfgrid/pkg/model"
)

// Store 接口定义了协调器对持久化层的所有需求。
// 内存中的 Registry / Scheduler 是权威状态，Store 只用于重启恢复和事后复盘
type Store interface {
	// --- Node 相关 ---

	// SaveNode 注册、能力变化、存活变化时写入
	SaveNode(ctx context.Context, node *model.Node) error
	DeleteNode(ctx context.Context, id string) error
	ListNodes(ctx context.Context) ([]*model.Node, error)

	// --- Job 相关 ---

	// SaveJob 每次状态迁移后写入完整记录 (含分配历史)
	SaveJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context) ([]*model.Job, error)

	// SaveJobLog 节点上报的原始输出，按 (job, node) 存放
	SaveJobLog(ctx context.Context, jobID, nodeID, logs string) error
	GetJobLog(ctx context.Context, jobID, nodeID string) (string, error)

	Close() error
}
