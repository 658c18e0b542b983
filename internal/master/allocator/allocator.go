package allocator

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"rfgrid/internal/master/registry"
	"rfgrid/internal/master/synctrack"
	rferrors "rfgrid/pkg/errors"
	"rfgrid/pkg/logger"
	"rfgrid/pkg/model"
)

// 快照与实际占用之间可能有节点离线/设备故障，重选几次
const maxReserveTries = 3

// Allocator 根据任务需求选出具体的 (节点, 设备) 组合并原子占用
type Allocator struct {
	// mu 限定一次分配尝试的临界区，并发分配串行化
	mu      sync.Mutex
	reg     *registry.Registry
	tracker *synctrack.Tracker
	now     func() time.Time
	log     *zap.Logger
}

func New(reg *registry.Registry, tracker *synctrack.Tracker, log *zap.Logger) *Allocator {
	return &Allocator{
		reg:     reg,
		tracker: tracker,
		now:     time.Now,
		log:     logger.OrNop(log).Named("allocator"),
	}
}

// Allocate 为 job 补齐缺少的节点 (新任务即 MinNodes 个)。
// 已有的有效分配保持不动且所在节点被排除，exclude 里的节点也不参与 (例如下发失败的节点)。
// 不足时返回 Insufficient，且不会留下任何占用
func (a *Allocator) Allocate(job *model.Job, exclude ...string) ([]model.Allocation, error) {
	r, ok := rulesFor(job.Spec.Type)
	if !ok {
		return nil, rferrors.WrapJobError(job.ID, "allocate", rferrors.InvalidSpec("unknown job type %q", job.Spec.Type))
	}
	req := job.Spec.Requirement
	needed := job.Missing()
	if needed == 0 {
		return nil, nil
	}

	ex := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		ex[id] = true
	}
	needPrimary := true
	var anchors []model.Position
	for _, al := range job.ActiveAllocations() {
		ex[al.NodeID] = true
		if al.Role == model.RolePrimary {
			needPrimary = false
		}
		if req.Spread != nil {
			if n, err := a.reg.Get(al.NodeID); err == nil && n.Position != nil {
				anchors = append(anchors, *n.Position)
			}
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var reserveErr error
	for try := 0; try < maxReserveTries; try++ {
		// Step 1: Filter
		cands := a.filterNodes(job, r, ex)

		// Step 2: Select (贪心，必要时最大化地理分散)
		picks := selectNodes(cands, needed, req.Spread, anchors, needPrimary, r.primaryTx)
		found := len(picks)
		if found < needed {
			a.log.Info("allocation insufficient",
				zap.String("job", job.ID), zap.Int("needed", needed), zap.Int("found", found))
			return nil, rferrors.WrapJobError(job.ID, "allocate", rferrors.Insufficient(needed, found))
		}

		// Step 3: Reserve，全部成功或全部不占
		refs := make([]model.DeviceRef, len(picks))
		for i, p := range picks {
			refs[i] = model.DeviceRef{NodeID: p.c.node.ID, DeviceID: p.device.ID}
		}
		if err := a.reg.Reserve(job.ID, refs); err != nil {
			a.log.Warn("reservation failed, retrying selection", zap.String("job", job.ID), zap.Error(err))
			reserveErr = err
			continue
		}

		now := a.now()
		allocs := make([]model.Allocation, len(picks))
		for i, p := range picks {
			allocs[i] = model.Allocation{
				NodeID:      p.c.node.ID,
				DeviceID:    p.device.ID,
				Role:        p.role,
				Status:      model.AllocPending,
				AllocatedAt: now,
			}
		}
		a.log.Info("devices reserved", zap.String("job", job.ID), zap.Stringers("devices", refs))
		return allocs, nil
	}
	return nil, rferrors.WrapJobError(job.ID, "allocate", reserveExhausted(needed, reserveErr))
}

// reserveExhausted 候选够但每次占用都被抢先，按 found=0 报告并带上最后一次冲突
func reserveExhausted(needed int, lastErr error) error {
	return fmt.Errorf("%w: %w", rferrors.Insufficient(needed, 0), lastErr)
}

// Release 归还设备，返回实际释放的数量
func (a *Allocator) Release(jobID string, allocs []model.Allocation) int {
	refs := make([]model.DeviceRef, len(allocs))
	for i, al := range allocs {
		refs[i] = model.DeviceRef{NodeID: al.NodeID, DeviceID: al.DeviceID}
	}
	return a.reg.Release(jobID, refs)
}

// ReleaseJob 归还 job 的全部设备
func (a *Allocator) ReleaseJob(jobID string) int {
	return a.reg.ReleaseJob(jobID)
}

// Reclaim 重启恢复时重新占用任务记录里的设备。
// 节点不在、离线、设备故障或已被别的任务占用时返回对应的注册表错误
func (a *Allocator) Reclaim(jobID string, al model.Allocation) error {
	return a.reg.Reclaim(jobID, model.DeviceRef{NodeID: al.NodeID, DeviceID: al.DeviceID})
}
