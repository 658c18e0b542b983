package allocator

import (
	"go.uber.org/zap"

	"rfgrid/pkg/model"
)

// candidate 通过过滤的节点，以及它上面可用的设备
type candidate struct {
	node model.Node
	rx   *model.Device // ID 最小的满足条件的设备
	tx   *model.Device // ID 最小的满足条件且可发射的设备，没有则为 nil
}

// filterNodes 遍历注册表的可用节点，返回满足硬性条件的候选者 (按节点 ID 升序)
func (a *Allocator) filterNodes(job *model.Job, r rules, exclude map[string]bool) []candidate {
	req := job.Spec.Requirement
	candidates := make([]candidate, 0)

	for node := range a.reg.ListAvailable(func(n *model.Node) bool { return !exclude[n.ID] }) {
		if c, ok := a.checkNode(job, r, node); ok {
			candidates = append(candidates, c)
		}
	}
	a.log.Debug("candidates filtered",
		zap.String("job", job.ID),
		zap.String("range", req.Frequency.String()),
		zap.Stringer("tier", req.Tier),
		zap.Int("candidates", len(candidates)))
	return candidates
}

// checkNode 执行具体的 Predicate 检查逻辑
func (a *Allocator) checkNode(job *model.Job, r rules, node model.Node) (candidate, bool) {
	req := job.Spec.Requirement

	// 1. 同步等级
	if !a.tracker.Meets(node.ID, req.Tier) {
		a.log.Debug("node filtered: sync tier",
			zap.String("node", node.ID), zap.Stringer("have", a.tracker.TierOf(node.ID)), zap.Stringer("need", req.Tier))
		return candidate{}, false
	}

	// 2. 任务类型的节点级条件
	if !r.node(req, &node) {
		a.log.Debug("node filtered: job type constraint", zap.String("node", node.ID), zap.String("type", string(job.Spec.Type)))
		return candidate{}, false
	}

	// 3. 地理分散要求需要坐标
	if req.Spread != nil && node.Position == nil {
		a.log.Debug("node filtered: no position for spread constraint", zap.String("node", node.ID))
		return candidate{}, false
	}

	// 4. 设备: 频段、带宽、空闲
	c := candidate{node: node}
	for i := range node.Devices {
		d := &c.node.Devices[i]
		if !r.device(req, d) {
			continue
		}
		if c.rx == nil || d.ID < c.rx.ID {
			c.rx = d
		}
		if d.CanTransmit && (c.tx == nil || d.ID < c.tx.ID) {
			c.tx = d
		}
	}
	if c.rx == nil {
		a.log.Debug("node filtered: no matching free device", zap.String("node", node.ID))
		return candidate{}, false
	}
	return c, true
}
