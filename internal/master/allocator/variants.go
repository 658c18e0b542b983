package allocator

import (
	rferrors "rfgrid/pkg/errors"
	"rfgrid/pkg/model"
)

// rules 每种任务类型的候选过滤规则，都是纯函数
type rules struct {
	// node 节点级条件 (除存活和同步等级外)
	node func(req model.Requirement, n *model.Node) bool
	// device 设备级条件
	device func(req model.Requirement, d *model.Device) bool
	// primaryTx 主节点必须使用可发射设备
	primaryTx bool
}

// rulesFor 对 JobType 做穷举，新增类型时编译器之外这里也必须补上
func rulesFor(t model.JobType) (rules, bool) {
	switch t {
	case model.JobSpectrumScan:
		return rules{node: anyNode, device: receives}, true
	case model.JobDirectionFinding:
		return rules{node: hasPosition, device: receives}, true
	case model.JobPropagationTest:
		return rules{node: anyNode, device: receives, primaryTx: true}, true
	}
	return rules{}, false
}

func anyNode(model.Requirement, *model.Node) bool { return true }

// hasPosition 测向需要已知站点坐标
func hasPosition(_ model.Requirement, n *model.Node) bool { return n.Position != nil }

// receives 设备空闲、频段覆盖、带宽满足
func receives(req model.Requirement, d *model.Device) bool {
	if !d.Free() || !d.Covers(req.Frequency) {
		return false
	}
	return req.BandwidthHz == 0 || d.MaxBandwidthHz >= req.BandwidthHz
}

// ValidateSpec 提交时的同步校验，不合法直接拒绝
func ValidateSpec(spec model.JobSpec) error {
	if !spec.Type.Valid() {
		return rferrors.InvalidSpec("unknown job type %q", spec.Type)
	}
	req := spec.Requirement
	if !req.Frequency.Valid() {
		return rferrors.InvalidSpec("invalid frequency range %s", req.Frequency)
	}
	if req.MinNodes < 1 {
		return rferrors.InvalidSpec("min_nodes must be at least 1, got %d", req.MinNodes)
	}
	if req.BandwidthHz < 0 {
		return rferrors.InvalidSpec("bandwidth must not be negative")
	}
	if req.Tier < model.TierNone || req.Tier > model.TierPhase {
		return rferrors.InvalidSpec("invalid sync tier %d", int(req.Tier))
	}
	if req.Spread != nil && req.Spread.MinDistanceKm < 0 {
		return rferrors.InvalidSpec("spread min distance must not be negative")
	}

	switch spec.Type {
	case model.JobDirectionFinding:
		if req.MinNodes < 2 {
			return rferrors.InvalidSpec("direction-finding needs at least 2 nodes")
		}
	case model.JobPropagationTest:
		if req.MinNodes < 2 {
			return rferrors.InvalidSpec("propagation-test needs a transmitter and at least one receiver")
		}
	case model.JobSpectrumScan:
	}
	return nil
}
