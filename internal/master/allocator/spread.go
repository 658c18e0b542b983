package allocator

import (
	"math"

	"rfgrid/pkg/model"
)

type pick struct {
	c      candidate
	device *model.Device
	role   model.AllocationRole
}

// selectNodes 贪心选择 needed 个候选节点。
// 有分散要求时每一步选离已选节点 (含 anchors) 最近距离最大的候选；
// 同分取节点 ID 小的，保证结果确定。没有分散要求时退化为按 ID 顺序取
func selectNodes(cands []candidate, needed int, spread *model.SpreadConstraint, anchors []model.Position, needPrimary, primaryTx bool) []pick {
	picks := make([]pick, 0, needed)
	used := make([]bool, len(cands))
	placed := append([]model.Position(nil), anchors...)

	for len(picks) < needed {
		wantPrimary := needPrimary && len(picks) == 0

		best, bestScore := -1, -1.0
		for i, c := range cands {
			if used[i] {
				continue
			}
			if wantPrimary && primaryTx && c.tx == nil {
				continue
			}
			score := 0.0
			if spread != nil && len(placed) > 0 {
				score = minDistance(*c.node.Position, placed)
				if score < spread.MinDistanceKm {
					continue
				}
			}
			// 严格大于才替换: 候选已按 ID 升序，同分保留 ID 小的
			if score > bestScore {
				best, bestScore = i, score
			}
		}
		if best < 0 {
			break
		}

		used[best] = true
		c := cands[best]
		p := pick{c: c, device: c.rx, role: model.RoleSecondary}
		if wantPrimary {
			p.role = model.RolePrimary
			if primaryTx {
				p.device = c.tx
			}
		}
		picks = append(picks, p)
		if c.node.Position != nil {
			placed = append(placed, *c.node.Position)
		}
	}
	return picks
}

func minDistance(p model.Position, others []model.Position) float64 {
	m := math.Inf(1)
	for _, o := range others {
		if d := distanceKm(p, o); d < m {
			m = d
		}
	}
	return m
}
