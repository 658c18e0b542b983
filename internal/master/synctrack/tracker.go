package synctrack

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"rfgrid/pkg/logger"
	"rfgrid/pkg/model"
)

// 各参考源声明的时间不确定度，上报里没带实测值时使用
const (
	uncertaintyGPS = 100 * time.Nanosecond
	uncertaintyPTP = time.Microsecond
	uncertaintyNTP = 10 * time.Millisecond
)

type Config struct {
	StaleAfter    time.Duration // 超过这个年龄的上报降一级
	Window        int           // 滚动窗口长度
	FlapThreshold int           // 窗口内 tier 变化次数达到阈值视为抖动，再降一级
}

type observation struct {
	report model.SyncReport
	raw    model.Tier
}

type history struct {
	window []observation // 最新的在末尾
}

func (h *history) latest() (observation, bool) {
	if len(h.window) == 0 {
		return observation{}, false
	}
	return h.window[len(h.window)-1], true
}

// flips 窗口内 raw tier 的变化次数
func (h *history) flips() int {
	n := 0
	for i := 1; i < len(h.window); i++ {
		if h.window[i].raw != h.window[i-1].raw {
			n++
		}
	}
	return n
}

// Tracker 维护每个节点的同步质量，只保留最新上报和一个短窗口
type Tracker struct {
	mu    sync.RWMutex
	nodes map[string]*history
	cfg   Config
	now   func() time.Time
	log   *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Tracker {
	if cfg.Window < 2 {
		cfg.Window = 2
	}
	if cfg.FlapThreshold < 1 {
		cfg.FlapThreshold = 1
	}
	return &Tracker{
		nodes: make(map[string]*history),
		cfg:   cfg,
		now:   time.Now,
		log:   logger.OrNop(log).Named("synctrack"),
	}
}

// SetClock 测试用
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Observe 记录一次上报，返回新的 tier
func (t *Tracker) Observe(nodeID string, rep model.SyncReport) model.Tier {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.nodes[nodeID]
	if !ok {
		h = &history{}
		t.nodes[nodeID] = h
	}
	h.window = append(h.window, observation{report: rep, raw: rawTier(rep)})
	if len(h.window) > t.cfg.Window {
		h.window = h.window[len(h.window)-t.cfg.Window:]
	}

	tier := t.tierLocked(h)
	if h.flips() >= t.cfg.FlapThreshold {
		t.log.Warn("sync quality flapping", zap.String("node", nodeID), zap.Int("flips", h.flips()))
	}
	return tier
}

// Forget 节点注销时清理
func (t *Tracker) Forget(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, nodeID)
}

// TierOf 没有上报过的节点为 none
func (t *Tracker) TierOf(nodeID string) model.Tier {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.nodes[nodeID]
	if !ok {
		return model.TierNone
	}
	return t.tierLocked(h)
}

func (t *Tracker) Meets(nodeID string, required model.Tier) bool {
	return t.TierOf(nodeID).AtLeast(required)
}

// Flapping 窗口内 tier 反复跳变
func (t *Tracker) Flapping(nodeID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.nodes[nodeID]
	return ok && h.flips() >= t.cfg.FlapThreshold
}

// Uncertainty 当前声明的时间不确定度；tier 低于 time 时返回 0 (无意义)
func (t *Tracker) Uncertainty(nodeID string) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.nodes[nodeID]
	if !ok {
		return 0
	}
	obs, _ := h.latest()
	if !t.tierLocked(h).AtLeast(model.TierTime) {
		return 0
	}
	if obs.report.Quality > 0 {
		return time.Duration(obs.report.Quality * float64(time.Second))
	}
	switch obs.report.Source {
	case model.RefGPS:
		return uncertaintyGPS
	case model.RefPTP:
		return uncertaintyPTP
	default:
		return uncertaintyNTP
	}
}

// tierLocked 最新上报的 raw tier，过期降一级，抖动再降一级
func (t *Tracker) tierLocked(h *history) model.Tier {
	obs, ok := h.latest()
	if !ok {
		return model.TierNone
	}
	tier := obs.raw
	if t.now().Sub(obs.report.Timestamp) > t.cfg.StaleAfter {
		tier = tier.Degrade()
	}
	if h.flips() >= t.cfg.FlapThreshold {
		tier = tier.Degrade()
	}
	return tier
}

// rawTier 固定优先级: 相位相干 > GPS+稳定秒脉冲 > NTP/PTP 已同步 > 频率锁定 > none
func rawTier(rep model.SyncReport) model.Tier {
	switch {
	case rep.PhaseCoherent:
		return model.TierPhase
	case rep.Source == model.RefGPS && rep.PPSStable:
		return model.TierTime
	case (rep.Source == model.RefNTP || rep.Source == model.RefPTP) && rep.Synced:
		return model.TierTime
	case rep.Source == model.RefGPS || rep.FreqLocked:
		return model.TierFrequency
	default:
		return model.TierNone
	}
}
