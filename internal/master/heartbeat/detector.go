package heartbeat

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rfgrid/internal/master/registry"
	"rfgrid/pkg/logger"
)

// Sweeper 推进节点存活状态机，由 registry.Registry 实现
type Sweeper interface {
	Sweep() []registry.Event
}

// Detector 定时扫描注册表，把长时间没有心跳的节点标记为 suspect/offline。
// 状态变化通过注册表的监听器通知调度器，这里不直接调用调度器
type Detector struct {
	reg      Sweeper
	interval time.Duration
	log      *zap.Logger
}

func NewDetector(reg Sweeper, interval time.Duration, log *zap.Logger) *Detector {
	return &Detector{
		reg:      reg,
		interval: interval,
		log:      logger.OrNop(log).Named("heartbeat"),
	}
}

// Run 启动扫描循环，直到 ctx 结束
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	d.log.Info("failure detector started", zap.Duration("interval", d.interval))

	for {
		select {
		case <-ticker.C:
			d.Tick()
		case <-ctx.Done():
			d.log.Info("failure detector stopped")
			return
		}
	}
}

// Tick 执行一次扫描，返回这次产生的状态变化
func (d *Detector) Tick() []registry.Event {
	events := d.reg.Sweep()
	for _, ev := range events {
		if len(ev.Lost) > 0 {
			d.log.Warn("node lost with active reservations",
				zap.String("node", ev.NodeID), zap.Stringer("event", ev.Type), zap.Int("reservations", len(ev.Lost)))
		}
	}
	return events
}
