package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rfgrid/internal/worker/executor"
	"rfgrid/pkg/client"
	"rfgrid/pkg/config"
	"rfgrid/pkg/logger"
	"rfgrid/pkg/model"
	"rfgrid/pkg/protocol"
)

// Executor 执行一条指令对应的本地测量
type Executor interface {
	Supports(t model.JobType) bool
	Run(ctx context.Context, d protocol.Directive) (executor.Result, error)
}

// SyncProbe 采集当前的同步状态，随心跳上报
type SyncProbe func() model.SyncReport

// StaticSync 按部署时声明的参考源生成上报
func StaticSync(cfg config.AgentConfig) SyncProbe {
	return func() model.SyncReport {
		rep := model.SyncReport{
			Timestamp:     time.Now(),
			Source:        cfg.SyncSource,
			PhaseCoherent: cfg.PhaseCoherent,
		}
		switch cfg.SyncSource {
		case model.RefGPS:
			rep.PPSStable = true
			rep.FreqLocked = true
		case model.RefNTP, model.RefPTP:
			rep.Synced = true
		}
		return rep
	}
}

// Agent 节点侧进程: 注册、心跳、接收指令并执行测量、上报进度
type Agent struct {
	cfg   config.AgentConfig
	api   *client.Client
	exec  Executor
	probe SyncProbe

	mu      sync.Mutex
	running map[string]context.CancelFunc // job ID -> 取消本地测量
	jobs    sync.WaitGroup

	connMu sync.Mutex
	conn   *websocket.Conn

	log *zap.Logger
}

func NewAgent(cfg config.AgentConfig, exec Executor, log *zap.Logger) *Agent {
	return &Agent{
		cfg:     cfg,
		api:     client.New(cfg.MasterURL, 10*time.Second),
		exec:    exec,
		probe:   StaticSync(cfg),
		running: make(map[string]context.CancelFunc),
		log:     logger.OrNop(log).Named("agent").With(zap.String("node", cfg.Node.ID)),
	}
}

// SetSyncProbe 替换同步状态来源 (例如读取 GPSD / PTP 守护进程)
func (a *Agent) SetSyncProbe(p SyncProbe) {
	a.probe = p
}

// Run 阻塞到 ctx 结束，返回前等待本地测量退出
func (a *Agent) Run(ctx context.Context) error {
	// Step 1: 注册，失败按心跳间隔重试
	if err := a.registerUntilDone(ctx); err != nil {
		return err
	}

	// Step 2: 心跳
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(ctx)
	}()

	// Step 3: 指令通道，断线重连
	a.channelLoop(ctx)

	wg.Wait()
	a.jobs.Wait()
	a.log.Info("agent stopped")
	return nil
}

func (a *Agent) registerUntilDone(ctx context.Context) error {
	for {
		id, err := a.api.Register(ctx, a.cfg.Node)
		if err == nil {
			a.log.Info("registered with coordinator", zap.String("node_id", id), zap.Int("devices", len(a.cfg.Node.Devices)))
			return nil
		}
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Status < 500 {
			// 描述本身有问题，重试没有意义
			return fmt.Errorf("registration rejected: %w", err)
		}
		a.log.Warn("registration failed, retrying", zap.Error(err))
		if !sleep(ctx, a.retryInterval()) {
			return ctx.Err()
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.heartbeat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) {
	err := a.api.Heartbeat(ctx, a.cfg.Node.ID, a.probe())
	switch {
	case err == nil:
	case client.IsNotFound(err):
		// 协调器不认识这个节点了 (注销或状态丢失)，重新注册
		a.log.Warn("coordinator lost this node, re-registering")
		if _, err := a.api.Register(ctx, a.cfg.Node); err != nil {
			a.log.Warn("re-registration failed", zap.Error(err))
		}
	case ctx.Err() == nil:
		a.log.Warn("heartbeat failed", zap.Error(err))
	}
}

func (a *Agent) retryInterval() time.Duration {
	if a.cfg.HeartbeatInterval > 0 {
		return a.cfg.HeartbeatInterval
	}
	return 3 * time.Second
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
