// Package master 把协调器的各个组件按配置装配起来
package master

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rfgrid/internal/master/allocator"
	"rfgrid/internal/master/api"
	"rfgrid/internal/master/dispatch"
	"rfgrid/internal/master/heartbeat"
	"rfgrid/internal/master/registry"
	"rfgrid/internal/master/scheduler"
	"rfgrid/internal/master/synctrack"
	"rfgrid/pkg/config"
	"rfgrid/pkg/logger"
	"rfgrid/pkg/model"
	"rfgrid/pkg/store"
)

// Coordinator 进程内只有一份注册表、一个调度器，所有组件通过构造函数显式传递
type Coordinator struct {
	cfg *config.Config

	store    store.Store
	writer   *store.Writer
	tracker  *synctrack.Tracker
	Registry *registry.Registry
	hub      *dispatch.Hub
	Sched    *scheduler.Scheduler
	detector *heartbeat.Detector
	handler  http.Handler

	log *zap.Logger
}

// NewCoordinator 装配组件并从 st 恢复上次的节点和任务
func NewCoordinator(ctx context.Context, cfg *config.Config, st store.Store, log *zap.Logger) (*Coordinator, error) {
	log = logger.OrNop(log)
	c := &Coordinator{cfg: cfg, store: st, log: log}

	// Step 1: 持久化写入队列
	c.writer = store.NewWriter(st, cfg.Etcd.DialTimeout, log)

	// Step 2: 同步质量 + 注册表
	c.tracker = synctrack.New(synctrack.Config{
		StaleAfter:    cfg.Sync.StaleAfter,
		Window:        cfg.Sync.Window,
		FlapThreshold: cfg.Sync.FlapThreshold,
	}, log)
	c.Registry = registry.New(c.tracker, registry.Config{
		SuspectAfter: cfg.Liveness.SuspectAfter,
		OfflineAfter: cfg.Liveness.OfflineAfter,
	}, log)

	// Step 3: 分配、下发、调度
	c.hub = dispatch.NewHub(log)
	c.Sched = scheduler.NewScheduler(allocator.New(c.Registry, c.tracker, log), c.hub, c.writer, scheduler.Config{
		DispatchInterval:   cfg.Scheduler.DispatchInterval,
		DispatchTimeout:    cfg.Scheduler.DispatchTimeout,
		DispatchRetries:    cfg.Scheduler.DispatchRetries,
		ReassignAttempts:   cfg.Scheduler.ReassignAttempts,
		ReassignBackoff:    cfg.Scheduler.ReassignBackoff,
		ReassignBackoffMax: cfg.Scheduler.ReassignBackoffMax,
	}, log)

	// Step 4: 重启恢复，必须在订阅事件之前
	if err := c.restore(ctx); err != nil {
		c.writer.Close()
		return nil, err
	}
	c.Registry.Subscribe(c.Sched.OnRegistryEvent)
	c.Registry.Subscribe(registry.PersistTo(c.writer))

	c.detector = heartbeat.NewDetector(c.Registry, cfg.Liveness.SweepInterval, log)
	c.handler = api.NewServer(api.Deps{
		Jobs:      c.Sched,
		Nodes:     c.Registry,
		Sync:      c.tracker,
		Agents:    c.hub,
		Logs:      c.writer,
		LogReader: st,
	}, log)
	return c, nil
}

func (c *Coordinator) restore(ctx context.Context) error {
	nodes, err := c.store.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("load nodes: %w", err)
	}
	snap := make([]model.Node, 0, len(nodes))
	for _, n := range nodes {
		snap = append(snap, *n)
	}
	c.Registry.Restore(snap)

	jobs, err := c.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	c.Sched.Restore(jobs)
	return nil
}

// Handler REST 路由，测试里直接挂到 httptest
func (c *Coordinator) Handler() http.Handler {
	return c.handler
}

// Run 在 ln 上提供服务，ctx 结束后优雅退出并把未写完的状态落盘
func (c *Coordinator) Run(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           c.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.Sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		c.detector.Run(gctx)
		return nil
	})
	g.Go(func() error {
		c.log.Info("coordinator listening", zap.String("address", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.ShutdownTimeout)
		defer cancel()
		c.hub.Close()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	c.writer.Close()
	c.log.Info("coordinator stopped")
	return err
}
