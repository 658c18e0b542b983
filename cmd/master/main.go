package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rfgrid/internal/master"
	"rfgrid/pkg/config"
	"rfgrid/pkg/logger"
	"rfgrid/pkg/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "rfgrid-master",
		Short:         "RF sensing grid coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	return cmd
}

func run(configPath string) error {
	// 1. 配置与日志
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 存储: 配置了 etcd 就用 etcd，否则单进程内存模式 (重启丢状态)
	var st store.Store
	if len(cfg.Etcd.Endpoints) > 0 {
		em, err := store.NewEtcdManager(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, cfg.Etcd.Prefix, log)
		if err != nil {
			return fmt.Errorf("connect etcd: %w", err)
		}
		st = em
		log.Info("connected to etcd", zap.Strings("endpoints", cfg.Etcd.Endpoints))
	} else {
		st = store.NewMemoryStore()
		log.Warn("no etcd endpoints configured, state will not survive a restart")
	}
	defer func() { _ = st.Close() }()

	// 3. 装配并恢复
	coord, err := master.NewCoordinator(ctx, cfg, st, log)
	if err != nil {
		return err
	}

	// 4. 服务直到收到信号
	ln, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Address, err)
	}
	return coord.Run(ctx, ln)
}
