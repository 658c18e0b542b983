package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"rfgrid/internal/worker"
	"rfgrid/internal/worker/executor"
	"rfgrid/pkg/config"
	"rfgrid/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		nodeID     string
		masterURL  string
	)
	cmd := &cobra.Command{
		Use:           "rfgrid-worker",
		Short:         "Sensor node agent: registers devices and runs measurement directives",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, nodeID, masterURL)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	cmd.Flags().StringVar(&nodeID, "node-id", "", "override agent.node.id (defaults to the hostname)")
	cmd.Flags().StringVar(&masterURL, "master", "", "override agent.masterUrl")
	return cmd
}

func run(configPath, nodeID, masterURL string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if nodeID != "" {
		cfg.Agent.Node.ID = nodeID
	}
	if cfg.Agent.Node.ID == "" {
		// 默认用主机名作为稳定标识
		if host, err := os.Hostname(); err == nil {
			cfg.Agent.Node.ID = host
		}
	}
	if masterURL != "" {
		cfg.Agent.MasterURL = masterURL
	}
	if err := cfg.ValidateAgent(); err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	exec, err := executor.NewDockerExecutor(executor.Options{
		Images:      cfg.Agent.Images,
		DevicePaths: cfg.Agent.DevicePaths,
		APIVersion:  cfg.Agent.DockerAPIVersion,
	}, log)
	if err != nil {
		return fmt.Errorf("init docker executor: %w", err)
	}
	defer func() { _ = exec.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return worker.NewAgent(cfg.Agent, exec, log).Run(ctx)
}
