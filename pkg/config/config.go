package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	rferrors "rfgrid/pkg/errors"
	"rfgrid/pkg/logger"
	"rfgrid/pkg/model"
)

// Config 协调器与节点 Agent 共用一份配置文件，各取所需
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Etcd      EtcdConfig      `yaml:"etcd" json:"etcd"`
	Liveness  LivenessConfig  `yaml:"liveness" json:"liveness"`
	Sync      SyncConfig      `yaml:"sync" json:"sync"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Logging   logger.Config   `yaml:"logging" json:"logging"`
	Agent     AgentConfig     `yaml:"agent" json:"agent"`
}

type ServerConfig struct {
	Address         string        `yaml:"address" json:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
}

// EtcdConfig Endpoints 为空时使用内存存储 (单进程模式)
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints" json:"endpoints"`
	DialTimeout time.Duration `yaml:"dialTimeout" json:"dialTimeout"`
	Prefix      string        `yaml:"prefix" json:"prefix"`
}

// LivenessConfig T_suspect / T_offline 都从最后一次心跳算起
type LivenessConfig struct {
	SuspectAfter  time.Duration `yaml:"suspectAfter" json:"suspectAfter"`
	OfflineAfter  time.Duration `yaml:"offlineAfter" json:"offlineAfter"`
	SweepInterval time.Duration `yaml:"sweepInterval" json:"sweepInterval"`
}

type SyncConfig struct {
	StaleAfter    time.Duration `yaml:"staleAfter" json:"staleAfter"`
	Window        int           `yaml:"window" json:"window"`
	FlapThreshold int           `yaml:"flapThreshold" json:"flapThreshold"`
}

type SchedulerConfig struct {
	DispatchInterval   time.Duration `yaml:"dispatchInterval" json:"dispatchInterval"`
	DispatchTimeout    time.Duration `yaml:"dispatchTimeout" json:"dispatchTimeout"`
	DispatchRetries    int           `yaml:"dispatchRetries" json:"dispatchRetries"`
	ReassignAttempts   int           `yaml:"reassignAttempts" json:"reassignAttempts"`
	ReassignBackoff    time.Duration `yaml:"reassignBackoff" json:"reassignBackoff"`
	ReassignBackoffMax time.Duration `yaml:"reassignBackoffMax" json:"reassignBackoffMax"`
}

// AgentConfig 节点侧配置，设备能力由部署方静态声明
type AgentConfig struct {
	MasterURL         string                   `yaml:"masterUrl" json:"masterUrl"`
	HeartbeatInterval time.Duration            `yaml:"heartbeatInterval" json:"heartbeatInterval"`
	Node              model.NodeDescriptor     `yaml:"node" json:"node"`
	SyncSource        model.RefSource          `yaml:"syncSource" json:"syncSource"`
	PhaseCoherent     bool                     `yaml:"phaseCoherent" json:"phaseCoherent"`
	Images            map[model.JobType]string `yaml:"images" json:"images"`
	DevicePaths       map[string]string        `yaml:"devicePaths" json:"devicePaths"` // 设备 ID -> /dev 路径，映射进测量容器
	DockerAPIVersion  string                   `yaml:"dockerApiVersion" json:"dockerApiVersion"`
}

// Default 所有字段的默认值
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Etcd: EtcdConfig{
			DialTimeout: 5 * time.Second,
			Prefix:      "/rfgrid/",
		},
		Liveness: LivenessConfig{
			SuspectAfter:  10 * time.Second,
			OfflineAfter:  30 * time.Second,
			SweepInterval: 2 * time.Second,
		},
		Sync: SyncConfig{
			StaleAfter:    30 * time.Second,
			Window:        8,
			FlapThreshold: 4,
		},
		Scheduler: SchedulerConfig{
			DispatchInterval:   5 * time.Second,
			DispatchTimeout:    5 * time.Second,
			DispatchRetries:    3,
			ReassignAttempts:   3,
			ReassignBackoff:    2 * time.Second,
			ReassignBackoffMax: 30 * time.Second,
		},
		Logging: logger.Config{Level: "info", Format: "json"},
		Agent: AgentConfig{
			MasterURL:         "http://localhost:8080",
			HeartbeatInterval: 3 * time.Second,
			SyncSource:        model.RefNTP,
			Images: map[model.JobType]string{
				model.JobSpectrumScan:     "rfgrid/spectrum-scan:latest",
				model.JobDirectionFinding: "rfgrid/direction-finding:latest",
				model.JobPropagationTest:  "rfgrid/propagation-test:latest",
			},
			DockerAPIVersion: "1.44",
		},
	}
}

// Load 读取配置: 默认值 -> yaml 文件 -> .env / 环境变量，最后校验
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

func applyEnv(cfg *Config) {
	if val := os.Getenv("RFGRID_SERVER_ADDRESS"); val != "" {
		cfg.Server.Address = val
	}
	if val := os.Getenv("RFGRID_ETCD_ENDPOINTS"); val != "" {
		cfg.Etcd.Endpoints = strings.Split(val, ",")
	}
	if val := os.Getenv("RFGRID_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("RFGRID_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
	if val := os.Getenv("RFGRID_MASTER_URL"); val != "" {
		cfg.Agent.MasterURL = val
	}
	if val := os.Getenv("RFGRID_NODE_ID"); val != "" {
		cfg.Agent.Node.ID = val
	}
}

func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return rferrors.InvalidConfig("server", "address", "must not be empty")
	}
	if c.Liveness.SuspectAfter <= 0 {
		return rferrors.InvalidConfig("liveness", "suspectAfter", "must be positive, got %s", c.Liveness.SuspectAfter)
	}
	if c.Liveness.OfflineAfter <= c.Liveness.SuspectAfter {
		return rferrors.InvalidConfig("liveness", "offlineAfter", "must be greater than suspectAfter (%s <= %s)",
			c.Liveness.OfflineAfter, c.Liveness.SuspectAfter)
	}
	if c.Liveness.SweepInterval <= 0 {
		return rferrors.InvalidConfig("liveness", "sweepInterval", "must be positive")
	}
	if c.Sync.StaleAfter <= 0 {
		return rferrors.InvalidConfig("sync", "staleAfter", "must be positive")
	}
	if c.Sync.Window < 2 {
		return rferrors.InvalidConfig("sync", "window", "must be at least 2, got %d", c.Sync.Window)
	}
	if c.Sync.FlapThreshold < 1 {
		return rferrors.InvalidConfig("sync", "flapThreshold", "must be at least 1")
	}
	if c.Scheduler.DispatchInterval <= 0 || c.Scheduler.DispatchTimeout <= 0 {
		return rferrors.InvalidConfig("scheduler", "dispatchInterval", "dispatch interval and timeout must be positive")
	}
	if c.Scheduler.DispatchRetries < 0 {
		return rferrors.InvalidConfig("scheduler", "dispatchRetries", "must not be negative")
	}
	if c.Scheduler.ReassignAttempts < 1 {
		return rferrors.InvalidConfig("scheduler", "reassignAttempts", "must be at least 1")
	}
	if c.Scheduler.ReassignBackoff <= 0 {
		return rferrors.InvalidConfig("scheduler", "reassignBackoff", "must be positive")
	}
	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		return rferrors.InvalidConfig("logging", "level", "%v", err)
	}
	return nil
}

// ValidateAgent 只有 worker 进程需要
func (c *Config) ValidateAgent() error {
	if c.Agent.MasterURL == "" {
		return rferrors.InvalidConfig("agent", "masterUrl", "must not be empty")
	}
	if c.Agent.Node.ID == "" {
		return rferrors.InvalidConfig("agent", "node.id", "must not be empty")
	}
	if len(c.Agent.Node.Devices) == 0 {
		return rferrors.InvalidConfig("agent", "node.devices", "at least one device is required")
	}
	if c.Agent.HeartbeatInterval <= 0 {
		return rferrors.InvalidConfig("agent", "heartbeatInterval", "must be positive")
	}
	if !c.Agent.SyncSource.Valid() {
		return rferrors.InvalidConfig("agent", "syncSource", "unknown source %q", c.Agent.SyncSource)
	}
	return nil
}
