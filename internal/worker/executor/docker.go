package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"rfgrid/pkg/logger"
	"rfgrid/pkg/model"
	"rfgrid/pkg/protocol"
)

// Result 一次测量的输出: stdout 是结果，stdout+stderr 是原始日志
type Result struct {
	Payload json.RawMessage
	Logs    string
}

// Options 镜像按任务类型选择；DevicePaths 把设备 ID 映射到宿主机上的设备文件
type Options struct {
	Images      map[model.JobType]string
	DevicePaths map[string]string
	APIVersion  string
}

type DockerExecutor struct {
	cli  *client.Client
	opts Options
	log  *zap.Logger
}

// NewDockerExecutor 从环境变量或默认 socket 连接本地 Docker
func NewDockerExecutor(opts Options, log *zap.Logger) (*DockerExecutor, error) {
	version := opts.APIVersion
	if version == "" {
		version = "1.44"
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithVersion(version))
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerExecutor{cli: cli, opts: opts, log: logger.OrNop(log).Named("docker")}, nil
}

// Supports 本节点是否配置了该任务类型的镜像
func (e *DockerExecutor) Supports(t model.JobType) bool {
	return e.opts.Images[t] != ""
}

// Run 为一条指令启动测量容器并等待其退出。ctx 取消 (abort) 时强制删除容器
func (e *DockerExecutor) Run(ctx context.Context, d protocol.Directive) (Result, error) {
	image := e.opts.Images[d.Type]
	if image == "" {
		return Result{}, fmt.Errorf("no image configured for job type %s", d.Type)
	}
	log := e.log.With(zap.String("job", d.JobID), zap.String("image", image))

	// Step 1: 创建容器，本地没有镜像时先拉取
	cfg := &container.Config{
		Image:  image,
		Env:    Env(d),
		Tty:    false,
		Labels: map[string]string{"rfgrid.job": d.JobID, "rfgrid.device": d.DeviceID},
	}
	hostCfg := &container.HostConfig{}
	if path := e.opts.DevicePaths[d.DeviceID]; path != "" {
		hostCfg.Resources.Devices = []container.DeviceMapping{{
			PathOnHost:        path,
			PathInContainer:   path,
			CgroupPermissions: "rwm",
		}}
	}
	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if client.IsErrNotFound(err) {
		if err = e.pull(ctx, image); err == nil {
			resp, err = e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
		}
	}
	if err != nil {
		return Result{}, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID
	log = log.With(zap.String("container", shortID(containerID)))
	defer e.remove(containerID, log)

	// Step 2: 启动
	if err := e.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return Result{}, fmt.Errorf("start container: %w", err)
	}
	log.Info("measurement container started")

	// Step 3: 等待退出
	var exitCode int64
	statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return Result{}, fmt.Errorf("wait container: %w", err)
		}
	case st := <-statusCh:
		exitCode = st.StatusCode
		if st.Error != nil && st.Error.Message != "" {
			return Result{}, fmt.Errorf("wait container: %s", st.Error.Message)
		}
	}

	// Step 4: 收集输出，stdout 单独一份作为结果
	out, err := e.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return Result{}, fmt.Errorf("container logs: %w", err)
	}
	defer out.Close()
	var stdout, combined bytes.Buffer
	if _, err := stdcopy.StdCopy(io.MultiWriter(&stdout, &combined), &combined, out); err != nil {
		return Result{}, fmt.Errorf("demux logs: %w", err)
	}

	res := Result{Payload: Payload(stdout.Bytes()), Logs: combined.String()}
	if exitCode != 0 {
		return res, fmt.Errorf("measurement exited with code %d", exitCode)
	}
	log.Info("measurement container finished", zap.Int("output_bytes", combined.Len()))
	return res, nil
}

func (e *DockerExecutor) pull(ctx context.Context, image string) error {
	e.log.Info("pulling image", zap.String("image", image))
	rc, err := e.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", image, err)
	}
	defer rc.Close()
	// 拉取进度读完才算结束
	_, err = io.Copy(io.Discard, rc)
	return err
}

// remove 用独立的 ctx，abort 之后也要能清理
func (e *DockerExecutor) remove(containerID string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		log.Warn("container remove failed", zap.Error(err))
	}
}

func (e *DockerExecutor) Close() error {
	return e.cli.Close()
}

// Env 把指令编码成容器环境变量，Params 按 key 排序以保证输出稳定
func Env(d protocol.Directive) []string {
	env := []string{
		"RFGRID_JOB_ID=" + d.JobID,
		"RFGRID_JOB_TYPE=" + string(d.Type),
		"RFGRID_NODE_ID=" + d.NodeID,
		"RFGRID_DEVICE_ID=" + d.DeviceID,
		"RFGRID_ROLE=" + string(d.Role),
		"RFGRID_FREQ_LOW_HZ=" + strconv.FormatInt(d.Frequency.LowHz, 10),
		"RFGRID_FREQ_HIGH_HZ=" + strconv.FormatInt(d.Frequency.HighHz, 10),
		"RFGRID_BANDWIDTH_HZ=" + strconv.FormatInt(d.BandwidthHz, 10),
		"RFGRID_PEERS=" + strings.Join(d.Peers, ","),
	}
	keys := make([]string, 0, len(d.Params))
	for k := range d.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, "RFGRID_PARAM_"+strings.ToUpper(k)+"="+d.Params[k])
	}
	return env
}

// Payload stdout 是 JSON 时原样作为结果，否则包成 {"output": "..."}；空输出没有结果
func Payload(stdout []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(append([]byte(nil), trimmed...))
	}
	raw, _ := json.Marshal(map[string]string{"output": string(trimmed)})
	return raw
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
