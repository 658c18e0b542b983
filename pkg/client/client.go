// Package client 协调器 REST 接口的 Go 客户端，节点 agent 和 rfgrid-cli 共用
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rfgrid/pkg/model"
	"rfgrid/pkg/protocol"
)

// APIError 协调器返回的非 2xx 响应
type APIError struct {
	Status int
	protocol.ErrorResponse
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coordinator returned %d %s: %s", e.Status, e.Code, e.Message)
}

// IsNotFound 是否是 404
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

type Client struct {
	base string
	http *http.Client
}

// New base 形如 http://coordinator:8080
func New(base string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// --- 节点侧 ---

func (c *Client) Register(ctx context.Context, desc model.NodeDescriptor) (string, error) {
	var resp protocol.RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/nodes", desc, &resp); err != nil {
		return "", err
	}
	return resp.NodeID, nil
}

func (c *Client) Heartbeat(ctx context.Context, nodeID string, rep model.SyncReport) error {
	return c.do(ctx, http.MethodPost, nodePath(nodeID)+"/heartbeat", protocol.HeartbeatRequest{Sync: rep}, nil)
}

func (c *Client) Report(ctx context.Context, jobID string, rep protocol.ProgressReport) error {
	return c.do(ctx, http.MethodPost, jobPath(jobID)+"/reports", rep, nil)
}

func (c *Client) SetDeviceFault(ctx context.Context, nodeID, deviceID string, faulted bool) error {
	return c.do(ctx, http.MethodPut, nodePath(nodeID)+"/devices/"+url.PathEscape(deviceID)+"/fault",
		protocol.FaultRequest{Faulted: faulted}, nil)
}

// ChannelURL 指令通道地址: http(s) -> ws(s)
func (c *Client) ChannelURL(nodeID string) (string, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return "", fmt.Errorf("parse master url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + nodePath(nodeID) + "/ws"
	return u.String(), nil
}

// --- 运维侧 ---

func (c *Client) SubmitJob(ctx context.Context, spec model.JobSpec) (string, error) {
	var resp protocol.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", spec, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	if err := c.do(ctx, http.MethodGet, jobPath(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) ListJobs(ctx context.Context, states ...model.JobState) ([]model.Job, error) {
	path := "/api/v1/jobs"
	if len(states) > 0 {
		parts := make([]string, len(states))
		for i, s := range states {
			parts[i] = string(s)
		}
		path += "?state=" + url.QueryEscape(strings.Join(parts, ","))
	}
	var jobs []model.Job
	if err := c.do(ctx, http.MethodGet, path, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (c *Client) CancelJob(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	if err := c.do(ctx, http.MethodDelete, jobPath(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) JobLog(ctx context.Context, jobID, nodeID string) (string, error) {
	var sb strings.Builder
	if err := c.do(ctx, http.MethodGet, jobPath(jobID)+"/logs/"+url.PathEscape(nodeID), nil, &sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (c *Client) ListNodes(ctx context.Context) ([]protocol.NodeView, error) {
	var nodes []protocol.NodeView
	if err := c.do(ctx, http.MethodGet, "/api/v1/nodes", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (c *Client) GetNode(ctx context.Context, id string) (*protocol.NodeView, error) {
	var n protocol.NodeView
	if err := c.do(ctx, http.MethodGet, nodePath(id), nil, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (c *Client) Deregister(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, nodePath(id), nil, nil)
}

func nodePath(id string) string { return "/api/v1/nodes/" + url.PathEscape(id) }
func jobPath(id string) string  { return "/api/v1/jobs/" + url.PathEscape(id) }

// do out 为 *strings.Builder 时按纯文本读取，否则按 JSON 解码
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.ErrorResponse); err != nil {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	switch o := out.(type) {
	case nil:
		return nil
	case *strings.Builder:
		_, err := io.Copy(o, resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}
