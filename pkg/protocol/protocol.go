// Package protocol 协调器与节点 agent 之间的消息格式 (HTTP body 和 WebSocket 信封)
package protocol

import (
	"encoding/json"
	"fmt"

	"rfgrid/pkg/model"
)

// MessageType WebSocket 信封类型
type MessageType string

const (
	MsgDispatch MessageType = "dispatch" // 协调器 -> agent，需要 ack/nack
	MsgAbort    MessageType = "abort"    // 协调器 -> agent，不需要应答
	MsgAck      MessageType = "ack"
	MsgNack     MessageType = "nack"
)

// Message agent 与协调器之间的信封，ID 用于把 ack 与指令对应起来
type Message struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"`
	NodeID  string          `json:"nodeId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage 把 payload 编码进信封
func NewMessage(t MessageType, id, nodeID string, payload any) (Message, error) {
	msg := Message{Type: t, ID: id, NodeID: nodeID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Decode 解出 payload
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	return json.Unmarshal(m.Payload, v)
}

// Directive 下发给某个节点的工作指令，每个 Allocation 一条
type Directive struct {
	JobID       string               `json:"job_id"`
	NodeID      string               `json:"node_id"`
	DeviceID    string               `json:"device_id"`
	Type        model.JobType        `json:"type"`
	Role        model.AllocationRole `json:"role"`
	Frequency   model.FrequencyRange `json:"frequency"`
	BandwidthHz int64                `json:"bandwidth_hz,omitempty"`
	Peers       []string             `json:"peers,omitempty"` // 同一任务的其他节点
	Params      map[string]string    `json:"params,omitempty"`
}

// Abort 让节点停止 job 的本地工作
type Abort struct {
	JobID string `json:"job_id"`
}

// Ack 对 dispatch 的应答，nack 时带原因
type Ack struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// HeartbeatRequest POST /api/v1/nodes/{id}/heartbeat
type HeartbeatRequest struct {
	Sync model.SyncReport `json:"sync"`
}

// ProgressReport POST /api/v1/jobs/{id}/reports，节点上报自己那部分工作的状态
type ProgressReport struct {
	NodeID   string                 `json:"node_id"`
	DeviceID string                 `json:"device_id"`
	Status   model.AllocationStatus `json:"status"`
	Payload  json.RawMessage        `json:"payload,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Logs     string                 `json:"logs,omitempty"` // 容器原始输出，单独存放，不进 Job 记录
}

// FaultRequest PUT /api/v1/nodes/{id}/devices/{dev}/fault
type FaultRequest struct {
	Faulted bool `json:"faulted"`
}

// SubmitResponse POST /api/v1/jobs 的返回
type SubmitResponse struct {
	ID string `json:"id"`
}

// RegisterResponse POST /api/v1/nodes 的返回
type RegisterResponse struct {
	NodeID string `json:"node_id"`
}

// NodeView 节点查询返回，在注册表快照上附带同步质量的派生信息
type NodeView struct {
	model.Node
	Flapping      bool  `json:"flapping"`
	UncertaintyNs int64 `json:"uncertainty_ns,omitempty"`
}

// ErrorResponse 所有非 2xx 返回
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
