package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	rferrors "rfgrid/pkg/errors"
	"rfgrid/pkg/logger"
	"rfgrid/pkg/protocol"
)

const writeWait = 10 * time.Second

// agentConn 一个节点的 WebSocket 连接，写操作串行化
type agentConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *agentConn) write(ctx context.Context, msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteJSON(msg)
}

// Hub 维护按节点 ID 索引的 agent 连接，通过连接下发指令并等待应答
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	agents  map[string]*agentConn
	pending map[string]chan protocol.Message // 消息 ID -> 等待应答的调用方

	log *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		agents:  make(map[string]*agentConn),
		pending: make(map[string]chan protocol.Message),
		log:     logger.OrNop(log).Named("dispatch"),
	}
}

// ServeAgent 升级连接并登记到 nodeID 下。同一节点的旧连接会被关闭
func (h *Hub) ServeAgent(w http.ResponseWriter, r *http.Request, nodeID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("node", nodeID), zap.Error(err))
		return
	}
	c := &agentConn{ws: ws}
	h.mu.Lock()
	if old, ok := h.agents[nodeID]; ok {
		_ = old.ws.Close()
	}
	h.agents[nodeID] = c
	h.mu.Unlock()
	h.log.Info("agent connected", zap.String("node", nodeID), zap.String("remote", r.RemoteAddr))

	go h.readLoop(nodeID, c)
}

// Connected 节点当前是否有指令通道
func (h *Hub) Connected(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.agents[nodeID]
	return ok
}

func (h *Hub) readLoop(nodeID string, c *agentConn) {
	defer func() {
		_ = c.ws.Close()
		h.mu.Lock()
		if h.agents[nodeID] == c {
			delete(h.agents, nodeID)
		}
		h.mu.Unlock()
		h.log.Info("agent disconnected", zap.String("node", nodeID))
	}()
	for {
		var msg protocol.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case protocol.MsgAck, protocol.MsgNack:
			h.mu.RLock()
			ch, ok := h.pending[msg.ID]
			h.mu.RUnlock()
			if !ok {
				h.log.Debug("late or unknown ack dropped", zap.String("node", nodeID), zap.String("id", msg.ID))
				continue
			}
			select {
			case ch <- msg:
			default:
			}
		default:
			h.log.Debug("unexpected message from agent", zap.String("node", nodeID), zap.String("type", string(msg.Type)))
		}
	}
}

// Dispatch 发送指令并阻塞到 ack/nack 或 ctx 结束
func (h *Hub) Dispatch(ctx context.Context, d protocol.Directive) error {
	h.mu.RLock()
	c := h.agents[d.NodeID]
	h.mu.RUnlock()
	if c == nil {
		return rferrors.WrapNodeError(d.NodeID, "dispatch", fmt.Errorf("%w: agent not connected", rferrors.ErrDispatchFailure))
	}

	id := uuid.NewString()
	msg, err := protocol.NewMessage(protocol.MsgDispatch, id, d.NodeID, d)
	if err != nil {
		return rferrors.WrapNodeError(d.NodeID, "dispatch", fmt.Errorf("%w: %v", rferrors.ErrDispatchFailure, err))
	}
	ch := make(chan protocol.Message, 1)
	h.mu.Lock()
	h.pending[id] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	if err := c.write(ctx, msg); err != nil {
		return rferrors.WrapNodeError(d.NodeID, "dispatch", fmt.Errorf("%w: write: %v", rferrors.ErrDispatchFailure, err))
	}
	h.log.Debug("directive sent", zap.String("node", d.NodeID), zap.String("job", d.JobID), zap.String("id", id))

	select {
	case reply := <-ch:
		if reply.Type == protocol.MsgAck {
			return nil
		}
		var ack protocol.Ack
		_ = reply.Decode(&ack)
		return rferrors.WrapNodeError(d.NodeID, "dispatch", fmt.Errorf("%w: nack: %s", rferrors.ErrDispatchFailure, ack.Reason))
	case <-ctx.Done():
		return rferrors.WrapNodeError(d.NodeID, "dispatch", fmt.Errorf("%w: no ack: %w", rferrors.ErrDispatchFailure, ctx.Err()))
	}
}

// Abort 只发送不等待应答，节点不在线时直接忽略
func (h *Hub) Abort(ctx context.Context, nodeID, jobID string) error {
	h.mu.RLock()
	c := h.agents[nodeID]
	h.mu.RUnlock()
	if c == nil {
		return nil
	}
	msg, err := protocol.NewMessage(protocol.MsgAbort, uuid.NewString(), nodeID, protocol.Abort{JobID: jobID})
	if err != nil {
		return err
	}
	if err := c.write(ctx, msg); err != nil {
		return rferrors.WrapNodeError(nodeID, "abort", err)
	}
	return nil
}

// Close 断开所有 agent
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.agents {
		_ = c.ws.Close()
		delete(h.agents, id)
	}
}
