package worker

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rfgrid/pkg/model"
	"rfgrid/pkg/protocol"
)

// channelLoop 保持一条到协调器的 websocket，断开后重连
func (a *Agent) channelLoop(ctx context.Context) {
	endpoint, err := a.api.ChannelURL(a.cfg.Node.ID)
	if err != nil {
		a.log.Error("invalid master url", zap.Error(err))
		return
	}
	for {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			a.log.Warn("channel dial failed", zap.String("url", endpoint), zap.Int("status", status), zap.Error(err))
			if !sleep(ctx, a.retryInterval()) {
				return
			}
			continue
		}

		a.setConn(conn)
		a.log.Info("directive channel connected", zap.String("url", endpoint))
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		a.readLoop(ctx, conn)
		stop()
		a.setConn(nil)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		a.log.Warn("directive channel disconnected, reconnecting")
		if !sleep(ctx, a.retryInterval()) {
			return
		}
	}
}

func (a *Agent) setConn(c *websocket.Conn) {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	a.conn = c
}

func (a *Agent) send(msg protocol.Message) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn == nil {
		return websocket.ErrCloseSent
	}
	_ = a.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return a.conn.WriteJSON(msg)
}

func (a *Agent) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case protocol.MsgDispatch:
			a.handleDispatch(ctx, msg)
		case protocol.MsgAbort:
			var ab protocol.Abort
			if err := msg.Decode(&ab); err != nil {
				a.log.Warn("malformed abort", zap.Error(err))
				continue
			}
			a.abort(ab.JobID)
		default:
			a.log.Debug("unexpected message", zap.String("type", string(msg.Type)))
		}
	}
}

// handleDispatch 先登记再 ack，保证 ack 之后到达的 abort 一定能找到这次执行
func (a *Agent) handleDispatch(ctx context.Context, msg protocol.Message) {
	var d protocol.Directive
	if err := msg.Decode(&d); err != nil {
		a.reply(msg.ID, protocol.MsgNack, protocol.Ack{Reason: "malformed directive: " + err.Error()})
		return
	}
	if reason := a.check(d); reason != "" {
		a.log.Warn("directive rejected", zap.String("job", d.JobID), zap.String("reason", reason))
		a.reply(msg.ID, protocol.MsgNack, protocol.Ack{JobID: d.JobID, Reason: reason})
		return
	}

	a.mu.Lock()
	if _, dup := a.running[d.JobID]; dup {
		a.mu.Unlock()
		a.reply(msg.ID, protocol.MsgAck, protocol.Ack{JobID: d.JobID})
		return
	}
	jobCtx, cancel := context.WithCancel(ctx)
	a.running[d.JobID] = cancel
	a.jobs.Add(1)
	a.mu.Unlock()

	if err := a.reply(msg.ID, protocol.MsgAck, protocol.Ack{JobID: d.JobID}); err != nil {
		// 协调器收不到 ack 会把这个分配当作失败，本地不再执行
		cancel()
	}
	go a.execute(ctx, jobCtx, d)
}

func (a *Agent) check(d protocol.Directive) string {
	if d.NodeID != a.cfg.Node.ID {
		return "directive addressed to node " + d.NodeID
	}
	known := false
	for _, dev := range a.cfg.Node.Devices {
		if dev.ID == d.DeviceID {
			known = true
			break
		}
	}
	if !known {
		return "unknown device " + d.DeviceID
	}
	if !a.exec.Supports(d.Type) {
		return "unsupported job type " + string(d.Type)
	}
	return ""
}

func (a *Agent) reply(id string, t protocol.MessageType, ack protocol.Ack) error {
	msg, err := protocol.NewMessage(t, id, a.cfg.Node.ID, ack)
	if err != nil {
		return err
	}
	if err := a.send(msg); err != nil {
		a.log.Warn("reply not sent", zap.String("type", string(t)), zap.String("job", ack.JobID), zap.Error(err))
		return err
	}
	return nil
}

func (a *Agent) abort(jobID string) {
	a.mu.Lock()
	cancel, ok := a.running[jobID]
	a.mu.Unlock()
	if !ok {
		return
	}
	a.log.Info("aborting measurement", zap.String("job", jobID))
	cancel()
}

// execute 运行测量并上报。被 abort 的执行不再上报，协调器那边已经释放了这个分配
func (a *Agent) execute(ctx, jobCtx context.Context, d protocol.Directive) {
	defer a.jobs.Done()
	defer func() {
		a.mu.Lock()
		if cancel, ok := a.running[d.JobID]; ok {
			cancel()
			delete(a.running, d.JobID)
		}
		a.mu.Unlock()
	}()
	if jobCtx.Err() != nil {
		return
	}

	log := a.log.With(zap.String("job", d.JobID), zap.String("device", d.DeviceID), zap.String("role", string(d.Role)))
	log.Info("measurement started", zap.String("type", string(d.Type)))
	a.report(ctx, d, protocol.ProgressReport{Status: model.AllocRunning})

	res, err := a.exec.Run(jobCtx, d)
	if jobCtx.Err() != nil {
		log.Info("measurement aborted")
		return
	}
	rep := protocol.ProgressReport{Status: model.AllocCompleted, Payload: res.Payload, Logs: res.Logs}
	if err != nil {
		log.Warn("measurement failed", zap.Error(err))
		rep.Status = model.AllocFailed
		rep.Error = err.Error()
	} else {
		log.Info("measurement completed")
	}
	a.report(ctx, d, rep)
}

func (a *Agent) report(ctx context.Context, d protocol.Directive, rep protocol.ProgressReport) {
	if ctx.Err() != nil {
		return
	}
	rep.NodeID = d.NodeID
	rep.DeviceID = d.DeviceID
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.api.Report(rctx, d.JobID, rep); err != nil {
		a.log.Warn("progress report failed", zap.String("job", d.JobID), zap.String("status", string(rep.Status)), zap.Error(err))
	}
}
