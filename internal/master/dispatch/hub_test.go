package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rferrors "rfgrid/pkg/errors"
	"rfgrid/pkg/model"
	"rfgrid/pkg/protocol"
)

// fakeAgent 模拟节点: 收到 dispatch 后调用 reply 决定怎么应答
type fakeAgent struct {
	conn   *websocket.Conn
	aborts chan protocol.Abort
}

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeAgent(w, r, r.URL.Query().Get("node"))
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connectAgent(t *testing.T, hub *Hub, url, nodeID string, reply func(protocol.Directive) *protocol.Message) *fakeAgent {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?node="+nodeID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	a := &fakeAgent{conn: conn, aborts: make(chan protocol.Abort, 4)}

	go func() {
		for {
			var msg protocol.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case protocol.MsgDispatch:
				var d protocol.Directive
				if err := msg.Decode(&d); err != nil {
					return
				}
				if out := reply(d); out != nil {
					out.ID = msg.ID
					_ = conn.WriteJSON(out)
				}
			case protocol.MsgAbort:
				var ab protocol.Abort
				_ = msg.Decode(&ab)
				a.aborts <- ab
			}
		}
	}()
	require.Eventually(t, func() bool { return hub.Connected(nodeID) }, 2*time.Second, 5*time.Millisecond)
	return a
}

func directive(nodeID string) protocol.Directive {
	return protocol.Directive{
		JobID:     "job-1",
		NodeID:    nodeID,
		DeviceID:  "D1",
		Type:      model.JobSpectrumScan,
		Role:      model.RolePrimary,
		Frequency: model.MHz(100, 200),
	}
}

func TestDispatchAck(t *testing.T) {
	hub, url := startHub(t)
	got := make(chan protocol.Directive, 1)
	connectAgent(t, hub, url, "N1", func(d protocol.Directive) *protocol.Message {
		got <- d
		return &protocol.Message{Type: protocol.MsgAck}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hub.Dispatch(ctx, directive("N1")))

	d := <-got
	assert.Equal(t, "job-1", d.JobID)
	assert.Equal(t, model.MHz(100, 200), d.Frequency)
}

func TestDispatchNack(t *testing.T) {
	hub, url := startHub(t)
	connectAgent(t, hub, url, "N1", func(d protocol.Directive) *protocol.Message {
		msg, _ := protocol.NewMessage(protocol.MsgNack, "", "N1", protocol.Ack{JobID: d.JobID, Reason: "device busy"})
		return &msg
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := hub.Dispatch(ctx, directive("N1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, rferrors.ErrDispatchFailure)
	assert.Contains(t, err.Error(), "device busy")
}

func TestDispatchTimeout(t *testing.T) {
	hub, url := startHub(t)
	connectAgent(t, hub, url, "N1", func(protocol.Directive) *protocol.Message { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := hub.Dispatch(ctx, directive("N1"))
	assert.ErrorIs(t, err, rferrors.ErrDispatchFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "DispatchFailure", rferrors.ReasonCode(err))
}

func TestDispatchNotConnected(t *testing.T) {
	hub, _ := startHub(t)
	err := hub.Dispatch(context.Background(), directive("ghost"))
	assert.ErrorIs(t, err, rferrors.ErrDispatchFailure)
	assert.NoError(t, hub.Abort(context.Background(), "ghost", "job-1"))
}

func TestAbortReachesAgent(t *testing.T) {
	hub, url := startHub(t)
	a := connectAgent(t, hub, url, "N1", func(protocol.Directive) *protocol.Message { return nil })

	require.NoError(t, hub.Abort(context.Background(), "N1", "job-9"))
	select {
	case ab := <-a.aborts:
		assert.Equal(t, "job-9", ab.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("abort not delivered")
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, url := startHub(t)
	a := connectAgent(t, hub, url, "N1", func(protocol.Directive) *protocol.Message { return nil })
	require.NoError(t, a.conn.Close())
	assert.Eventually(t, func() bool { return !hub.Connected("N1") }, 2*time.Second, 5*time.Millisecond)
}
