package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rfgrid/internal/master/registry"
	"rfgrid/internal/master/synctrack"
	"rfgrid/pkg/model"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRegistry(t *testing.T, c *clock) *registry.Registry {
	t.Helper()
	tr := synctrack.New(synctrack.Config{StaleAfter: time.Minute, Window: 4, FlapThreshold: 3}, nil)
	tr.SetClock(c.Now)
	reg := registry.New(tr, registry.Config{SuspectAfter: 10 * time.Second, OfflineAfter: 30 * time.Second}, nil)
	reg.SetClock(c.Now)
	_, err := reg.Register(model.NodeDescriptor{
		ID:      "N1",
		Devices: []model.Device{{ID: "D1", Ranges: []model.FrequencyRange{model.MHz(70, 6000)}}},
	})
	require.NoError(t, err)
	return reg
}

func TestTickDrivesLiveness(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := newRegistry(t, c)
	require.NoError(t, reg.Reserve("job-1", []model.DeviceRef{{NodeID: "N1", DeviceID: "D1"}}))
	d := NewDetector(reg, time.Second, nil)

	assert.Empty(t, d.Tick())

	c.Advance(11 * time.Second)
	events := d.Tick()
	require.Len(t, events, 1)
	assert.Equal(t, registry.EventSuspect, events[0].Type)

	c.Advance(20 * time.Second)
	events = d.Tick()
	require.Len(t, events, 1)
	assert.Equal(t, registry.EventOffline, events[0].Type)
	assert.Equal(t, []registry.LostReservation{{Ref: model.DeviceRef{NodeID: "N1", DeviceID: "D1"}, JobID: "job-1"}}, events[0].Lost)

	n, err := reg.Get("N1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeOffline, n.Liveness)
}

func TestRunNotifiesListeners(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := newRegistry(t, c)
	suspect := make(chan string, 1)
	reg.Subscribe(func(ev registry.Event) {
		if ev.Type == registry.EventSuspect {
			suspect <- ev.NodeID
		}
	})
	c.Advance(15 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewDetector(reg, 5*time.Millisecond, nil).Run(ctx)

	select {
	case id := <-suspect:
		assert.Equal(t, "N1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("detector never swept")
	}
}
