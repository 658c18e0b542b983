package allocator

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rfgrid/internal/master/registry"
	"rfgrid/internal/master/synctrack"
	rferrors "rfgrid/pkg/errors"
	"rfgrid/pkg/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	reg   *registry.Registry
	alloc *Allocator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := func() time.Time { return t0 }
	tr := synctrack.New(synctrack.Config{StaleAfter: time.Minute, Window: 4, FlapThreshold: 3}, nil)
	tr.SetClock(clock)
	reg := registry.New(tr, registry.Config{SuspectAfter: 10 * time.Second, OfflineAfter: 30 * time.Second}, nil)
	reg.SetClock(clock)
	return &env{reg: reg, alloc: New(reg, tr, nil)}
}

var (
	syncTime      = model.SyncReport{Timestamp: t0, Source: model.RefGPS, PPSStable: true}
	syncFrequency = model.SyncReport{Timestamp: t0, Source: model.RefGPS}
)

type nodeOpt func(*model.NodeDescriptor)

func at(lat, lon float64) nodeOpt {
	return func(d *model.NodeDescriptor) { d.Position = &model.Position{Lat: lat, Lon: lon} }
}

func withDevice(dev model.Device) nodeOpt {
	return func(d *model.NodeDescriptor) { d.Devices = append(d.Devices, dev) }
}

func (e *env) addNode(t *testing.T, id string, rep model.SyncReport, opts ...nodeOpt) {
	t.Helper()
	desc := model.NodeDescriptor{ID: id}
	for _, o := range opts {
		o(&desc)
	}
	if len(desc.Devices) == 0 {
		desc.Devices = []model.Device{{ID: "D" + id[1:], Ranges: []model.FrequencyRange{model.MHz(70, 6000)}, MaxBandwidthHz: 56_000_000}}
	}
	_, err := e.reg.Register(desc)
	require.NoError(t, err)
	require.NoError(t, e.reg.RecordHeartbeat(id, rep))
}

func newJob(id string, minNodes int, tier model.Tier) *model.Job {
	return &model.Job{
		ID: id,
		Spec: model.JobSpec{
			Type: model.JobSpectrumScan,
			Requirement: model.Requirement{
				Frequency: model.MHz(100, 200),
				MinNodes:  minNodes,
				Tier:      tier,
			},
		},
		State: model.JobAllocating,
	}
}

func nodesOf(allocs []model.Allocation) []string {
	out := make([]string, len(allocs))
	for i, a := range allocs {
		out[i] = a.NodeID
	}
	return out
}

func TestTierFilterScenario(t *testing.T) {
	e := newEnv(t)
	e.addNode(t, "N1", syncTime)
	e.addNode(t, "N2", syncFrequency)

	allocs, err := e.alloc.Allocate(newJob("job-freq", 2, model.TierFrequency))
	require.NoError(t, err)
	assert.Equal(t, []string{"N1", "N2"}, nodesOf(allocs))
	assert.Equal(t, model.RolePrimary, allocs[0].Role)
	assert.Equal(t, model.RoleSecondary, allocs[1].Role)
	assert.Equal(t, "D1", allocs[0].DeviceID)

	e.alloc.ReleaseJob("job-freq")

	_, err = e.alloc.Allocate(newJob("job-time", 2, model.TierTime))
	require.Error(t, err)
	assert.ErrorIs(t, err, rferrors.ErrInsufficient)
	var ie *rferrors.InsufficientError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 2, ie.Needed)
	assert.Equal(t, 1, ie.Found)
	assert.Empty(t, e.reg.Reservations())
}

func TestFrequencyAndBandwidthFilter(t *testing.T) {
	e := newEnv(t)
	e.addNode(t, "N1", syncTime, withDevice(model.Device{ID: "narrow", Ranges: []model.FrequencyRange{model.MHz(70, 6000)}, MaxBandwidthHz: 2_000_000}))
	e.addNode(t, "N2", syncTime, withDevice(model.Device{ID: "hf", Ranges: []model.FrequencyRange{model.MHz(1, 30)}, MaxBandwidthHz: 56_000_000}))
	e.addNode(t, "N3", syncTime, withDevice(model.Device{ID: "wide", Ranges: []model.FrequencyRange{model.MHz(1, 30), model.MHz(50, 3000)}, MaxBandwidthHz: 56_000_000}))

	job := newJob("job-1", 1, model.TierNone)
	job.Spec.Requirement.BandwidthHz = 20_000_000
	allocs, err := e.alloc.Allocate(job)
	require.NoError(t, err)
	assert.Equal(t, []string{"N3"}, nodesOf(allocs))
	assert.Equal(t, "wide", allocs[0].DeviceID)
}

func TestAllOrNothing(t *testing.T) {
	e := newEnv(t)
	e.addNode(t, "N1", syncTime)
	e.addNode(t, "N2", syncTime)
	e.addNode(t, "N3", syncTime)

	_, err := e.alloc.Allocate(newJob("job-a", 1, model.TierNone))
	require.NoError(t, err)
	before := e.reg.Reservations()

	_, err = e.alloc.Allocate(newJob("job-b", 3, model.TierNone))
	assert.ErrorIs(t, err, rferrors.ErrInsufficient)
	assert.Equal(t, before, e.reg.Reservations())
}

func TestOfflineAndSuspectNodesExcluded(t *testing.T) {
	e := newEnv(t)
	e.addNode(t, "N1", syncTime)
	e.reg.Restore([]model.Node{{ID: "N9", Devices: []model.Device{{ID: "D9", Ranges: []model.FrequencyRange{model.MHz(70, 6000)}}}}})

	_, err := e.alloc.Allocate(newJob("job-1", 2, model.TierNone))
	assert.ErrorIs(t, err, rferrors.ErrInsufficient)
}

func TestGeographicSpread(t *testing.T) {
	e := newEnv(t)
	// N1 苏黎世, N2 紧挨着, N3 日内瓦, N4 柏林, N5 没有坐标
	e.addNode(t, "N1", syncTime, at(47.37, 8.54))
	e.addNode(t, "N2", syncTime, at(47.38, 8.55))
	e.addNode(t, "N3", syncTime, at(46.20, 6.14))
	e.addNode(t, "N4", syncTime, at(52.52, 13.40))
	e.addNode(t, "N5", syncTime)

	job := newJob("job-spread", 3, model.TierTime)
	job.Spec.Requirement.Spread = &model.SpreadConstraint{}
	allocs, err := e.alloc.Allocate(job)
	require.NoError(t, err)
	// 从 ID 最小的 N1 起步，先选最远的柏林，再选日内瓦
	assert.Equal(t, []string{"N1", "N4", "N3"}, nodesOf(allocs))
}

func TestGeographicSpreadMinDistance(t *testing.T) {
	e := newEnv(t)
	e.addNode(t, "N1", syncTime, at(47.37, 8.54))
	e.addNode(t, "N2", syncTime, at(47.38, 8.55))
	e.addNode(t, "N3", syncTime, at(47.39, 8.56))

	job := newJob("job-spread", 2, model.TierNone)
	job.Spec.Requirement.Spread = &model.SpreadConstraint{MinDistanceKm: 50}
	_, err := e.alloc.Allocate(job)
	assert.ErrorIs(t, err, rferrors.ErrInsufficient)
	assert.Empty(t, e.reg.Reservations())
}

func TestSpreadTieBreakIsDeterministic(t *testing.T) {
	e := newEnv(t)
	e.addNode(t, "N1", syncTime, at(0, 0))
	e.addNode(t, "N3", syncTime, at(0, -10))
	e.addNode(t, "N2", syncTime, at(0, 10))

	job := newJob("job-tie", 2, model.TierNone)
	job.Spec.Requirement.Spread = &model.SpreadConstraint{}
	allocs, err := e.alloc.Allocate(job)
	require.NoError(t, err)
	assert.Equal(t, []string{"N1", "N2"}, nodesOf(allocs))
}

func TestDirectionFindingNeedsPositions(t *testing.T) {
	e := newEnv(t)
	e.addNode(t, "N1", syncTime, at(47.0, 8.0))
	e.addNode(t, "N2", syncTime)
	e.addNode(t, "N3", syncTime, at(46.0, 7.0))

	job := newJob("job-df", 2, model.TierTime)
	job.Spec.Type = model.JobDirectionFinding
	allocs, err := e.alloc.Allocate(job)
	require.NoError(t, err)
	assert.Equal(t, []string{"N1", "N3"}, nodesOf(allocs))
}

func TestPropagationTestPrimaryTransmits(t *testing.T) {
	e := newEnv(t)
	e.addNode(t, "N1", syncTime)
	e.addNode(t, "N2", syncTime,
		withDevice(model.Device{ID: "rx", Ranges: []model.FrequencyRange{model.MHz(70, 6000)}}),
		withDevice(model.Device{ID: "tx", Ranges: []model.FrequencyRange{model.MHz(70, 6000)}, CanTransmit: true}))
	e.addNode(t, "N3", syncTime)

	job := newJob("job-prop", 2, model.TierNone)
	job.Spec.Type = model.JobPropagationTest
	allocs, err := e.alloc.Allocate(job)
	require.NoError(t, err)
	require.Len(t, allocs, 2)
	assert.Equal(t, model.Allocation{NodeID: "N2", DeviceID: "tx", Role: model.RolePrimary, Status: model.AllocPending, AllocatedAt: allocs[0].AllocatedAt}, allocs[0])
	assert.Equal(t, "N1", allocs[1].NodeID)
	assert.Equal(t, model.RoleSecondary, allocs[1].Role)
}

func TestPropagationTestWithoutTransmitter(t *testing.T) {
	e := newEnv(t)
	e.addNode(t, "N1", syncTime)
	e.addNode(t, "N2", syncTime)

	job := newJob("job-prop", 2, model.TierNone)
	job.Spec.Type = model.JobPropagationTest
	_, err := e.alloc.Allocate(job)
	assert.ErrorIs(t, err, rferrors.ErrInsufficient)
	assert.Empty(t, e.reg.Reservations())
}

func TestReallocationKeepsHealthyAllocations(t *testing.T) {
	e := newEnv(t)
	for _, id := range []string{"N1", "N2", "N3", "N4"} {
		e.addNode(t, id, syncTime)
	}
	job := newJob("job-1", 3, model.TierNone)
	allocs, err := e.alloc.Allocate(job)
	require.NoError(t, err)
	job.Allocations = allocs

	// N2 丢失
	released := t0
	job.Allocations[1].ReleasedAt = &released
	e.alloc.Release(job.ID, job.Allocations[1:2])

	more, err := e.alloc.Allocate(job, "N2")
	require.NoError(t, err)
	require.Len(t, more, 1)
	assert.Equal(t, "N4", more[0].NodeID)
	// 主节点还在，补的是从节点
	assert.Equal(t, model.RoleSecondary, more[0].Role)

	res := e.reg.Reservations()
	assert.Len(t, res, 3)
	for _, id := range []string{"N1", "N3", "N4"} {
		assert.Equal(t, "job-1", res[model.DeviceRef{NodeID: id, DeviceID: "D" + id[1:]}])
	}
}

func TestReallocationReplacesPrimary(t *testing.T) {
	e := newEnv(t)
	for _, id := range []string{"N1", "N2", "N3"} {
		e.addNode(t, id, syncTime)
	}
	job := newJob("job-1", 2, model.TierNone)
	allocs, err := e.alloc.Allocate(job)
	require.NoError(t, err)
	job.Allocations = allocs
	released := t0
	job.Allocations[0].ReleasedAt = &released
	e.alloc.Release(job.ID, job.Allocations[:1])

	more, err := e.alloc.Allocate(job, "N1")
	require.NoError(t, err)
	require.Len(t, more, 1)
	assert.Equal(t, "N3", more[0].NodeID)
	assert.Equal(t, model.RolePrimary, more[0].Role)
}

func TestNothingMissing(t *testing.T) {
	e := newEnv(t)
	job := newJob("job-1", 1, model.TierNone)
	job.Allocations = []model.Allocation{{NodeID: "N1", DeviceID: "D1"}}
	allocs, err := e.alloc.Allocate(job)
	assert.NoError(t, err)
	assert.Empty(t, allocs)
}

func TestReserveExhaustedReportsConflict(t *testing.T) {
	conflict := rferrors.WrapNodeError("N1", "reserve", rferrors.ErrReservationConflict)
	err := reserveExhausted(2, conflict)

	assert.ErrorIs(t, err, rferrors.ErrInsufficient)
	assert.ErrorIs(t, err, rferrors.ErrReservationConflict)
	var ins *rferrors.InsufficientError
	require.ErrorAs(t, err, &ins)
	assert.Equal(t, 2, ins.Needed)
	assert.Zero(t, ins.Found)
	assert.Contains(t, err.Error(), "found 0")
	assert.Equal(t, rferrors.CategoryTransient, rferrors.Classify(err).Category)
}

func TestConcurrentAllocationsNeverDoubleBook(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 10; i++ {
		e.addNode(t, fmt.Sprintf("N%d", i), syncTime)
	}

	const jobs = 12
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted = map[string][]model.Allocation{}
	)
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job := newJob(fmt.Sprintf("job-%02d", i), 3, model.TierNone)
			allocs, err := e.alloc.Allocate(job)
			if err != nil {
				assert.ErrorIs(t, err, rferrors.ErrInsufficient)
				return
			}
			mu.Lock()
			granted[job.ID] = allocs
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	// 10 台设备，每个 job 3 台，最多 3 个 job 成功
	assert.Len(t, granted, 3)
	owner := map[model.DeviceRef]string{}
	for jobID, allocs := range granted {
		require.Len(t, allocs, 3)
		for _, a := range allocs {
			ref := model.DeviceRef{NodeID: a.NodeID, DeviceID: a.DeviceID}
			prev, dup := owner[ref]
			assert.False(t, dup, "device %s booked by %s and %s", ref, prev, jobID)
			owner[ref] = jobID
		}
	}
	assert.Equal(t, owner, e.reg.Reservations())
}

func TestValidateSpec(t *testing.T) {
	valid := model.JobSpec{
		Type:        model.JobSpectrumScan,
		Requirement: model.Requirement{Frequency: model.MHz(100, 200), MinNodes: 1},
	}
	assert.NoError(t, ValidateSpec(valid))

	tests := []struct {
		name   string
		mutate func(*model.JobSpec)
	}{
		{"unknown type", func(s *model.JobSpec) { s.Type = "jamming" }},
		{"bad range", func(s *model.JobSpec) { s.Requirement.Frequency = model.MHz(200, 100) }},
		{"zero nodes", func(s *model.JobSpec) { s.Requirement.MinNodes = 0 }},
		{"negative bandwidth", func(s *model.JobSpec) { s.Requirement.BandwidthHz = -1 }},
		{"bad tier", func(s *model.JobSpec) { s.Requirement.Tier = model.Tier(9) }},
		{"df single node", func(s *model.JobSpec) { s.Type = model.JobDirectionFinding }},
		{"propagation single node", func(s *model.JobSpec) { s.Type = model.JobPropagationTest }},
		{"negative spread", func(s *model.JobSpec) { s.Requirement.Spread = &model.SpreadConstraint{MinDistanceKm: -1} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := valid
			tt.mutate(&spec)
			assert.ErrorIs(t, ValidateSpec(spec), rferrors.ErrInvalidJobSpec)
		})
	}
}

func TestDistanceKm(t *testing.T) {
	zurich := model.Position{Lat: 47.3769, Lon: 8.5417}
	geneva := model.Position{Lat: 46.2044, Lon: 6.1432}
	assert.InDelta(t, 224, distanceKm(zurich, geneva), 5)
	assert.InDelta(t, 0, distanceKm(zurich, zurich), 1e-9)
}
