package registry

import (
	"iter"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"rfgrid/internal/master/synctrack"
	rferrors "rfgrid/pkg/errors"
	"rfgrid/pkg/logger"
	"rfgrid/pkg/model"
)

// EventType 注册表对外发出的变化通知
type EventType int

const (
	EventRegistered EventType = iota
	EventOnline               // suspect/offline 节点恢复
	EventSuspect
	EventOffline
	EventDeregistered
	EventDeviceFault
	EventDeviceRecovered
	EventTierChanged // online 节点的同步等级变化，PrevTier 是变化前的值
)

func (t EventType) String() string {
	switch t {
	case EventRegistered:
		return "registered"
	case EventOnline:
		return "online"
	case EventSuspect:
		return "suspect"
	case EventOffline:
		return "offline"
	case EventDeregistered:
		return "deregistered"
	case EventDeviceFault:
		return "device_fault"
	case EventDeviceRecovered:
		return "device_recovered"
	case EventTierChanged:
		return "tier_changed"
	}
	return "unknown"
}

// LostReservation 某个被占用的设备不再可用 (节点离线/注销/设备故障/设备被移除)
type LostReservation struct {
	Ref   model.DeviceRef
	JobID string
}

type Event struct {
	Type   EventType
	NodeID string
	Node   *model.Node // 变化后的快照，注销时为 nil
	Lost   []LostReservation

	PrevTier model.Tier
}

// Listener 在注册表锁外被调用，不能阻塞
type Listener func(Event)

// Predicate 候选节点过滤条件，作用在快照上
type Predicate func(n *model.Node) bool

type Config struct {
	SuspectAfter time.Duration
	OfflineAfter time.Duration
}

// Registry 进程内唯一的节点表，通过构造函数显式传给 Allocator / Scheduler
type Registry struct {
	mu        sync.RWMutex
	nodes     map[string]*model.Node
	tracker   *synctrack.Tracker
	cfg       Config
	now       func() time.Time
	listeners []Listener
	log       *zap.Logger
}

func New(tracker *synctrack.Tracker, cfg Config, log *zap.Logger) *Registry {
	return &Registry{
		nodes:   make(map[string]*model.Node),
		tracker: tracker,
		cfg:     cfg,
		now:     time.Now,
		log:     logger.OrNop(log).Named("registry"),
	}
}

// SetClock 测试用
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Subscribe 注册变化监听
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	r.mu.RLock()
	ls := append([]Listener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, ev := range events {
		for _, l := range ls {
			l(ev)
		}
	}
}

// Register 按稳定外部标识幂等注册。重复注册会更新能力描述并把存活状态重置为 online，
// 同 ID 设备的占用状态保持不变
func (r *Registry) Register(desc model.NodeDescriptor) (string, error) {
	if err := validateDescriptor(desc); err != nil {
		return "", err
	}

	r.mu.Lock()
	now := r.now()
	incoming := &model.Node{
		ID:       desc.ID,
		Address:  desc.Address,
		Position: desc.Position,
		Version:  desc.Version,
		Devices:  make([]model.Device, len(desc.Devices)),
	}
	for i, d := range desc.Devices {
		d.Reservation = model.Reservation{State: model.DeviceFree}
		incoming.Devices[i] = d
	}
	incoming = ptr(incoming.Clone())

	var lost []LostReservation
	prev, existed := r.nodes[desc.ID]
	if existed {
		for i := range incoming.Devices {
			if old := prev.Device(incoming.Devices[i].ID); old != nil {
				incoming.Devices[i].Reservation = old.Reservation
			}
		}
		for _, old := range prev.Devices {
			if incoming.Device(old.ID) == nil && old.Reservation.State == model.DeviceReserved {
				lost = append(lost, LostReservation{Ref: model.DeviceRef{NodeID: desc.ID, DeviceID: old.ID}, JobID: old.Reservation.JobID})
			}
		}
		incoming.RegisteredAt = prev.RegisteredAt
		incoming.LastReportAt = prev.LastReportAt
		if prev.SameCapabilities(incoming) {
			r.log.Debug("node re-registered with identical capabilities", zap.String("node", desc.ID))
		} else {
			r.log.Info("node capabilities updated", zap.String("node", desc.ID), zap.Int("devices", len(incoming.Devices)))
		}
	} else {
		incoming.RegisteredAt = now
		r.log.Info("node registered", zap.String("node", desc.ID), zap.String("address", desc.Address), zap.Int("devices", len(incoming.Devices)))
	}
	incoming.Liveness = model.NodeOnline
	incoming.LastContact = now
	r.nodes[desc.ID] = incoming
	snap := r.snapshotLocked(incoming)
	r.mu.Unlock()

	r.emit(Event{Type: EventRegistered, NodeID: desc.ID, Node: &snap, Lost: lost})
	return desc.ID, nil
}

// RecordHeartbeat 更新最后联系时间，把同步上报交给 Tracker；
// 时间戳早于上一次已处理心跳的上报直接丢弃
func (r *Registry) RecordHeartbeat(nodeID string, rep model.SyncReport) error {
	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return rferrors.WrapNodeError(nodeID, "heartbeat", rferrors.ErrUnknownNode)
	}
	now := r.now()
	if rep.Timestamp.IsZero() {
		rep.Timestamp = now
	}
	if rep.Timestamp.Before(n.LastReportAt) {
		r.mu.Unlock()
		r.log.Debug("stale heartbeat discarded", zap.String("node", nodeID),
			zap.Time("reported", rep.Timestamp), zap.Time("last", n.LastReportAt))
		return rferrors.WrapNodeError(nodeID, "heartbeat", rferrors.ErrStaleHeartbeat)
	}
	if !rep.Source.Valid() {
		rep.Source = model.RefNone
	}

	n.LastContact = now
	n.LastReportAt = rep.Timestamp
	prevTier := n.Tier
	n.Tier = r.tracker.Observe(nodeID, rep)

	var events []Event
	switch {
	case n.Liveness != model.NodeOnline:
		r.log.Info("node back online", zap.String("node", nodeID), zap.String("was", string(n.Liveness)))
		n.Liveness = model.NodeOnline
		snap := r.snapshotLocked(n)
		events = append(events, Event{Type: EventOnline, NodeID: nodeID, Node: &snap, PrevTier: prevTier})
	case n.Tier != prevTier:
		r.log.Info("node sync tier changed", zap.String("node", nodeID),
			zap.Stringer("from", prevTier), zap.Stringer("to", n.Tier))
		snap := r.snapshotLocked(n)
		events = append(events, Event{Type: EventTierChanged, NodeID: nodeID, Node: &snap, PrevTier: prevTier})
	}
	r.mu.Unlock()

	r.emit(events...)
	return nil
}

// SetDeviceFault 标记/恢复设备故障。故障设备上的占用视为丢失
func (r *Registry) SetDeviceFault(nodeID, deviceID string, faulted bool) error {
	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return rferrors.WrapNodeError(nodeID, "device fault", rferrors.ErrUnknownNode)
	}
	d := n.Device(deviceID)
	if d == nil {
		r.mu.Unlock()
		return rferrors.WrapNodeError(nodeID, "device fault", rferrors.ErrUnknownDevice)
	}

	var ev *Event
	switch {
	case faulted && d.Reservation.State != model.DeviceFaulted:
		var lost []LostReservation
		if d.Reservation.State == model.DeviceReserved {
			lost = append(lost, LostReservation{Ref: model.DeviceRef{NodeID: nodeID, DeviceID: deviceID}, JobID: d.Reservation.JobID})
		}
		d.Reservation = model.Reservation{State: model.DeviceFaulted}
		snap := r.snapshotLocked(n)
		ev = &Event{Type: EventDeviceFault, NodeID: nodeID, Node: &snap, Lost: lost}
		r.log.Warn("device faulted", zap.String("node", nodeID), zap.String("device", deviceID))
	case !faulted && d.Reservation.State == model.DeviceFaulted:
		d.Reservation = model.Reservation{State: model.DeviceFree}
		snap := r.snapshotLocked(n)
		ev = &Event{Type: EventDeviceRecovered, NodeID: nodeID, Node: &snap}
		r.log.Info("device recovered", zap.String("node", nodeID), zap.String("device", deviceID))
	}
	r.mu.Unlock()

	if ev != nil {
		r.emit(*ev)
	}
	return nil
}

// Deregister 管理员显式删除节点，这是唯一会删除记录的路径
func (r *Registry) Deregister(nodeID string) error {
	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return rferrors.WrapNodeError(nodeID, "deregister", rferrors.ErrUnknownNode)
	}
	lost := reservedOf(n)
	delete(r.nodes, nodeID)
	r.tracker.Forget(nodeID)
	r.mu.Unlock()

	r.log.Info("node deregistered", zap.String("node", nodeID), zap.Int("lost_reservations", len(lost)))
	r.emit(Event{Type: EventDeregistered, NodeID: nodeID, Lost: lost})
	return nil
}

// Get 返回节点快照
func (r *Registry) Get(nodeID string) (model.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return model.Node{}, rferrors.WrapNodeError(nodeID, "get", rferrors.ErrUnknownNode)
	}
	return r.snapshotLocked(n), nil
}

// List 所有节点快照，按 ID 排序
func (r *Registry) List() []model.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotAllLocked(nil)
}

// ListAvailable 返回 online 且满足 pred 的节点序列。
// 每次 range 都会重新取一次一致快照，所以可以反复遍历；遍历期间的心跳不会造成重复或读到半更新的记录
func (r *Registry) ListAvailable(pred Predicate) iter.Seq[model.Node] {
	return func(yield func(model.Node) bool) {
		r.mu.RLock()
		snap := r.snapshotAllLocked(func(n *model.Node) bool {
			return n.Liveness == model.NodeOnline
		})
		r.mu.RUnlock()

		for i := range snap {
			if pred != nil && !pred(&snap[i]) {
				continue
			}
			if !yield(snap[i]) {
				return
			}
		}
	}
}

// Reserve 原子地占用一批设备：全部成功或全部不占。
// 只在注册表写锁内检查和修改，不逐个锁设备，避免并发分配时死锁
func (r *Registry) Reserve(jobID string, refs []model.DeviceRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[model.DeviceRef]bool, len(refs))
	for _, ref := range refs {
		if seen[ref] {
			return rferrors.WrapNodeError(ref.NodeID, "reserve "+ref.DeviceID, rferrors.ErrReservationConflict)
		}
		seen[ref] = true

		n, ok := r.nodes[ref.NodeID]
		if !ok {
			return rferrors.WrapNodeError(ref.NodeID, "reserve", rferrors.ErrUnknownNode)
		}
		if n.Liveness != model.NodeOnline {
			return rferrors.WrapNodeError(ref.NodeID, "reserve", rferrors.ErrNodeUnavailable)
		}
		d := n.Device(ref.DeviceID)
		if d == nil {
			return rferrors.WrapNodeError(ref.NodeID, "reserve "+ref.DeviceID, rferrors.ErrUnknownDevice)
		}
		if !d.Free() {
			return rferrors.WrapNodeError(ref.NodeID, "reserve "+ref.DeviceID, rferrors.ErrReservationConflict)
		}
	}

	for _, ref := range refs {
		r.nodes[ref.NodeID].Device(ref.DeviceID).Reservation = model.Reservation{State: model.DeviceReserved, JobID: jobID}
	}
	return nil
}

// Release 释放 jobID 占用的指定设备，返回实际释放的数量。
// 只会动 reserved 且属于该 job 的设备，故障设备保持 faulted
func (r *Registry) Release(jobID string, refs []model.DeviceRef) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	released := 0
	for _, ref := range refs {
		n, ok := r.nodes[ref.NodeID]
		if !ok {
			continue
		}
		d := n.Device(ref.DeviceID)
		if d == nil {
			continue
		}
		if d.Reservation.State == model.DeviceReserved && d.Reservation.JobID == jobID {
			d.Reservation = model.Reservation{State: model.DeviceFree}
			released++
		}
	}
	return released
}

// ReleaseJob 释放某个 job 占用的全部设备
func (r *Registry) ReleaseJob(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	released := 0
	for _, n := range r.nodes {
		for i := range n.Devices {
			d := &n.Devices[i]
			if d.Reservation.State == model.DeviceReserved && d.Reservation.JobID == jobID {
				d.Reservation = model.Reservation{State: model.DeviceFree}
				released++
			}
		}
	}
	return released
}

// Reservations 当前所有占用 (设备 -> job)
func (r *Registry) Reservations() map[model.DeviceRef]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[model.DeviceRef]string)
	for _, n := range r.nodes {
		for _, d := range n.Devices {
			if d.Reservation.State == model.DeviceReserved {
				out[model.DeviceRef{NodeID: n.ID, DeviceID: d.ID}] = d.Reservation.JobID
			}
		}
	}
	return out
}

// Sweep 推进存活状态机: online -> suspect -> offline。
// 即使一次扫描发现两个阈值都已超过，也会依次经过 suspect
func (r *Registry) Sweep() []Event {
	r.mu.Lock()
	now := r.now()
	var events []Event
	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		n := r.nodes[id]
		silence := now.Sub(n.LastContact)
		if n.Liveness == model.NodeOnline && silence > r.cfg.SuspectAfter {
			n.Liveness = model.NodeSuspect
			snap := r.snapshotLocked(n)
			events = append(events, Event{Type: EventSuspect, NodeID: id, Node: &snap})
			r.log.Warn("node suspect", zap.String("node", id), zap.Duration("silence", silence))
		}
		if n.Liveness == model.NodeSuspect && silence > r.cfg.OfflineAfter {
			n.Liveness = model.NodeOffline
			snap := r.snapshotLocked(n)
			events = append(events, Event{Type: EventOffline, NodeID: id, Node: &snap, Lost: reservedOf(n)})
			r.log.Warn("node offline", zap.String("node", id), zap.Duration("silence", silence))
		}
	}
	r.mu.Unlock()

	r.emit(events...)
	return events
}

// Restore 协调器重启后从存储恢复节点。在收到新心跳前一律视为 suspect；
// 故障标记保留，占用清空，由 Scheduler 按任务记录 Reclaim
func (r *Registry) Restore(nodes []model.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for _, n := range nodes {
		c := n.Clone()
		c.Liveness = model.NodeSuspect
		c.Tier = model.TierNone
		c.LastContact = now
		for i := range c.Devices {
			if c.Devices[i].Reservation.State != model.DeviceFaulted {
				c.Devices[i].Reservation = model.Reservation{State: model.DeviceFree}
			}
		}
		r.nodes[c.ID] = &c
	}
	r.log.Info("registry restored", zap.Int("nodes", len(nodes)))
}

// Reclaim 重启恢复时按任务记录重新占用一个设备，不要求节点 online。
// 设备已经属于 jobID 时直接成功
func (r *Registry) Reclaim(jobID string, ref model.DeviceRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[ref.NodeID]
	if !ok {
		return rferrors.WrapNodeError(ref.NodeID, "reclaim", rferrors.ErrUnknownNode)
	}
	if n.Liveness == model.NodeOffline {
		return rferrors.WrapNodeError(ref.NodeID, "reclaim", rferrors.ErrNodeUnavailable)
	}
	d := n.Device(ref.DeviceID)
	if d == nil {
		return rferrors.WrapNodeError(ref.NodeID, "reclaim "+ref.DeviceID, rferrors.ErrUnknownDevice)
	}
	switch {
	case d.Reservation.State == model.DeviceReserved && d.Reservation.JobID == jobID:
		return nil
	case !d.Free():
		return rferrors.WrapNodeError(ref.NodeID, "reclaim "+ref.DeviceID, rferrors.ErrReservationConflict)
	}
	d.Reservation = model.Reservation{State: model.DeviceReserved, JobID: jobID}
	return nil
}

func (r *Registry) snapshotLocked(n *model.Node) model.Node {
	c := n.Clone()
	c.Tier = r.tracker.TierOf(n.ID)
	return c
}

func (r *Registry) snapshotAllLocked(filter func(*model.Node) bool) []model.Node {
	out := make([]model.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		if filter != nil && !filter(n) {
			continue
		}
		out = append(out, r.snapshotLocked(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func reservedOf(n *model.Node) []LostReservation {
	var lost []LostReservation
	for _, d := range n.Devices {
		if d.Reservation.State == model.DeviceReserved {
			lost = append(lost, LostReservation{Ref: model.DeviceRef{NodeID: n.ID, DeviceID: d.ID}, JobID: d.Reservation.JobID})
		}
	}
	return lost
}

func validateDescriptor(desc model.NodeDescriptor) error {
	if desc.ID == "" {
		return rferrors.InvalidDescriptor("node id is required")
	}
	if len(desc.Devices) == 0 {
		return rferrors.InvalidDescriptor("node %s: empty device list", desc.ID)
	}
	if p := desc.Position; p != nil {
		if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
			return rferrors.InvalidDescriptor("node %s: position out of range", desc.ID)
		}
	}
	seen := make(map[string]bool, len(desc.Devices))
	for _, d := range desc.Devices {
		if d.ID == "" {
			return rferrors.InvalidDescriptor("node %s: device without id", desc.ID)
		}
		if seen[d.ID] {
			return rferrors.InvalidDescriptor("node %s: duplicate device %s", desc.ID, d.ID)
		}
		seen[d.ID] = true
		if len(d.Ranges) == 0 {
			return rferrors.InvalidDescriptor("node %s: device %s has no frequency range", desc.ID, d.ID)
		}
		for _, fr := range d.Ranges {
			if !fr.Valid() {
				return rferrors.InvalidDescriptor("node %s: device %s has invalid range %s", desc.ID, d.ID, fr)
			}
		}
		if d.MaxBandwidthHz < 0 {
			return rferrors.InvalidDescriptor("node %s: device %s has negative bandwidth", desc.ID, d.ID)
		}
		for _, sr := range d.SampleRates {
			if sr <= 0 {
				return rferrors.InvalidDescriptor("node %s: device %s has non-positive sample rate", desc.ID, d.ID)
			}
		}
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
