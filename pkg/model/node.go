package model

import "time"

// Liveness 节点存活状态，由心跳推导
type Liveness string

const (
	NodeOnline  Liveness = "online"
	NodeSuspect Liveness = "suspect" // 超过 T_suspect 没有心跳
	NodeOffline Liveness = "offline" // 超过 T_offline 没有心跳，不参与分配
)

// ReservationState 设备占用状态
type ReservationState string

const (
	DeviceFree     ReservationState = "free"
	DeviceReserved ReservationState = "reserved"
	DeviceFaulted  ReservationState = "faulted"
)

type Reservation struct {
	State ReservationState `json:"state"`
	JobID string           `json:"job_id,omitempty"` // 仅 reserved 时有值
}

// Device 节点上一个可分配的射频资源
type Device struct {
	ID             string           `json:"id" yaml:"id"`
	Ranges         []FrequencyRange `json:"ranges" yaml:"ranges"`
	MaxBandwidthHz int64            `json:"max_bandwidth_hz" yaml:"maxBandwidthHz"`
	SampleRates    []int64          `json:"sample_rates" yaml:"sampleRates"`
	CanTransmit    bool             `json:"can_transmit" yaml:"canTransmit"`

	Reservation Reservation `json:"reservation" yaml:"-"`
}

// Covers 任意一个频段完整覆盖 r 即可
func (d *Device) Covers(r FrequencyRange) bool {
	for _, dr := range d.Ranges {
		if dr.Covers(r) {
			return true
		}
	}
	return false
}

func (d *Device) Free() bool {
	return d.Reservation.State == DeviceFree || d.Reservation.State == ""
}

// sameCapabilities 比较能力描述，忽略占用状态
func (d *Device) sameCapabilities(o *Device) bool {
	if d.ID != o.ID || d.MaxBandwidthHz != o.MaxBandwidthHz || d.CanTransmit != o.CanTransmit {
		return false
	}
	if len(d.Ranges) != len(o.Ranges) || len(d.SampleRates) != len(o.SampleRates) {
		return false
	}
	for i := range d.Ranges {
		if d.Ranges[i] != o.Ranges[i] {
			return false
		}
	}
	for i := range d.SampleRates {
		if d.SampleRates[i] != o.SampleRates[i] {
			return false
		}
	}
	return true
}

// NodeDescriptor 节点注册时上报的内容
type NodeDescriptor struct {
	ID       string    `json:"id" yaml:"id"` // 稳定的外部标识 (序列号/主机名)
	Address  string    `json:"address" yaml:"address"`
	Position *Position `json:"position,omitempty" yaml:"position"`
	Devices  []Device  `json:"devices" yaml:"devices"`
	Version  string    `json:"version,omitempty" yaml:"version"`
}

// Node 注册表里的节点记录，只能由 Registry 修改
type Node struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"`
	Position *Position `json:"position,omitempty"`
	Version  string    `json:"version,omitempty"`
	Devices  []Device  `json:"devices"`

	Liveness     Liveness  `json:"liveness"`
	Tier         Tier      `json:"tier"`
	RegisteredAt time.Time `json:"registered_at"`
	LastContact  time.Time `json:"last_contact"`   // 协调器收到最后一次心跳的时间
	LastReportAt time.Time `json:"last_report_at"` // 最后一次处理的心跳自带的时间戳，用于丢弃乱序心跳
}

// Device 按 ID 查找
func (n *Node) Device(id string) *Device {
	for i := range n.Devices {
		if n.Devices[i].ID == id {
			return &n.Devices[i]
		}
	}
	return nil
}

// SameCapabilities 判断两次注册的能力描述是否一致
func (n *Node) SameCapabilities(o *Node) bool {
	if len(n.Devices) != len(o.Devices) {
		return false
	}
	for i := range n.Devices {
		if !n.Devices[i].sameCapabilities(&o.Devices[i]) {
			return false
		}
	}
	return true
}

// Clone 深拷贝，对外暴露的快照都走这里，避免读到半更新的记录
func (n *Node) Clone() Node {
	c := *n
	if n.Position != nil {
		p := *n.Position
		c.Position = &p
	}
	c.Devices = make([]Device, len(n.Devices))
	for i, d := range n.Devices {
		d.Ranges = append([]FrequencyRange(nil), d.Ranges...)
		d.SampleRates = append([]int64(nil), d.SampleRates...)
		c.Devices[i] = d
	}
	return c
}

// DeviceRef 全局唯一定位一个设备
type DeviceRef struct {
	NodeID   string `json:"node_id"`
	DeviceID string `json:"device_id"`
}

func (r DeviceRef) String() string {
	return r.NodeID + "/" + r.DeviceID
}
