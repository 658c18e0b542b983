package model

import (
	"fmt"
	"strings"
	"time"
)

// Tier 同步质量等级，全序: none < frequency < time < phase
type Tier int

const (
	TierNone Tier = iota
	TierFrequency
	TierTime
	TierPhase
)

var tierNames = [...]string{"none", "frequency", "time", "phase"}

func (t Tier) String() string {
	if t < TierNone || t > TierPhase {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// AtLeast 是否满足 required 等级
func (t Tier) AtLeast(required Tier) bool {
	return t >= required
}

// Degrade 降一级，最低到 none
func (t Tier) Degrade() Tier {
	if t <= TierNone {
		return TierNone
	}
	return t - 1
}

func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if strings.EqualFold(s, name) {
			return Tier(i), nil
		}
	}
	return TierNone, fmt.Errorf("unknown sync tier %q", s)
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// RefSource 节点上报的时间参考源
type RefSource string

const (
	RefNone RefSource = "none"
	RefGPS  RefSource = "gps"
	RefNTP  RefSource = "ntp"
	RefPTP  RefSource = "ptp"
)

func (s RefSource) Valid() bool {
	switch s {
	case RefNone, RefGPS, RefNTP, RefPTP:
		return true
	}
	return false
}

// SyncReport 随心跳上报，只用于推导当前 Tier，不持久化
type SyncReport struct {
	Timestamp     time.Time `json:"timestamp"`
	Source        RefSource `json:"source"`
	Quality       float64   `json:"quality"` // 实测时间不确定度 (秒)，0 表示未知
	Synced        bool      `json:"synced"`  // ntp/ptp 是否已同步
	PPSStable     bool      `json:"pps_stable"`
	FreqLocked    bool      `json:"freq_locked"` // 外部 10MHz 参考已锁定
	PhaseCoherent bool      `json:"phase_coherent"`
}
