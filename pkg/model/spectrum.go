package model

import "fmt"

// FrequencyRange 闭区间 [LowHz, HighHz]
type FrequencyRange struct {
	LowHz  int64 `json:"low_hz" yaml:"lowHz"`
	HighHz int64 `json:"high_hz" yaml:"highHz"`
}

func (r FrequencyRange) Valid() bool {
	return r.LowHz > 0 && r.HighHz >= r.LowHz
}

// Covers 判断 r 是否完整覆盖 other
func (r FrequencyRange) Covers(other FrequencyRange) bool {
	return r.LowHz <= other.LowHz && other.HighHz <= r.HighHz
}

func (r FrequencyRange) String() string {
	return fmt.Sprintf("%.3f-%.3fMHz", float64(r.LowHz)/1e6, float64(r.HighHz)/1e6)
}

// MHz 便捷构造，测试和 CLI 里用得最多
func MHz(low, high float64) FrequencyRange {
	return FrequencyRange{LowHz: int64(low * 1e6), HighHz: int64(high * 1e6)}
}

// Position WGS84 经纬度 (度)
type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}
