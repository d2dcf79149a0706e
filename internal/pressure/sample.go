package pressure

import "time"

// Usage is one reading from a telemetry source, in bytes
type Usage struct {
	Used  uint64 `json:"used"`
	Total uint64 `json:"total"`
	Limit uint64 `json:"limit"`
}

// Sample is an immutable, timestamped Usage
type Sample struct {
	UsedBytes  uint64    `json:"used_bytes"`
	TotalBytes uint64    `json:"total_bytes"`
	LimitBytes uint64    `json:"limit_bytes"`
	CapturedAt time.Time `json:"captured_at"`
}

// NewSample stamps a Usage with the capture time
func NewSample(u Usage, at time.Time) Sample {
	return Sample{
		UsedBytes:  u.Used,
		TotalBytes: u.Total,
		LimitBytes: u.Limit,
		CapturedAt: at,
	}
}

// UsagePercent returns used/limit in percent, or 0 when no limit is known
func (s Sample) UsagePercent() float64 {
	if s.LimitBytes == 0 {
		return 0
	}
	return float64(s.UsedBytes) / float64(s.LimitBytes) * 100
}
