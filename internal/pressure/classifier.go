package pressure

const mib = 1024 * 1024

// Thresholds holds two parallel ladders. A sample is classified on each and
// the higher result wins. A zero ModerateBytes disables the byte ladder.
type Thresholds struct {
	ModeratePercent float64
	HighPercent     float64
	CriticalPercent float64

	ModerateBytes uint64
	HighBytes     uint64
	CriticalBytes uint64

	// With an Increasing trend, a sample this close below the next step is
	// escalated one level. Zero disables escalation on that ladder.
	TrendMarginPercent float64
	TrendMarginBytes   uint64
}

// DefaultThresholds returns 40/60/80 percent and 100/200/300 MiB
func DefaultThresholds() Thresholds {
	return Thresholds{
		ModeratePercent:    40,
		HighPercent:        60,
		CriticalPercent:    80,
		ModerateBytes:      100 * mib,
		HighBytes:          200 * mib,
		CriticalBytes:      300 * mib,
		TrendMarginPercent: 5,
		TrendMarginBytes:   16 * mib,
	}
}

// Classify maps a sample and its trend onto a Level. It has no side effects.
func Classify(s Sample, trend Trend, t Thresholds) Level {
	increasing := trend == Increasing

	var percentMargin float64
	if increasing {
		percentMargin = t.TrendMarginPercent
	}
	level := ladder(s.UsagePercent(), [3]float64{t.ModeratePercent, t.HighPercent, t.CriticalPercent}, percentMargin)

	if t.ModerateBytes > 0 {
		var bytesMargin float64
		if increasing {
			bytesMargin = float64(t.TrendMarginBytes)
		}
		byBytes := ladder(float64(s.UsedBytes),
			[3]float64{float64(t.ModerateBytes), float64(t.HighBytes), float64(t.CriticalBytes)}, bytesMargin)
		if byBytes > level {
			level = byBytes
		}
	}

	return level
}

// ladder counts the steps value has reached, then escalates once if value is
// within margin of the next step.
func ladder(value float64, steps [3]float64, margin float64) Level {
	level := Low
	for i, step := range steps {
		if step > 0 && value >= step {
			level = Level(i + 1)
		}
	}
	if margin > 0 && level < Critical && steps[level] > 0 && value >= steps[level]-margin {
		level++
	}
	return level
}
