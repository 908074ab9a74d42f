package telemetry

import "github.com/ppiankov/aegisforge/internal/model"

// Summarize reduces a series to its aggregate features. Counter metrics are
// cumulative, so their totals are the largest reading seen.
func Summarize(s Series) model.Summary {
	n := len(s.Samples)
	if n == 0 {
		return model.Summary{}
	}

	var sum model.Summary
	var cpuTotal, rssTotal, maxRead, maxWrite float64
	for _, smp := range s.Samples {
		cpuTotal += smp.CPUPercent
		rssTotal += smp.RSSBytes
		sum.MaxCPUPercent = max(sum.MaxCPUPercent, smp.CPUPercent)
		sum.MaxRSSBytes = max(sum.MaxRSSBytes, smp.RSSBytes)
		sum.Syscalls = max(sum.Syscalls, smp.Syscalls)
		maxRead = max(maxRead, smp.ReadBytes)
		maxWrite = max(maxWrite, smp.WriteBytes)
	}

	sum.Samples = n
	sum.AvgCPUPercent = cpuTotal / float64(n)
	sum.AvgRSSBytes = rssTotal / float64(n)
	sum.DurationMS = toMS(s.Samples[n-1].Offset)
	sum.IOBytes = maxRead + maxWrite
	return sum
}
