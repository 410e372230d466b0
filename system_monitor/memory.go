package systemmonitor

import (
	"strconv"
	"strings"
	"time"

	"github.com/Octogonapus/PipelineBenchmark/report"
)

func (mon *systemMonitor) appendMemoryMetrics(now time.Time, buf []byte) {
	if len(buf) == 0 {
		return
	}

	fields := map[string]int{}
	for _, line := range strings.Split(string(buf), "\n") {
		parts := strings.Fields(line)
		if len(parts) != 3 || parts[2] != "kB" {
			continue
		}
		value, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		fields[strings.TrimSuffix(parts[0], ":")] = value * 1024
	}

	total := fields["MemTotal"]
	if total == 0 {
		return
	}
	cached := fields["Cached"] + fields["SReclaimable"]
	used := total - fields["MemFree"] - fields["Buffers"] - cached
	swapUsed := fields["SwapTotal"] - fields["SwapFree"] - fields["SwapCached"]

	mon.sm.MemUsedBytes = append(mon.sm.MemUsedBytes, report.Measurement[int]{Time: now.Unix(), Value: used})
	mon.sm.MemUsedPct = append(mon.sm.MemUsedPct, report.Measurement[float64]{Time: now.Unix(), Value: 100 * float64(used) / float64(total)})
	mon.sm.MemAvailBytes = append(mon.sm.MemAvailBytes, report.Measurement[int]{Time: now.Unix(), Value: fields["MemAvailable"]})
	mon.sm.SwapUsedBytes = append(mon.sm.SwapUsedBytes, report.Measurement[int]{Time: now.Unix(), Value: swapUsed})
}
