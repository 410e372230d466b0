package systemmonitor

import (
	"strconv"
	"strings"
	"time"

	"github.com/Octogonapus/PipelineBenchmark/report"
)

// /proc/diskstats counts sectors of 512 bytes regardless of the device's real sector size.
const sectorBytes = 512

func (mon *systemMonitor) appendDiskIOMetrics(now time.Time, buf []byte) {
	for _, line := range strings.Split(string(buf), "\n") {
		parts := strings.Fields(line)
		if len(parts) < 14 {
			continue
		}
		device := parts[2]
		sectorsRead, _ := strconv.Atoi(parts[5])
		sectorsWritten, _ := strconv.Atoi(parts[9])
		ioTimeMs, _ := strconv.Atoi(parts[12])

		m := func(v int) report.DeviceMeasurement[int] {
			return report.DeviceMeasurement[int]{
				DeviceName:  device,
				Measurement: report.Measurement[int]{Time: now.Unix(), Value: v},
			}
		}
		mon.sm.DiskReadBytes = append(mon.sm.DiskReadBytes, m(sectorsRead*sectorBytes))
		mon.sm.DiskWriteBytes = append(mon.sm.DiskWriteBytes, m(sectorsWritten*sectorBytes))
		mon.sm.DiskIOTimeMs = append(mon.sm.DiskIOTimeMs, m(ioTimeMs))
	}
}
