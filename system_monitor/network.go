package systemmonitor

import (
	"strconv"
	"strings"
	"time"

	"github.com/Octogonapus/PipelineBenchmark/report"
)

func (mon *systemMonitor) appendNetworkMetrics(now time.Time, buf []byte) {
	for _, line := range strings.Split(string(buf), "\n") {
		// "  eth0: 123 4 ..." and "eth0:123 4 ..." are both valid
		iface, counters, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		parts := strings.Fields(counters)
		if len(parts) != 16 {
			continue
		}
		iface = strings.TrimSpace(iface)
		recvBytes, _ := strconv.Atoi(parts[0])
		sendBytes, _ := strconv.Atoi(parts[8])

		mon.sm.NetBytesRecv = append(mon.sm.NetBytesRecv, report.DeviceMeasurement[int]{
			DeviceName:  iface,
			Measurement: report.Measurement[int]{Time: now.Unix(), Value: recvBytes},
		})
		mon.sm.NetBytesSent = append(mon.sm.NetBytesSent, report.DeviceMeasurement[int]{
			DeviceName:  iface,
			Measurement: report.Measurement[int]{Time: now.Unix(), Value: sendBytes},
		})
	}
}
