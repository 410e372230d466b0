package systemmonitor

import (
	"errors"
	"testing"
	"time"

	"github.com/Octogonapus/PipelineBenchmark/report"
	"github.com/Octogonapus/PipelineBenchmark/target/targettest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor() *systemMonitor {
	return NewSystemMonitor(targettest.New(), time.Millisecond).(*systemMonitor)
}

func TestParseCPUTimeStat(t *testing.T) {
	buf := []byte("cpu  100 5 50 800 10 1 2 3 0 0\ncpu0 50 2 25 400 5 0 1 1 0 0\nintr 12345\n")
	ts := parseCPUTimeStat(buf)
	require.NotNil(t, ts)
	assert.Equal(t, 100, ts.user)
	assert.Equal(t, 800, ts.idle)
	assert.Equal(t, 3, ts.steal)
	assert.Equal(t, 971, ts.totalCPUTime())

	assert.Nil(t, parseCPUTimeStat([]byte("intr 1\n")))
}

func TestAppendCPUMetrics(t *testing.T) {
	mon := newTestMonitor()
	prev := &cpuTimeStat{user: 100, system: 100, idle: 800}
	curr := &cpuTimeStat{user: 150, system: 125, idle: 825}
	mon.appendCPUMetrics(time.Unix(10, 0), curr, prev)

	require.Len(t, mon.sm.CpuUsageUser, 1)
	assert.InDelta(t, 50.0, mon.sm.CpuUsageUser[0].Value, 1e-9)
	assert.InDelta(t, 25.0, mon.sm.CpuUsageSystem[0].Value, 1e-9)
	assert.InDelta(t, 25.0, mon.sm.CpuUsageIdle[0].Value, 1e-9)
	assert.Equal(t, int64(10), mon.sm.CpuUsageIdle[0].Time)

	// counters that went backwards are ignored
	mon.appendCPUMetrics(time.Unix(11, 0), prev, curr)
	assert.Len(t, mon.sm.CpuUsageUser, 1)
}

func TestAppendMemoryMetrics(t *testing.T) {
	mon := newTestMonitor()
	buf := []byte(`MemTotal:        1000 kB
MemFree:          200 kB
MemAvailable:     600 kB
Buffers:          100 kB
Cached:           100 kB
SReclaimable:     100 kB
SwapCached:         0 kB
SwapTotal:        500 kB
SwapFree:         400 kB
HugePages_Total:    0
`)
	mon.appendMemoryMetrics(time.Unix(1, 0), buf)
	require.Len(t, mon.sm.MemUsedBytes, 1)
	assert.Equal(t, 500*1024, mon.sm.MemUsedBytes[0].Value)
	assert.InDelta(t, 50.0, mon.sm.MemUsedPct[0].Value, 1e-9)
	assert.Equal(t, 600*1024, mon.sm.MemAvailBytes[0].Value)
	assert.Equal(t, 100*1024, mon.sm.SwapUsedBytes[0].Value)

	mon.appendMemoryMetrics(time.Unix(2, 0), nil)
	assert.Len(t, mon.sm.MemUsedBytes, 1)
}

func TestAppendDiskIOMetrics(t *testing.T) {
	mon := newTestMonitor()
	buf := []byte("   8       0 sda 1000 10 2000 300 500 20 4000 600 0 700 900 0 0 0 0 10 5\n   7       0 loop0 1 0 2\n")
	mon.appendDiskIOMetrics(time.Unix(1, 0), buf)
	require.Len(t, mon.sm.DiskReadBytes, 1)
	assert.Equal(t, "sda", mon.sm.DiskReadBytes[0].DeviceName)
	assert.Equal(t, 2000*512, mon.sm.DiskReadBytes[0].Measurement.Value)
	assert.Equal(t, 4000*512, mon.sm.DiskWriteBytes[0].Measurement.Value)
	assert.Equal(t, 700, mon.sm.DiskIOTimeMs[0].Measurement.Value)
}

func TestAppendNetworkMetrics(t *testing.T) {
	mon := newTestMonitor()
	buf := []byte(`Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo:    1000      10    0    0    0     0          0         0     2000      20    0    0    0     0       0          0
  eth0:5000 50 0 0 0 0 0 0 6000 60 0 0 0 0 0 0
`)
	mon.appendNetworkMetrics(time.Unix(1, 0), buf)
	require.Len(t, mon.sm.NetBytesRecv, 2)
	assert.Equal(t, "lo", mon.sm.NetBytesRecv[0].DeviceName)
	assert.Equal(t, 1000, mon.sm.NetBytesRecv[0].Measurement.Value)
	assert.Equal(t, "eth0", mon.sm.NetBytesSent[1].DeviceName)
	assert.Equal(t, 6000, mon.sm.NetBytesSent[1].Measurement.Value)
}

func TestMonitorLifecycle(t *testing.T) {
	tgt := targettest.New().
		On("cat /proc/stat", "cpu  1 0 1 10 0 0 0 0 0 0\n", nil).
		On("cat /proc/meminfo", "MemTotal: 100 kB\nMemFree: 50 kB\n", nil)
	mon := NewSystemMonitor(tgt, time.Millisecond)
	require.NoError(t, mon.StartMonitoring())
	time.Sleep(20 * time.Millisecond)
	mon.StopMonitoring()
	mon.StopMonitoring()
	mon.WaitUntilStopped()

	var sm *report.SystemMeasurements = mon.GetSystemMeasurements()
	assert.NotEmpty(t, sm.MemUsedBytes)
	assert.NotEmpty(t, tgt.CommandsContaining("/proc/diskstats"))
}

func TestMonitorRequiresProcfs(t *testing.T) {
	tgt := targettest.New().On("test -r /proc/stat", "", errors.New("exit status 1"))
	mon := NewSystemMonitor(tgt, time.Millisecond)
	assert.Error(t, mon.StartMonitoring())
}
