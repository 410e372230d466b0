package systemmonitor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Octogonapus/PipelineBenchmark/report"
	"github.com/Octogonapus/PipelineBenchmark/target"
)

// Samples /proc on a Linux target while a pipeline stage runs.
type SystemMonitor interface {
	StartMonitoring() error
	StopMonitoring()
	WaitUntilStopped()
	GetSystemMeasurements() *report.SystemMeasurements
}

type systemMonitor struct {
	target   target.Target
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
	wg       *sync.WaitGroup
	sm       *report.SystemMeasurements
}

var DefaultInterval = 1 * time.Second
var maxJitter = 1 * time.Second

func NewSystemMonitor(target target.Target, interval time.Duration) SystemMonitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &systemMonitor{
		target:   target,
		interval: interval,
		stop:     make(chan struct{}),
		wg:       &sync.WaitGroup{},
		sm:       &report.SystemMeasurements{},
	}
}

func (mon *systemMonitor) StartMonitoring() error {
	// Fail early if the target has no procfs rather than logging a warning every interval
	_, err := mon.target.RunCommand("test -r /proc/stat")
	if err != nil {
		return err
	}

	mon.wg.Add(1)
	go mon.runMonitor()
	return nil
}

func (mon *systemMonitor) StopMonitoring() {
	mon.stopOnce.Do(func() { close(mon.stop) })
}

func (mon *systemMonitor) WaitUntilStopped() {
	mon.wg.Wait()
}

// Only safe to read once WaitUntilStopped has returned.
func (mon *systemMonitor) GetSystemMeasurements() *report.SystemMeasurements {
	return mon.sm
}

func (mon *systemMonitor) runMonitor() {
	defer mon.wg.Done()
	var prevCPU *cpuTimeStat
	lastWakeTime := time.Now()
	for {
		jitter := time.Since(lastWakeTime) - mon.interval
		if jitter > maxJitter {
			slog.Warn("SystemMonitor: jitter exceeded maximum", slog.Int64("jitterMs", jitter.Milliseconds()), slog.Int64("maxJitterMs", maxJitter.Milliseconds()))
		}
		lastWakeTime = time.Now()

		currCPU := parseCPUTimeStat(mon.runCommand("cat /proc/stat"))
		if prevCPU != nil && currCPU != nil {
			mon.appendCPUMetrics(time.Now(), currCPU, prevCPU)
		}
		prevCPU = currCPU

		mon.appendDiskIOMetrics(time.Now(), mon.runCommand("cat /proc/diskstats"))
		mon.appendMemoryMetrics(time.Now(), mon.runCommand("cat /proc/meminfo"))
		mon.appendNetworkMetrics(time.Now(), mon.runCommand("cat /proc/net/dev"))

		select {
		case <-mon.stop:
			slog.Debug("SystemMonitor: stopped")
			return
		case <-time.After(mon.interval):
		}
	}
}

func (mon *systemMonitor) runCommand(cmd string) []byte {
	buf, err := mon.target.RunCommand(cmd)
	if err != nil {
		slog.Warn("SystemMonitor: failed to run command", slog.String("command", cmd), slog.String("output", string(buf)), slog.String("error", err.Error()))
		return nil
	}
	return buf
}
