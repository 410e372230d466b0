package profile

import (
	"fmt"
	"log/slog"
	"path"

	"github.com/Octogonapus/PipelineBenchmark/target"
	"github.com/Octogonapus/PipelineBenchmark/util"
)

// Linux perf call-graph sampling.
type perf struct {
	target target.Target
}

func init() {
	RegisterProfiler(Perf, NewPerf)
}

func NewPerf(target target.Target) Profiler {
	return &perf{target: target}
}

func (p *perf) SetUp() error {
	out, err := p.target.RunCommand("command -v perf")
	if err != nil {
		slog.Error("perf: not installed", slog.String("command output", string(out)), slog.String("error", err.Error()))
		return fmt.Errorf("perf is not installed on %s: %w", p.target.Describe(), err)
	}
	return nil
}

func (p *perf) ProfileCommand(cmd string, resultDir string) ([]byte, string, error) {
	resultFile := path.Join(resultDir, "perf-"+util.Randstring(8)+".data")
	out, err := p.target.RunCommand(fmt.Sprintf("perf record -g -o %s -- sh -c %s", util.ShellQuote(resultFile), util.ShellQuote(cmd)))
	if err != nil {
		slog.Error("perf: recording failed", slog.String("command output", string(out)), slog.String("error", err.Error()))
		return out, "", fmt.Errorf("recording failed: %w", err)
	}
	return out, resultFile, nil
}
