package profile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Octogonapus/PipelineBenchmark/target"
)

type Profiler interface {
	// Check that the profiler can run on the target.
	SetUp() error

	// Run the command under the profiler, writing results into resultDir on the target. Returns the command's output
	// and the path of the profiling result on the target.
	ProfileCommand(cmd string, resultDir string) ([]byte, string, error)
}

type ProfilerKind string

const (
	None  ProfilerKind = "none"
	VTune ProfilerKind = "vtune"
	Perf  ProfilerKind = "perf"
)

type ProfilerFactory func(target.Target) Profiler

var allProfilers map[ProfilerKind]ProfilerFactory

func RegisterProfiler(kind ProfilerKind, factory ProfilerFactory) {
	if allProfilers == nil {
		allProfilers = map[ProfilerKind]ProfilerFactory{
			None: func(t target.Target) Profiler { panic("Profiler kind none is reserved and can't be created") },
		}
	}
	allProfilers[kind] = factory
}

func NewProfiler(kind ProfilerKind, target target.Target) (Profiler, error) {
	if kind == None {
		return nil, fmt.Errorf("Profiler kind none is reserved and can't be created")
	}

	factory, ok := allProfilers[kind]
	if !ok {
		return nil, fmt.Errorf("unknown profiler kind: %s", kind)
	}
	return factory(target), nil
}

func ExplainProfilers() string {
	kinds := make([]string, 0, len(allProfilers))
	for kind := range allProfilers {
		kinds = append(kinds, "\""+string(kind)+"\"")
	}
	sort.Strings(kinds)
	return strings.Join(kinds, ", ")
}
