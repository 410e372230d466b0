package stagerunner

import (
	"fmt"
	"sort"
	"strings"
	"time"

	datafetcher "github.com/Octogonapus/PipelineBenchmark/data_fetcher"
	jobtable "github.com/Octogonapus/PipelineBenchmark/job_table"
	"github.com/Octogonapus/PipelineBenchmark/profile"
	"github.com/Octogonapus/PipelineBenchmark/report"
	"github.com/Octogonapus/PipelineBenchmark/target"
)

// Everything a runner needs to know about one iteration.
type RunContext struct {
	ScriptDir    string // helper scripts made available to the pipeline, may be empty
	WorkDir      string // this iteration's directory; owned by the runner
	Stage        jobtable.Stage
	CalSource    string
	ImSource     string
	DataPath     string
	SkipDownload bool
}

// How the pipeline software is invoked. Passed through to the runner untouched.
type HostEnvironment struct {
	Executable string   // command prefix, e.g. "casa --nologger --nogui -c"
	Args       []string // appended after the script path
	Env        []string // KEY=VALUE pairs
}

// Performs one iteration's steps. A runner starts in the normal status; once any step fails it moves to the failure
// status and every later step except cleanup does nothing.
type StageRunner interface {
	DownloadData() error
	ExtractData() error

	// Acquire fresh copies of the stage scripts.
	DoScriptExtraction() error

	// Take the scripts acquired by an earlier successful iteration instead of acquiring them again.
	UseOtherBmarkScripts(prior jobtable.IterationHandle) error

	// Execute the requested stages and write the summary log.
	RunGuideScripts(host HostEnvironment) error

	EmptyCurrentWorkDir() error
	RemoveDownloadedArchive() error

	Status() jobtable.Status
	SummaryLogPath() string
	ScriptsDir() string

	// The failure that moved the runner into the failure status, or nil.
	Err() error
}

// Implemented by runners that can report more than the summary log.
type Reporter interface {
	StageTimes() map[string]time.Duration
	Measurements() *report.SystemMeasurements
	ProfilingResult() string
}

type RunFailure struct {
	Step string
	Err  error
}

func (e *RunFailure) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *RunFailure) Unwrap() error {
	return e.Err
}

// Creates one runner per iteration.
type Factory func(*RunContext) (StageRunner, error)

// Shared machinery handed to every runner a factory creates.
type Dependencies struct {
	Target         target.Target
	Fetcher        datafetcher.DataFetcher
	ProfilerKind   profile.ProfilerKind
	ProfileSaveDir string // local directory profiling results are copied into
}

type runnerKind string

type factoryBuilder func(deps *Dependencies, options map[string]any) (Factory, error)

var runners map[runnerKind]factoryBuilder

// All runner kinds must register themselves at module load time so that they can be selected by name.
func RegisterStageRunner(kind string, b factoryBuilder) {
	if runners == nil {
		runners = map[runnerKind]factoryBuilder{}
	}
	runners[runnerKind(kind)] = b
}

func NewFactory(kind string, deps *Dependencies, options map[string]any) (Factory, error) {
	b, ok := runners[runnerKind(kind)]
	if !ok {
		return nil, fmt.Errorf("unknown stage runner: %s (expected one of %s)", kind, ExplainStageRunners())
	}
	return b(deps, options)
}

func ExplainStageRunners() string {
	names := []string{}
	for k := range runners {
		names = append(names, fmt.Sprintf("%q", k))
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
