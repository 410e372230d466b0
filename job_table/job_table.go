package jobtable

import (
	"fmt"
	"time"

	"github.com/Octogonapus/PipelineBenchmark/catalog"
	"github.com/hashicorp/go-version"
)

type Stage string

const (
	Calibration Stage = "calibration"
	Imaging     Stage = "imaging"
	Both        Stage = "both"
)

func ParseStage(s string) (Stage, error) {
	switch s {
	case "cal", "calibration":
		return Calibration, nil
	case "im", "imaging":
		return Imaging, nil
	case "both":
		return Both, nil
	default:
		return "", fmt.Errorf("stage must be one of \"cal\", \"im\" or \"both\", got %q", s)
	}
}

// Whether the stage includes running the calibration script.
func (s Stage) RunsCalibration() bool {
	return s == Calibration || s == Both
}

// Whether the stage includes running the imaging script.
func (s Stage) RunsImaging() bool {
	return s == Imaging || s == Both
}

type ScriptSource string

const (
	RemoteScripts ScriptSource = "remote"
	LocalScripts  ScriptSource = "local"
)

func ParseScriptSource(s string) (ScriptSource, error) {
	switch s {
	case "remote", "web":
		return RemoteScripts, nil
	case "local", "disk":
		return LocalScripts, nil
	default:
		return "", fmt.Errorf("script source must be one of \"remote\" or \"local\", got %q", s)
	}
}

// How one data set is benchmarked.
type RunSpec struct {
	DataSetName  string
	Iterations   int
	SkipDownload bool
	Stage        Stage
	ScriptSource ScriptSource
}

type Status string

const (
	Pending Status = "pending"
	Normal  Status = "normal"
	Failure Status = "failure"
)

// The outcome of one iteration. Handles are recorded once the iteration is over and never change afterwards.
type IterationHandle struct {
	Index         int
	Status        Status
	ResultLogPath string // only meaningful when Status is Normal
	WorkDir       string
	ScriptsDir    string
	Error         string // non-empty iff Status is Failure
	Duration      time.Duration
}

// Caller input, one entry per data set in every list.
type BuildInput struct {
	DataSets      []string
	Iterations    []int
	SkipDownloads []bool
	Stages        []string // empty means "both" for every data set
	ScriptSources []string

	// When set, every data set's catalog constraint must accept this version.
	SoftwareVersion string
}

type ConfigurationError struct {
	List string // the offending input list, if any
	Msg  string
}

func (e *ConfigurationError) Error() string {
	if e.List == "" {
		return "configuration error: " + e.Msg
	}
	return fmt.Sprintf("configuration error in %s: %s", e.List, e.Msg)
}

// Ordered collection of run specs and the iteration history recorded against them.
type JobTable struct {
	specs      []RunSpec
	iterations map[string][]IterationHandle
}

func Build(cat catalog.Catalog, in *BuildInput) (*JobTable, error) {
	n := len(in.DataSets)
	if n == 0 {
		return nil, &ConfigurationError{List: "DataSets", Msg: "at least one data set must be specified for benchmarking"}
	}

	stages := in.Stages
	if len(stages) == 0 {
		stages = make([]string, n)
		for i := range stages {
			stages[i] = string(Both)
		}
	}

	lengths := []struct {
		name string
		len  int
	}{
		{"Iterations", len(in.Iterations)},
		{"SkipDownloads", len(in.SkipDownloads)},
		{"Stages", len(stages)},
		{"ScriptSources", len(in.ScriptSources)},
	}
	for _, l := range lengths {
		if l.len != n {
			return nil, &ConfigurationError{
				List: l.name,
				Msg:  fmt.Sprintf("has %d entries but there are %d data sets", l.len, n),
			}
		}
	}

	var softwareVersion *version.Version
	if in.SoftwareVersion != "" {
		v, err := version.NewVersion(in.SoftwareVersion)
		if err != nil {
			return nil, &ConfigurationError{Msg: fmt.Sprintf("can't parse software version %q: %v", in.SoftwareVersion, err)}
		}
		softwareVersion = v
	}

	specs := make([]RunSpec, 0, n)
	seen := map[string]bool{}
	for i, name := range in.DataSets {
		if seen[name] {
			return nil, &ConfigurationError{List: "DataSets", Msg: fmt.Sprintf("data set %q is listed more than once", name)}
		}
		seen[name] = true

		entry, err := cat.Entry(name)
		if err != nil {
			return nil, err
		}
		if softwareVersion != nil {
			ok, err := entry.SupportsVersion(softwareVersion)
			if err != nil {
				return nil, &ConfigurationError{List: "DataSets", Msg: err.Error()}
			}
			if !ok {
				return nil, &ConfigurationError{
					List: "DataSets",
					Msg:  fmt.Sprintf("data set %q does not support software version %s", name, softwareVersion),
				}
			}
		}

		if in.Iterations[i] < 0 {
			return nil, &ConfigurationError{List: "Iterations", Msg: fmt.Sprintf("iteration count for %q must not be negative", name)}
		}
		stage, err := ParseStage(stages[i])
		if err != nil {
			return nil, &ConfigurationError{List: "Stages", Msg: err.Error()}
		}
		source, err := ParseScriptSource(in.ScriptSources[i])
		if err != nil {
			return nil, &ConfigurationError{List: "ScriptSources", Msg: err.Error()}
		}

		specs = append(specs, RunSpec{
			DataSetName:  name,
			Iterations:   in.Iterations[i],
			SkipDownload: in.SkipDownloads[i],
			Stage:        stage,
			ScriptSource: source,
		})
	}

	jt := &JobTable{specs: specs, iterations: map[string][]IterationHandle{}}
	for _, s := range specs {
		jt.iterations[s.DataSetName] = []IterationHandle{}
	}
	return jt, nil
}

// Run specs in execution order.
func (jt *JobTable) Specs() []RunSpec {
	out := make([]RunSpec, len(jt.specs))
	copy(out, jt.specs)
	return out
}

// A copy of the recorded iterations of the data set, in index order.
func (jt *JobTable) Iterations(dataSet string) []IterationHandle {
	its := jt.iterations[dataSet]
	out := make([]IterationHandle, len(its))
	copy(out, its)
	return out
}

// The most recently recorded iteration of the data set, if any.
func (jt *JobTable) Last(dataSet string) (IterationHandle, bool) {
	its := jt.iterations[dataSet]
	if len(its) == 0 {
		return IterationHandle{}, false
	}
	return its[len(its)-1], true
}

// Appends a finished iteration. Handles must be recorded in index order and must not be pending.
func (jt *JobTable) Record(dataSet string, h IterationHandle) error {
	its, ok := jt.iterations[dataSet]
	if !ok {
		return fmt.Errorf("data set %q is not in the job table", dataSet)
	}
	if h.Index != len(its) {
		return fmt.Errorf("iteration %d of %q recorded out of order, expected %d", h.Index, dataSet, len(its))
	}
	if h.Status == Pending {
		return fmt.Errorf("iteration %d of %q recorded while still pending", h.Index, dataSet)
	}
	jt.iterations[dataSet] = append(its, h)
	return nil
}
