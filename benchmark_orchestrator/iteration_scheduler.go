package benchmarkorchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/Octogonapus/PipelineBenchmark/catalog"
	"github.com/Octogonapus/PipelineBenchmark/environment"
	jobtable "github.com/Octogonapus/PipelineBenchmark/job_table"
	"github.com/Octogonapus/PipelineBenchmark/report"
	runlog "github.com/Octogonapus/PipelineBenchmark/run_log"
	sourceresolver "github.com/Octogonapus/PipelineBenchmark/source_resolver"
	stagerunner "github.com/Octogonapus/PipelineBenchmark/stage_runner"
	"github.com/Octogonapus/PipelineBenchmark/target"
	"github.com/Octogonapus/PipelineBenchmark/util"
	"github.com/google/uuid"
)

// Prefix of wrapping log lines written while scheduling.
const logOrigin = "benchmarkorchestrator.RunBenchmarks"

type IterationSchedulerInput struct {
	Target      target.Target
	Catalog     catalog.Catalog
	Profile     environment.Profile
	JobTable    *jobtable.JobTable
	NewRunner   stagerunner.Factory
	Host        stagerunner.HostEnvironment
	HostName    string
	WorkDir     string // absolute, on the target
	ScriptDir   string
	CleanUp     bool
	Quiet       bool
	MachineInfo *environment.MachineInfo // copied into the report

	// Summary logs read at once when aggregating. 1 by default.
	SummaryConcurrency int
}

type iterationScheduler struct {
	input      *IterationSchedulerInput
	log        *runlog.WrappingLog
	aggregator *report.Aggregator
}

func NewIterationScheduler(input *IterationSchedulerInput) (*iterationScheduler, error) {
	switch {
	case input.Target == nil:
		return nil, errors.New("scheduler needs a target")
	case input.Catalog == nil:
		return nil, errors.New("scheduler needs a catalog")
	case input.JobTable == nil:
		return nil, errors.New("scheduler needs a job table")
	case input.NewRunner == nil:
		return nil, errors.New("scheduler needs a stage runner factory")
	case input.HostName == "":
		return nil, errors.New("scheduler needs a host name")
	case !path.IsAbs(input.WorkDir):
		return nil, fmt.Errorf("work dir must be an absolute path, got %q", input.WorkDir)
	}
	wrapping, err := runlog.NewWrappingLog(input.Target, input.WorkDir, input.HostName, input.Quiet)
	if err != nil {
		return nil, err
	}
	return &iterationScheduler{
		input:      input,
		log:        wrapping,
		aggregator: report.NewAggregator(input.Target, input.SummaryConcurrency),
	}, nil
}

func (s *iterationScheduler) writeLog(msg string) {
	err := s.log.Write(msg)
	if err != nil {
		slog.Warn("failed to write wrapping log", slog.String("error", err.Error()))
	}
}

func (s *iterationScheduler) RunBenchmarks() (*Report, error) {
	rep := &Report{
		RunID:       uuid.NewString(),
		Host:        s.input.HostName,
		StartTime:   time.Now(),
		Profile:     s.input.Profile,
		MachineInfo: s.input.MachineInfo,
		DataSets:    []*report.DataSetReport{},
	}

	for _, spec := range s.input.JobTable.Specs() {
		dsRep, err := s.runDataSet(spec)
		if err != nil {
			s.writeLog(fmt.Sprintf("%s: Stopping benchmarks at data set \"%s\": %s", logOrigin, spec.DataSetName, err))
			rep.EndTime = time.Now()
			return rep, err
		}
		rep.DataSets = append(rep.DataSets, dsRep)
	}

	s.writeLog("Finished benchmarking on " + s.input.HostName + ".")
	rep.EndTime = time.Now()
	return rep, nil
}

func (s *iterationScheduler) dataSetDir(name string) string {
	return path.Join(s.input.WorkDir, name+"-"+s.input.HostName)
}

func (s *iterationScheduler) runDataSet(spec jobtable.RunSpec) (*report.DataSetReport, error) {
	// Resolve first so that a catalog miss leaves nothing behind
	res, err := sourceresolver.Resolve(s.input.Catalog, s.input.Profile, spec)
	if err != nil {
		return nil, fmt.Errorf("resolving sources of %s failed: %w", spec.DataSetName, err)
	}

	dir := s.dataSetDir(spec.DataSetName)
	out, err := s.input.Target.RunCommand("mkdir -p " + util.ShellQuote(dir))
	if err != nil {
		slog.Error("failed to create data set directory", slog.String("dir", dir), slog.String("command output", string(out)))
		return nil, fmt.Errorf("creating data set directory %s failed: %w", dir, err)
	}

	s.writeLog(fmt.Sprintf("%s: Beginning benchmark test(s) of data set \"%s\".\n%sPlanning to run %d iterations.",
		logOrigin, spec.DataSetName, strings.Repeat(" ", len(logOrigin)+2), spec.Iterations))
	slog.Info("starting data set", slog.String("name", spec.DataSetName), slog.Int("iterations", spec.Iterations))

	dsRep := &report.DataSetReport{
		Name:         spec.DataSetName,
		Stage:        string(spec.Stage),
		SkipDownload: spec.SkipDownload,
		ScriptSource: string(spec.ScriptSource),
		DataPath:     res.DataPath,
		Iterations:   []*report.IterationReport{},
	}

	for i := range spec.Iterations {
		s.writeLog(fmt.Sprintf("%s: Beginning iteration %d", logOrigin, i))
		h, itRep := s.runIteration(spec, res, dir, i)
		err = s.input.JobTable.Record(spec.DataSetName, h)
		if err != nil {
			return nil, err
		}
		if h.Status == jobtable.Failure {
			s.writeLog(fmt.Sprintf("%s: Iteration %d failed: %s", logOrigin, i, h.Error))
		}
		dsRep.Iterations = append(dsRep.Iterations, itRep)
	}

	s.summarize(spec.DataSetName, dsRep)
	return dsRep, nil
}

// Runs one iteration to completion. Failures are captured in the returned handle and never returned as errors.
func (s *iterationScheduler) runIteration(
	spec jobtable.RunSpec,
	res sourceresolver.Resolution,
	dataSetDir string,
	index int,
) (h jobtable.IterationHandle, itRep *report.IterationReport) {
	h = jobtable.IterationHandle{
		Index:   index,
		Status:  jobtable.Pending,
		WorkDir: path.Join(dataSetDir, fmt.Sprintf("%d-%s", index, time.Now().Format("2006_01_02T15_04_05"))),
	}
	itRep = &report.IterationReport{Index: index, WorkDir: h.WorkDir}
	start := time.Now()
	defer func() {
		h.Duration = time.Since(start)
		itRep.Status = string(h.Status)
		itRep.Error = h.Error
		itRep.ResultLogPath = h.ResultLogPath
		itRep.WallTimeSec = h.Duration.Seconds()
	}()

	r, err := s.input.NewRunner(&stagerunner.RunContext{
		ScriptDir:    s.input.ScriptDir,
		WorkDir:      h.WorkDir,
		Stage:        spec.Stage,
		CalSource:    res.CalScriptSource,
		ImSource:     res.ImScriptSource,
		DataPath:     res.DataPath,
		SkipDownload: spec.SkipDownload,
	})
	if err != nil {
		slog.Error("failed to create stage runner", slog.String("data set", spec.DataSetName), slog.Int("iteration", index), slog.String("error", err.Error()))
		h.Status = jobtable.Failure
		h.Error = (&stagerunner.RunFailure{Step: "creating runner", Err: err}).Error()
		return h, itRep
	}

	// Step errors are reflected in the runner's status
	if !spec.SkipDownload {
		_ = r.DownloadData()
	}
	_ = r.ExtractData()

	prior, ok := s.input.JobTable.Last(spec.DataSetName)
	if index > 0 && ok && prior.Status == jobtable.Normal {
		_ = r.UseOtherBmarkScripts(prior)
		itRep.ReusedScripts = true
	} else {
		_ = r.DoScriptExtraction()
	}

	if r.Status() != jobtable.Failure {
		_ = r.RunGuideScripts(s.input.Host)

		if s.input.CleanUp {
			err = r.EmptyCurrentWorkDir()
			if err != nil {
				slog.Warn("cleanup failed", slog.String("work dir", h.WorkDir), slog.String("error", err.Error()))
			}
			if !spec.SkipDownload {
				err = r.RemoveDownloadedArchive()
				if err != nil {
					slog.Warn("cleanup failed", slog.String("work dir", h.WorkDir), slog.String("error", err.Error()))
				}
			}
		}
	}

	h.Status = r.Status()
	h.ScriptsDir = r.ScriptsDir()
	if h.Status == jobtable.Normal {
		h.ResultLogPath = r.SummaryLogPath()
	} else if r.Err() != nil {
		h.Error = r.Err().Error()
	} else {
		h.Error = "iteration failed"
	}

	if rr, ok := r.(stagerunner.Reporter); ok {
		itRep.StageTimesSec = map[string]float64{}
		for stage, d := range rr.StageTimes() {
			itRep.StageTimesSec[stage] = d.Seconds()
		}
		itRep.SystemMeasurements = rr.Measurements()
		itRep.ProfilingResult = rr.ProfilingResult()
	}

	slog.Info("finished iteration",
		slog.String("data set", spec.DataSetName),
		slog.Int("iteration", index),
		slog.String("status", string(h.Status)),
	)
	return h, itRep
}

// Summarizes the normal iterations of a data set. Aggregation problems are recorded on the report only.
func (s *iterationScheduler) summarize(dataSet string, dsRep *report.DataSetReport) {
	logs := []string{}
	for _, h := range s.input.JobTable.Iterations(dataSet) {
		if h.Status == jobtable.Normal {
			logs = append(logs, h.ResultLogPath)
		}
	}

	summary, err := s.aggregator.Summarize(logs)
	if err != nil {
		if !errors.Is(err, report.ErrNoSamples) {
			slog.Error("failed to summarize data set", slog.String("data set", dataSet), slog.String("error", err.Error()))
		}
		dsRep.SummaryError = err.Error()
		return
	}
	dsRep.Summary = summary
}
