package stagerunner

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	datafetcher "github.com/Octogonapus/PipelineBenchmark/data_fetcher"
	jobtable "github.com/Octogonapus/PipelineBenchmark/job_table"
	"github.com/Octogonapus/PipelineBenchmark/profile"
	"github.com/Octogonapus/PipelineBenchmark/report"
	systemmonitor "github.com/Octogonapus/PipelineBenchmark/system_monitor"
	"github.com/Octogonapus/PipelineBenchmark/util"
	"github.com/mitchellh/mapstructure"
)

const GuideScripts = "guide_scripts"

// Iteration directory layout.
const (
	rawDirName     = "raw"
	dataDirName    = "data"
	scriptsDirName = "scripts"
)

type GuideScriptsInput struct {
	Monitor           bool   // sample /proc while stages run
	MonitorIntervalMs int    // defaults to systemmonitor.DefaultInterval
	SummaryLogName    string // defaults to "summary.log"
}

type stageScript struct {
	name   string // "calibration" or "imaging"
	label  string // prefix of the summary log line
	source string
}

type guideScriptsRunner struct {
	ctx   *RunContext
	deps  *Dependencies
	input *GuideScriptsInput
	prof  profile.Profiler

	status          jobtable.Status
	err             error
	archivePath     string
	summaryLogPath  string
	stageTimes      map[string]time.Duration
	sm              *report.SystemMeasurements
	profilingResult []string
}

func init() {
	RegisterStageRunner(GuideScripts, func(deps *Dependencies, options map[string]any) (Factory, error) {
		input := &GuideScriptsInput{}
		err := mapstructure.Decode(options, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert options to GuideScriptsInput: %w", err)
		}
		return NewGuideScriptsFactory(deps, input)
	})
}

// Returns a factory for runners that execute the stage scripts through deps.Target. The profiler, if any, is set up
// once here and shared by every runner.
func NewGuideScriptsFactory(deps *Dependencies, input *GuideScriptsInput) (Factory, error) {
	if deps == nil || deps.Target == nil {
		return nil, errors.New("guide script runner needs a target")
	}
	if input == nil {
		input = &GuideScriptsInput{}
	}
	if input.SummaryLogName == "" {
		input.SummaryLogName = "summary.log"
	}

	var prof profile.Profiler
	if deps.ProfilerKind != "" && deps.ProfilerKind != profile.None {
		var err error
		prof, err = profile.NewProfiler(deps.ProfilerKind, deps.Target)
		if err != nil {
			return nil, fmt.Errorf("creating profiler failed: %w", err)
		}
		err = prof.SetUp()
		if err != nil {
			return nil, fmt.Errorf("setting up Profiler failed: %w", err)
		}
	}

	return func(ctx *RunContext) (StageRunner, error) {
		r := &guideScriptsRunner{
			ctx:        ctx,
			deps:       deps,
			input:      input,
			prof:       prof,
			status:     jobtable.Normal,
			stageTimes: map[string]time.Duration{},
		}
		out, err := deps.Target.RunCommand(fmt.Sprintf("mkdir -p %s %s %s",
			util.ShellQuote(r.rawDir()), util.ShellQuote(r.dataDir()), util.ShellQuote(r.ScriptsDir())))
		if err != nil {
			slog.Error("failed to create iteration directory", slog.String("command output", string(out)), slog.String("error", err.Error()))
			return nil, fmt.Errorf("creating iteration directory %s failed: %w", ctx.WorkDir, err)
		}
		return r, nil
	}, nil
}

func (r *guideScriptsRunner) rawDir() string  { return path.Join(r.ctx.WorkDir, rawDirName) }
func (r *guideScriptsRunner) dataDir() string { return path.Join(r.ctx.WorkDir, dataDirName) }

func (r *guideScriptsRunner) ScriptsDir() string {
	return path.Join(r.ctx.WorkDir, scriptsDirName)
}

func (r *guideScriptsRunner) Status() jobtable.Status { return r.status }
func (r *guideScriptsRunner) Err() error              { return r.err }
func (r *guideScriptsRunner) SummaryLogPath() string  { return r.summaryLogPath }

func (r *guideScriptsRunner) StageTimes() map[string]time.Duration {
	return r.stageTimes
}

func (r *guideScriptsRunner) Measurements() *report.SystemMeasurements {
	return r.sm
}

func (r *guideScriptsRunner) ProfilingResult() string {
	return strings.Join(r.profilingResult, ", ")
}

func (r *guideScriptsRunner) failed() bool {
	return r.status == jobtable.Failure
}

func (r *guideScriptsRunner) fail(step string, err error) error {
	r.status = jobtable.Failure
	r.err = &RunFailure{Step: step, Err: err}
	slog.Error("iteration step failed", slog.String("step", step), slog.String("work dir", r.ctx.WorkDir), slog.String("error", err.Error()))
	return r.err
}

func (r *guideScriptsRunner) run(step string, cmd string) error {
	slog.Debug("running command", slog.String("step", step), slog.String("command", cmd))
	out, err := r.deps.Target.RunCommand(cmd)
	if err != nil {
		slog.Debug("command failed", slog.String("step", step), slog.String("command output", string(out)))
		return r.fail(step, err)
	}
	return nil
}

func (r *guideScriptsRunner) stages() []stageScript {
	stages := []stageScript{}
	if r.ctx.Stage.RunsCalibration() {
		stages = append(stages, stageScript{name: "calibration", label: "Calibration", source: r.ctx.CalSource})
	}
	if r.ctx.Stage.RunsImaging() {
		stages = append(stages, stageScript{name: "imaging", label: "Imaging", source: r.ctx.ImSource})
	}
	return stages
}

// Where a stage's script lives once acquired. Derived from the source alone so that reused scripts are found at the
// same relative location.
func (r *guideScriptsRunner) scriptPath(st stageScript) string {
	return path.Join(r.ScriptsDir(), st.name, scriptName(st.source))
}

func scriptName(source string) string {
	name, _, _ := strings.Cut(source, "?")
	return path.Base(strings.TrimSuffix(name, "/"))
}

func isArchive(p string) bool {
	for _, ext := range []string{".tar", ".tar.gz", ".tgz", ".tar.bz2", ".tbz2", ".tar.xz", ".txz"} {
		if strings.HasSuffix(p, ext) {
			return true
		}
	}
	return false
}

func (r *guideScriptsRunner) DownloadData() error {
	if r.failed() || r.ctx.SkipDownload {
		return nil
	}
	if r.deps.Fetcher == nil {
		return r.fail("downloading data", errors.New("no data fetcher configured"))
	}
	dst, err := r.deps.Fetcher.Fetch(r.ctx.DataPath, r.rawDir())
	if err != nil {
		return r.fail("downloading data", err)
	}
	r.archivePath = dst
	return nil
}

func (r *guideScriptsRunner) ExtractData() error {
	if r.failed() {
		return nil
	}
	src := r.ctx.DataPath
	if !r.ctx.SkipDownload {
		if r.archivePath == "" {
			return r.fail("extracting data", errors.New("no data was downloaded"))
		}
		src = r.archivePath
	}

	if isArchive(src) {
		return r.run("extracting data", fmt.Sprintf("tar -xf %s -C %s", util.ShellQuote(src), util.ShellQuote(r.dataDir())))
	}
	// Directories (measurement sets, S3 prefixes) are linked rather than copied
	src = strings.TrimSuffix(src, "/")
	return r.run("extracting data", fmt.Sprintf("ln -s %s %s",
		util.ShellQuote(src), util.ShellQuote(path.Join(r.dataDir(), path.Base(src)))))
}

func (r *guideScriptsRunner) DoScriptExtraction() error {
	if r.failed() {
		return nil
	}
	for _, st := range r.stages() {
		if st.source == "" {
			return r.fail("acquiring scripts", fmt.Errorf("no %s script source", st.name))
		}
		dir := path.Join(r.ScriptsDir(), st.name)
		archive := isArchive(scriptName(st.source))
		if _, err := datafetcher.KindOf(st.source); err == nil {
			if r.deps.Fetcher == nil {
				return r.fail("acquiring scripts", errors.New("no data fetcher configured"))
			}
			fetched, err := r.deps.Fetcher.Fetch(st.source, dir)
			if err != nil {
				return r.fail("acquiring scripts", err)
			}
			if archive {
				err = r.run("unpacking scripts", fmt.Sprintf("tar -xf %s -C %s && rm -f %s",
					util.ShellQuote(fetched), util.ShellQuote(dir), util.ShellQuote(fetched)))
				if err != nil {
					return err
				}
			}
			continue
		}
		cmd := fmt.Sprintf("mkdir -p %s && cp %s %s",
			util.ShellQuote(dir), util.ShellQuote(st.source), util.ShellQuote(r.scriptPath(st)))
		if archive {
			cmd = fmt.Sprintf("mkdir -p %s && tar -xf %s -C %s",
				util.ShellQuote(dir), util.ShellQuote(st.source), util.ShellQuote(dir))
		}
		err := r.run("acquiring scripts", cmd)
		if err != nil {
			return err
		}
	}
	return nil
}

// Path of the script a stage runs. A script archive must unpack to exactly one top-level .py file.
func (r *guideScriptsRunner) stageScriptPath(st stageScript) (string, error) {
	if !isArchive(scriptName(st.source)) {
		return r.scriptPath(st), nil
	}
	dir := path.Join(r.ScriptsDir(), st.name)
	out, err := r.deps.Target.RunCommand(fmt.Sprintf("find %s -maxdepth 1 -type f -name '*.py'", util.ShellQuote(dir)))
	if err != nil {
		return "", fmt.Errorf("listing unpacked %s scripts failed: %w", st.name, err)
	}
	scripts := []string{}
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			scripts = append(scripts, line)
		}
	}
	if len(scripts) != 1 {
		return "", fmt.Errorf("%s script archive %s must contain exactly one top-level .py script, found %d", st.name, st.source, len(scripts))
	}
	return scripts[0], nil
}

func (r *guideScriptsRunner) UseOtherBmarkScripts(prior jobtable.IterationHandle) error {
	if r.failed() {
		return nil
	}
	if prior.ScriptsDir == "" {
		return r.fail("reusing scripts", fmt.Errorf("iteration %d recorded no scripts directory", prior.Index))
	}
	slog.Debug("reusing scripts", slog.Int("from iteration", prior.Index), slog.String("scripts dir", prior.ScriptsDir))
	return r.run("reusing scripts", fmt.Sprintf("cp -R %s %s",
		util.ShellQuote(strings.TrimSuffix(prior.ScriptsDir, "/")+"/."), util.ShellQuote(r.ScriptsDir()+"/")))
}

func (r *guideScriptsRunner) command(host HostEnvironment, script string) string {
	parts := []string{"cd", util.ShellQuote(r.dataDir()), "&&"}
	env := append([]string{}, host.Env...)
	if r.ctx.ScriptDir != "" {
		env = append(env, "BENCHMARK_SCRIPT_DIR="+r.ctx.ScriptDir)
	}
	if len(env) > 0 {
		parts = append(parts, "env")
		for _, e := range env {
			parts = append(parts, util.ShellQuote(e))
		}
	}
	parts = append(parts, host.Executable, util.ShellQuote(script))
	for _, a := range host.Args {
		parts = append(parts, util.ShellQuote(a))
	}
	return strings.Join(parts, " ")
}

func (r *guideScriptsRunner) RunGuideScripts(host HostEnvironment) error {
	if r.failed() {
		return nil
	}
	if host.Executable == "" {
		return r.fail("running scripts", errors.New("no pipeline executable configured"))
	}

	if r.input.Monitor {
		sm := systemmonitor.NewSystemMonitor(r.deps.Target, time.Duration(r.input.MonitorIntervalMs)*time.Millisecond)
		err := sm.StartMonitoring()
		if err != nil {
			slog.Warn("system monitor unavailable, continuing without it", slog.String("error", err.Error()))
		} else {
			defer func() {
				sm.StopMonitoring()
				sm.WaitUntilStopped()
				r.sm = sm.GetSystemMeasurements()
			}()
		}
	}

	lines := []string{}
	total := time.Duration(0)
	for _, st := range r.stages() {
		elapsed, err := r.runStage(host, st)
		if err != nil {
			return r.fail("running "+st.name+" script", err)
		}
		r.stageTimes[st.name] = elapsed
		total += elapsed
		lines = append(lines, fmt.Sprintf("%s time: %.3f sec", st.label, elapsed.Seconds()))
	}
	lines = append(lines, fmt.Sprintf("%s%.3f sec", report.TotalTimeMarker, total.Seconds()))

	summaryLogPath := path.Join(r.ctx.WorkDir, r.input.SummaryLogName)
	err := r.deps.Target.CopyFileTo(strings.NewReader(strings.Join(lines, "\n")+"\n"), summaryLogPath)
	if err != nil {
		return r.fail("writing summary log", err)
	}
	r.summaryLogPath = summaryLogPath
	slog.Info("finished stages", slog.String("work dir", r.ctx.WorkDir), slog.Float64("total time sec", total.Seconds()))
	return nil
}

func (r *guideScriptsRunner) runStage(host HostEnvironment, st stageScript) (time.Duration, error) {
	script, err := r.stageScriptPath(st)
	if err != nil {
		return 0, err
	}
	cmd := r.command(host, script)
	slog.Info("starting stage", slog.String("stage", st.name), slog.String("work dir", r.ctx.WorkDir))
	slog.Debug("stage command", slog.String("stage", st.name), slog.String("command", cmd))

	var out []byte
	var resultPath string
	start := time.Now()
	if r.prof != nil {
		out, resultPath, err = r.prof.ProfileCommand(cmd, r.ctx.WorkDir)
	} else {
		out, err = r.deps.Target.RunCommand(cmd)
	}
	elapsed := time.Since(start)

	outPath := path.Join(r.ctx.WorkDir, st.name+".out")
	if copyErr := r.deps.Target.CopyFileTo(strings.NewReader(string(out)), outPath); copyErr != nil {
		slog.Warn("failed to save stage output", slog.String("path", outPath), slog.String("error", copyErr.Error()))
	}
	if err != nil {
		slog.Error("stage failed", slog.String("stage", st.name), slog.String("output", util.LastNonEmptyLine(out)), slog.String("error", err.Error()))
		return elapsed, err
	}

	if resultPath != "" {
		saved, err := r.saveProfilingResult(st, resultPath)
		if err != nil {
			return elapsed, err
		}
		r.profilingResult = append(r.profilingResult, saved)
	}
	return elapsed, nil
}

// Copies a profiling result off the target. Without a save directory the result stays where the profiler put it.
func (r *guideScriptsRunner) saveProfilingResult(st stageScript, remoteResultPath string) (string, error) {
	if r.deps.ProfileSaveDir == "" {
		return remoteResultPath, nil
	}
	localResultPath := path.Join(r.deps.ProfileSaveDir, path.Base(r.ctx.WorkDir)+"-"+st.name+"-"+path.Base(remoteResultPath))
	localResultFile, err := os.OpenFile(localResultPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to open local result path for writing: %w", err)
	}
	defer localResultFile.Close()
	err = r.deps.Target.CopyFileFrom(remoteResultPath, localResultFile)
	if err != nil {
		return "", fmt.Errorf("failed to copy profiling result: %w", err)
	}
	return localResultPath, nil
}

// Cleanup runs regardless of status and never changes it.
func (r *guideScriptsRunner) EmptyCurrentWorkDir() error {
	dir := util.ShellQuote(r.dataDir())
	out, err := r.deps.Target.RunCommand(fmt.Sprintf("rm -rf %s && mkdir -p %s", dir, dir))
	if err != nil {
		slog.Warn("failed to empty work dir", slog.String("command output", string(out)), slog.String("error", err.Error()))
		return fmt.Errorf("emptying %s failed: %w", r.dataDir(), err)
	}
	return nil
}

func (r *guideScriptsRunner) RemoveDownloadedArchive() error {
	out, err := r.deps.Target.RunCommand(fmt.Sprintf("rm -rf %s", util.ShellQuote(r.rawDir())))
	if err != nil {
		slog.Warn("failed to remove downloaded data", slog.String("command output", string(out)), slog.String("error", err.Error()))
		return fmt.Errorf("removing %s failed: %w", r.rawDir(), err)
	}
	r.archivePath = ""
	return nil
}
