package stagerunner

import (
	"bytes"
	"errors"
	"path"
	"strings"
	"sync"
	"testing"

	jobtable "github.com/Octogonapus/PipelineBenchmark/job_table"
	"github.com/Octogonapus/PipelineBenchmark/report"
	"github.com/Octogonapus/PipelineBenchmark/target/targettest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu      sync.Mutex
	sources []string
	err     error
}

func (f *fakeFetcher) Fetch(source string, dstDir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources = append(f.sources, source)
	if f.err != nil {
		return "", f.err
	}
	return path.Join(dstDir, scriptName(source)), nil
}

func newRunner(t *testing.T, tgt *targettest.FakeTarget, fetcher *fakeFetcher, ctx *RunContext) StageRunner {
	t.Helper()
	factory, err := NewFactory(GuideScripts, &Dependencies{Target: tgt, Fetcher: fetcher}, nil)
	require.NoError(t, err)
	r, err := factory(ctx)
	require.NoError(t, err)
	return r
}

func remoteContext(workDir string) *RunContext {
	return &RunContext{
		WorkDir:   workDir,
		Stage:     jobtable.Both,
		CalSource: "https://guides.example.org/twhya/cal.py",
		ImSource:  "https://guides.example.org/twhya/im.py",
		DataPath:  "s3://bench/twhya/uncal.tgz",
	}
}

func TestNewFactory(t *testing.T) {
	_, err := NewFactory("slurm", &Dependencies{Target: targettest.New()}, nil)
	assert.Error(t, err)
	assert.Contains(t, ExplainStageRunners(), `"guide_scripts"`)

	_, err = NewFactory(GuideScripts, &Dependencies{Target: targettest.New()}, map[string]any{"Monitor": "yes"})
	assert.Error(t, err)

	_, err = NewFactory(GuideScripts, &Dependencies{}, nil)
	assert.Error(t, err)

	_, err = NewFactory(GuideScripts, &Dependencies{Target: targettest.New()}, map[string]any{"Monitor": true, "MonitorIntervalMs": 500})
	assert.NoError(t, err)
}

func TestFactoryCreatesIterationLayout(t *testing.T) {
	tgt := targettest.New()
	r := newRunner(t, tgt, &fakeFetcher{}, remoteContext("/w/ds-host/0"))
	assert.Equal(t, "/w/ds-host/0/scripts", r.ScriptsDir())
	assert.Equal(t, jobtable.Normal, r.Status())
	assert.Empty(t, r.SummaryLogPath())
	require.Len(t, tgt.CommandsContaining("mkdir -p"), 1)
	assert.Contains(t, tgt.Commands[0], "'/w/ds-host/0/raw' '/w/ds-host/0/data' '/w/ds-host/0/scripts'")

	failing := targettest.New().On("mkdir", "permission denied", errors.New("exit status 1"))
	factory, err := NewFactory(GuideScripts, &Dependencies{Target: failing}, nil)
	require.NoError(t, err)
	_, err = factory(remoteContext("/w/ds-host/0"))
	assert.Error(t, err)
}

func TestFullIteration(t *testing.T) {
	tgt := targettest.New()
	fetcher := &fakeFetcher{}
	r := newRunner(t, tgt, fetcher, remoteContext("/w/it0"))

	require.NoError(t, r.DownloadData())
	require.NoError(t, r.ExtractData())
	require.NoError(t, r.DoScriptExtraction())
	require.NoError(t, r.RunGuideScripts(HostEnvironment{Executable: "casa --nogui -c"}))

	assert.Equal(t, []string{
		"s3://bench/twhya/uncal.tgz",
		"https://guides.example.org/twhya/cal.py",
		"https://guides.example.org/twhya/im.py",
	}, fetcher.sources)
	assert.Len(t, tgt.CommandsContaining("tar -xf '/w/it0/raw/uncal.tgz' -C '/w/it0/data'"), 1)

	cal := tgt.CommandsContaining("cal.py")
	require.Len(t, cal, 1)
	assert.Equal(t, "cd '/w/it0/data' && casa --nogui -c '/w/it0/scripts/calibration/cal.py'", cal[0])
	assert.Len(t, tgt.CommandsContaining("'/w/it0/scripts/imaging/im.py'"), 1)

	assert.Equal(t, jobtable.Normal, r.Status())
	assert.NoError(t, r.Err())
	assert.Equal(t, "/w/it0/summary.log", r.SummaryLogPath())

	summary := string(tgt.Files["/w/it0/summary.log"])
	assert.Contains(t, summary, "Calibration time: ")
	assert.Contains(t, summary, "Imaging time: ")
	_, err := report.ParseTotalTime("/w/it0/summary.log", bytes.NewReader(tgt.Files["/w/it0/summary.log"]))
	assert.NoError(t, err)

	times := r.(Reporter).StageTimes()
	assert.Contains(t, times, "calibration")
	assert.Contains(t, times, "imaging")
	assert.Contains(t, tgt.Files, "/w/it0/calibration.out")

	require.NoError(t, r.EmptyCurrentWorkDir())
	require.NoError(t, r.RemoveDownloadedArchive())
	assert.Len(t, tgt.CommandsContaining("rm -rf '/w/it0/data' && mkdir -p '/w/it0/data'"), 1)
	assert.Len(t, tgt.CommandsContaining("rm -rf '/w/it0/raw'"), 1)
}

func TestSkipDownloadLinksLocalDirectory(t *testing.T) {
	tgt := targettest.New()
	fetcher := &fakeFetcher{}
	ctx := &RunContext{
		WorkDir:      "/w/it0",
		Stage:        jobtable.Imaging,
		ImSource:     "/lustre/naasc/guides/im.py",
		DataPath:     "/lustre/naasc/twhya/calibrated.ms/",
		SkipDownload: true,
	}
	r := newRunner(t, tgt, fetcher, ctx)

	require.NoError(t, r.DownloadData())
	require.NoError(t, r.ExtractData())
	require.NoError(t, r.DoScriptExtraction())
	assert.Empty(t, fetcher.sources)

	assert.Len(t, tgt.CommandsContaining("ln -s '/lustre/naasc/twhya/calibrated.ms' '/w/it0/data/calibrated.ms'"), 1)
	assert.Len(t, tgt.CommandsContaining("cp '/lustre/naasc/guides/im.py' '/w/it0/scripts/imaging/im.py'"), 1)

	require.NoError(t, r.RunGuideScripts(HostEnvironment{Executable: "casa -c"}))
	assert.Empty(t, tgt.CommandsContaining("calibration"))
	summary := string(tgt.Files["/w/it0/summary.log"])
	assert.NotContains(t, summary, "Calibration time")
	assert.True(t, strings.HasPrefix(summary, "Imaging time: "))
}

func TestFailedStepSkipsLaterSteps(t *testing.T) {
	tgt := targettest.New()
	fetcher := &fakeFetcher{err: errors.New("403 Forbidden")}
	r := newRunner(t, tgt, fetcher, remoteContext("/w/it0"))

	err := r.DownloadData()
	require.Error(t, err)
	assert.Equal(t, jobtable.Failure, r.Status())

	var failure *RunFailure
	require.ErrorAs(t, r.Err(), &failure)
	assert.Equal(t, "downloading data", failure.Step)

	assert.NoError(t, r.ExtractData())
	assert.NoError(t, r.DoScriptExtraction())
	assert.NoError(t, r.RunGuideScripts(HostEnvironment{Executable: "casa -c"}))
	assert.Empty(t, tgt.CommandsContaining("tar"))
	assert.Empty(t, tgt.CommandsContaining("casa"))
	assert.Len(t, fetcher.sources, 1)
	assert.Empty(t, r.SummaryLogPath())

	// Cleanup still runs after a failure
	assert.NoError(t, r.EmptyCurrentWorkDir())
	assert.Len(t, tgt.CommandsContaining("rm -rf"), 1)
}

func TestStageFailure(t *testing.T) {
	tgt := targettest.New().On("cal.py", "SEVERE: task failed", errors.New("exit status 1"))
	r := newRunner(t, tgt, &fakeFetcher{}, remoteContext("/w/it0"))

	require.NoError(t, r.DownloadData())
	require.NoError(t, r.ExtractData())
	require.NoError(t, r.DoScriptExtraction())
	require.Error(t, r.RunGuideScripts(HostEnvironment{Executable: "casa -c"}))

	var failure *RunFailure
	require.ErrorAs(t, r.Err(), &failure)
	assert.Equal(t, "running calibration script", failure.Step)
	assert.Empty(t, tgt.CommandsContaining("im.py"))
	assert.NotContains(t, tgt.Files, "/w/it0/summary.log")
	assert.Equal(t, "SEVERE: task failed", string(tgt.Files["/w/it0/calibration.out"]))
}

func TestMissingExecutable(t *testing.T) {
	r := newRunner(t, targettest.New(), &fakeFetcher{}, remoteContext("/w/it0"))
	require.NoError(t, r.DownloadData())
	assert.Error(t, r.RunGuideScripts(HostEnvironment{}))
	assert.Equal(t, jobtable.Failure, r.Status())
}

func TestUseOtherBmarkScripts(t *testing.T) {
	tgt := targettest.New()
	fetcher := &fakeFetcher{}
	r := newRunner(t, tgt, fetcher, remoteContext("/w/it1"))

	require.NoError(t, r.UseOtherBmarkScripts(jobtable.IterationHandle{Index: 0, Status: jobtable.Normal, ScriptsDir: "/w/it0/scripts"}))
	assert.Len(t, tgt.CommandsContaining("cp -R '/w/it0/scripts/.' '/w/it1/scripts/'"), 1)
	assert.Empty(t, fetcher.sources)

	require.NoError(t, r.RunGuideScripts(HostEnvironment{Executable: "casa -c"}))
	assert.Len(t, tgt.CommandsContaining("'/w/it1/scripts/calibration/cal.py'"), 1)

	r = newRunner(t, tgt, fetcher, remoteContext("/w/it2"))
	assert.Error(t, r.UseOtherBmarkScripts(jobtable.IterationHandle{Index: 1}))
	assert.Equal(t, jobtable.Failure, r.Status())
}

func TestCommandEnvironment(t *testing.T) {
	tgt := targettest.New()
	ctx := remoteContext("/w/it0")
	ctx.Stage = jobtable.Calibration
	ctx.ScriptDir = "/opt/bench"
	r := newRunner(t, tgt, &fakeFetcher{}, ctx)

	require.NoError(t, r.RunGuideScripts(HostEnvironment{
		Executable: "casa -c",
		Args:       []string{"--pipeline"},
		Env:        []string{"OMP_NUM_THREADS=4"},
	}))
	cmds := tgt.CommandsContaining("cal.py")
	require.Len(t, cmds, 1)
	assert.Equal(t, "cd '/w/it0/data' && env 'OMP_NUM_THREADS=4' 'BENCHMARK_SCRIPT_DIR=/opt/bench' casa -c '/w/it0/scripts/calibration/cal.py' '--pipeline'", cmds[0])
}

func TestIsArchive(t *testing.T) {
	assert.True(t, isArchive("/raw/uncal.tgz"))
	assert.True(t, isArchive("/raw/uncal.tar.gz"))
	assert.True(t, isArchive("/raw/uncal.tar"))
	assert.False(t, isArchive("/raw/uncal.ms"))
	assert.False(t, isArchive("/raw/uncal.ms/"))
}

func TestScriptArchivesAreUnpacked(t *testing.T) {
	tgt := targettest.New().
		On("find '/w/it0/scripts/calibration'", "/w/it0/scripts/calibration/twhya_cal.py\n", nil).
		On("find '/w/it0/scripts/imaging'", "/w/it0/scripts/imaging/twhya_im.py\n", nil)
	fetcher := &fakeFetcher{}
	ctx := remoteContext("/w/it0")
	ctx.CalSource = "https://guides.example.org/twhya/cal_scripts.tgz"
	ctx.ImSource = "/lustre/naasc/guides/im_scripts.tar.gz"
	r := newRunner(t, tgt, fetcher, ctx)

	require.NoError(t, r.DoScriptExtraction())
	assert.Len(t, tgt.CommandsContaining("tar -xf '/w/it0/scripts/calibration/cal_scripts.tgz' -C '/w/it0/scripts/calibration' && rm -f '/w/it0/scripts/calibration/cal_scripts.tgz'"), 1)
	assert.Len(t, tgt.CommandsContaining("mkdir -p '/w/it0/scripts/imaging' && tar -xf '/lustre/naasc/guides/im_scripts.tar.gz' -C '/w/it0/scripts/imaging'"), 1)
	assert.Empty(t, tgt.CommandsContaining("cp '/lustre"))

	require.NoError(t, r.RunGuideScripts(HostEnvironment{Executable: "casa -c"}))
	assert.Len(t, tgt.CommandsContaining("casa -c '/w/it0/scripts/calibration/twhya_cal.py'"), 1)
	assert.Len(t, tgt.CommandsContaining("casa -c '/w/it0/scripts/imaging/twhya_im.py'"), 1)
	assert.Empty(t, tgt.CommandsContaining("casa -c '/w/it0/scripts/calibration/cal_scripts.tgz'"))
	assert.Equal(t, jobtable.Normal, r.Status())
}

func TestScriptArchiveWithoutSingleScript(t *testing.T) {
	tgt := targettest.New().
		On("find '/w/it0/scripts/imaging'", "/w/it0/scripts/imaging/a.py\n/w/it0/scripts/imaging/b.py\n", nil)
	ctx := remoteContext("/w/it0")
	ctx.Stage = jobtable.Imaging
	ctx.ImSource = "https://guides.example.org/twhya/im_scripts.tgz"
	r := newRunner(t, tgt, &fakeFetcher{}, ctx)

	require.NoError(t, r.DoScriptExtraction())
	err := r.RunGuideScripts(HostEnvironment{Executable: "casa -c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one top-level .py script, found 2")
	assert.Equal(t, jobtable.Failure, r.Status())
	assert.Empty(t, tgt.CommandsContaining("casa -c"))
}
