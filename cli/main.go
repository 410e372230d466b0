package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	benchmarkorchestrator "github.com/Octogonapus/PipelineBenchmark/benchmark_orchestrator"
	"github.com/Octogonapus/PipelineBenchmark/catalog"
	datafetcher "github.com/Octogonapus/PipelineBenchmark/data_fetcher"
	ec2host "github.com/Octogonapus/PipelineBenchmark/ec2_host"
	"github.com/Octogonapus/PipelineBenchmark/environment"
	jobtable "github.com/Octogonapus/PipelineBenchmark/job_table"
	"github.com/Octogonapus/PipelineBenchmark/profile"
	resultsstore "github.com/Octogonapus/PipelineBenchmark/results_store"
	runlog "github.com/Octogonapus/PipelineBenchmark/run_log"
	stagerunner "github.com/Octogonapus/PipelineBenchmark/stage_runner"
	systemmonitor "github.com/Octogonapus/PipelineBenchmark/system_monitor"
	"github.com/Octogonapus/PipelineBenchmark/target"
	"github.com/Octogonapus/PipelineBenchmark/util"
	"github.com/aws/aws-sdk-go-v2/config"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

func main() {
	dataSets := stringList{}
	flag.Var(&dataSets, "dataset", "A data set to benchmark. Can be used multiple times; at least one is required.")
	iterations := intList{}
	flag.Var(&iterations, "iterations", "How many times to run the matching data set. Give once per -dataset.")
	skipDownloads := boolList{}
	flag.Var(&skipDownloads, "skip-download", "Use the data set's local copy instead of downloading it (true or false). Give once per -dataset.")
	stages := stringList{}
	flag.Var(&stages, "stage", "Which stages of the matching data set to run: cal, im, or both. Give once per -dataset, or never to run both stages everywhere.")
	scriptSources := stringList{}
	flag.Var(&scriptSources, "scripts-source", "Where the matching data set's scripts come from: remote or local. Give once per -dataset.")
	catalogFiles := stringList{}
	flag.Var(&catalogFiles, "catalog", "A data set catalog file (YAML or JSON). Can be used multiple times; at least one is required.")
	envVars := stringList{}
	flag.Var(&envVars, "env", "A KEY=VALUE pair set in the environment of every stage script. Can be used multiple times.")

	workDir := flag.String("work-dir", "", "Absolute path of an existing directory on the benchmark host where all results are written.")
	quiet := flag.Bool("quiet", false, "Don't echo progress messages to the terminal. They are always written to the wrapping log.")
	cleanUp := flag.Bool("clean-up", false, "Remove extracted data and downloads after each iteration to conserve disk space.")
	listDataSets := flag.Bool("list-data-sets", false, "Print the data sets known to the catalog and exit.")
	scriptDir := flag.String("script-dir", "", "A directory of helper scripts exported to stage scripts as BENCHMARK_SCRIPT_DIR.")
	executable := flag.String("executable", "casa --nologger --nogui -c", "The command that runs a stage script. The script path is appended.")
	softwareName := flag.String("software-name", "CASA", "The name of the pipeline software, for the machine info log.")
	softwareVersion := flag.String("software-version", "", "The pipeline software version. Checked against each data set's supported versions when set.")
	softwareRevision := flag.String("software-revision", "", "The pipeline software revision, for the machine info log.")
	storagePath := flag.String("storage-path", environment.DefaultPrivilegedStoragePath, "The privileged storage mount whose presence selects local data copies.")
	runner := flag.String("runner", stagerunner.GuideScripts, fmt.Sprintf("The stage runner. Must be one of: %s.", stagerunner.ExplainStageRunners()))
	runnerOpts := flag.String("runner-options", "", "Stage runner options as a JSON object.")
	profiler := flag.String("profiler", "none", fmt.Sprintf("The type of profiler to wrap stage scripts with. Must be one of: %s.", profile.ExplainProfilers()))
	profileSaveDir := flag.String("profile-dir", ".", "Save profiling results into this directory.")
	monitor := flag.Bool("monitor", false, "Sample CPU, memory, disk, and network usage while stages run.")
	monitorInterval := flag.Duration("monitor-interval", systemmonitor.DefaultInterval, "How often to sample when -monitor is set.")
	downloadConcurrency := flag.Int("download-concurrency", 8, "How many S3 objects to download at once.")
	resultsDB := flag.String("results-db", "", "Also save the report into this SQLite database.")
	reportPath := flag.String("report", "report.json", "Write the JSON report to this local path.")
	ec2InstanceType := flag.String("ec2-instance-type", "", "Provision an EC2 instance of this type and benchmark on it instead of this machine.")
	ec2AMI := flag.String("ec2-ami", ec2host.DefaultImageID, "The image used for -ec2-instance-type. The pipeline software must be installed on it.")
	sshHost := flag.String("ssh-host", "", "Benchmark on an existing host, given as user@host[:port].")
	sshKey := flag.String("ssh-key", "", "The private key for -ssh-host.")
	debug := flag.Bool("debug", false, "Log debug messages.")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if len(catalogFiles) == 0 {
		panic(fmt.Errorf("catalog is a required flag"))
	}
	cat, err := catalog.LoadCatalogFiles(catalogFiles...)
	if err != nil {
		panic(err)
	}
	if *listDataSets {
		fmt.Println(catalog.ExplainDataSets(cat))
		return
	}

	if !path.IsAbs(*workDir) {
		panic(fmt.Errorf("work-dir must be specified as an absolute path, got %q", *workDir))
	}

	// Validate the job table before touching any host
	table, err := jobtable.Build(cat, &jobtable.BuildInput{
		DataSets:        dataSets,
		Iterations:      iterations,
		SkipDownloads:   skipDownloads,
		Stages:          stages,
		ScriptSources:   scriptSources,
		SoftwareVersion: *softwareVersion,
	})
	if err != nil {
		panic(err)
	}

	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithEC2IMDSRegion())
	awsAvailable := err == nil
	if !awsAvailable {
		slog.Warn("AWS configuration unavailable, s3:// sources and EC2 hosts are disabled", slog.String("error", err.Error()))
	}

	var tgt target.Target
	switch {
	case *ec2InstanceType != "":
		if !awsAvailable {
			panic(fmt.Errorf("ec2-instance-type requires AWS configuration"))
		}
		host := ec2host.NewEC2Host(&ec2host.EC2HostInput{
			AwsConfig:        cfg,
			InstanceType:     ec2Types.InstanceType(*ec2InstanceType),
			ImageID:          *ec2AMI,
			WaitToInitialize: true,
			RootLogin:        *profiler != string(profile.None),
		})
		defer host.TearDown()
		sshTarget, err := host.SetUp()
		if err != nil {
			panic(err)
		}
		tgt = sshTarget
	case *sshHost != "":
		sshTarget, err := target.NewSSHTargetFromKeyFile(*sshHost, *sshKey)
		if err != nil {
			panic(err)
		}
		defer sshTarget.Close()
		tgt = sshTarget
	default:
		tgt = target.NewLocalTarget()
	}

	out, err := tgt.RunCommand("test -d " + util.ShellQuote(*workDir))
	if err != nil {
		panic(fmt.Errorf("work-dir %s does not exist on %s: %w (%s)", *workDir, tgt.Describe(), err, strings.TrimSpace(string(out))))
	}

	envProfile, err := environment.Detect(tgt, *storagePath)
	if err != nil {
		panic(err)
	}
	info, err := environment.CollectMachineInfo(tgt, envProfile)
	if err != nil {
		panic(err)
	}
	_, err = runlog.WriteMachineInfo(tgt, *workDir, info, runlog.Software{
		Name:     *softwareName,
		Version:  *softwareVersion,
		Revision: *softwareRevision,
	})
	if err != nil {
		panic(err)
	}

	fetcherInput := &datafetcher.DataFetcherInput{
		Target:      tgt,
		Concurrency: *downloadConcurrency,
		Quiet:       *quiet,
	}
	if awsAvailable {
		fetcherInput.S3 = datafetcher.NewS3API(cfg)
	}

	options, err := runnerOptions(*runnerOpts, *monitor, int(monitorInterval.Milliseconds()))
	if err != nil {
		panic(err)
	}
	factory, err := stagerunner.NewFactory(*runner, &stagerunner.Dependencies{
		Target:         tgt,
		Fetcher:        datafetcher.NewDataFetcher(fetcherInput),
		ProfilerKind:   profile.ProfilerKind(*profiler),
		ProfileSaveDir: *profileSaveDir,
	}, options)
	if err != nil {
		panic(err)
	}

	sched, err := benchmarkorchestrator.NewIterationScheduler(&benchmarkorchestrator.IterationSchedulerInput{
		Target:             tgt,
		Catalog:            cat,
		Profile:            envProfile,
		JobTable:           table,
		NewRunner:          factory,
		Host:               stagerunner.HostEnvironment{Executable: *executable, Env: envVars},
		HostName:           info.HostName,
		WorkDir:            *workDir,
		ScriptDir:          *scriptDir,
		CleanUp:            *cleanUp,
		Quiet:              *quiet,
		MachineInfo:        info,
		SummaryConcurrency: 4,
	})
	if err != nil {
		panic(err)
	}

	report, runErr := sched.RunBenchmarks()
	// Whatever finished is still worth keeping
	if report != nil {
		writeReport(report, *reportPath, *resultsDB)
	}
	if runErr != nil {
		panic(runErr)
	}
}

func writeReport(report *benchmarkorchestrator.Report, reportPath string, resultsDB string) {
	for _, ds := range report.DataSets {
		if ds.Summary != nil {
			slog.Info("data set summary",
				slog.String("name", ds.Name),
				slog.Float64("mean total time sec", ds.Summary.Mean),
				slog.Float64("std dev sec", ds.Summary.StdDev),
				slog.Int("samples", len(ds.Summary.Samples)),
			)
		} else {
			slog.Warn("data set has no summary", slog.String("name", ds.Name), slog.String("reason", ds.SummaryError))
		}
	}

	bytes, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		panic(err)
	}
	err = os.WriteFile(reportPath, bytes, 0o644)
	if err != nil {
		panic(err)
	}
	slog.Info("wrote report", slog.String("path", reportPath), slog.String("run", report.RunID))

	if resultsDB != "" {
		store, err := resultsstore.NewStore(resultsDB)
		if err != nil {
			panic(err)
		}
		defer store.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		err = store.SaveReport(ctx, report)
		if err != nil {
			panic(err)
		}
	}
}
