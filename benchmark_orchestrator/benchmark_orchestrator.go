package benchmarkorchestrator

import (
	"time"

	"github.com/Octogonapus/PipelineBenchmark/environment"
	"github.com/Octogonapus/PipelineBenchmark/report"
)

type Report struct {
	RunID       string
	Host        string
	StartTime   time.Time
	EndTime     time.Time
	Profile     environment.Profile
	MachineInfo *environment.MachineInfo `json:",omitempty"`
	DataSets    []*report.DataSetReport
}

// Runs every job of a job table on one host.
type BenchmarkOrchestrator interface {
	// Run all iterations of all data sets in table order and return a report. Failed iterations are part of the
	// report; an error means the batch itself could not continue.
	RunBenchmarks() (*Report, error)
}
