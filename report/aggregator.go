package report

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/Octogonapus/PipelineBenchmark/target"
	"github.com/alitto/pond"
)

// Summary logs report the run's total time on a line starting with this marker, e.g. "Total time: 12.5 sec".
const TotalTimeMarker = "Total time: "

var ErrNoSamples = errors.New("no summary logs to aggregate")

type MalformedLogError struct {
	Path string
	Msg  string
}

func (e *MalformedLogError) Error() string {
	return fmt.Sprintf("malformed summary log %s: %s", e.Path, e.Msg)
}

type Summary struct {
	Mean    float64
	StdDev  float64   // population standard deviation
	Samples []float64 // in the same order as the logs they came from
}

// Reads summary logs from a target and reduces their total times to summary statistics.
type Aggregator struct {
	target      target.Target
	concurrency int
}

func NewAggregator(t target.Target, concurrency int) *Aggregator {
	return &Aggregator{target: t, concurrency: max(concurrency, 1)}
}

// Summarizes the total times of the given logs. Every log must contain a total time line; a single malformed log
// fails the whole summary rather than contributing a made-up sample.
func (a *Aggregator) Summarize(logPaths []string) (*Summary, error) {
	if len(logPaths) == 0 {
		return nil, ErrNoSamples
	}

	samples := make([]float64, len(logPaths))
	errs := make([]error, len(logPaths))
	pool := pond.New(a.concurrency, 0, pond.MinWorkers(a.concurrency))
	for i, path := range logPaths {
		pool.Submit(func() {
			var buf bytes.Buffer
			err := a.target.CopyFileFrom(path, &buf)
			if err != nil {
				errs[i] = fmt.Errorf("reading summary log %s failed: %w", path, err)
				return
			}
			samples[i], errs[i] = ParseTotalTime(path, &buf)
		})
	}
	pool.StopAndWait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	mean, std := MeanStdDev(samples)
	slog.Debug("summarized logs", slog.Int("samples", len(samples)), slog.Float64("mean", mean), slog.Float64("std", std))
	return &Summary{Mean: mean, StdDev: std, Samples: samples}, nil
}

// Stage scripts may print very long lines into the summary log
const maxLogLineBytes = 16 * 1024 * 1024

// Returns the total time from the first marker line of a summary log. path is only used for error messages.
func ParseTotalTime(path string, r io.Reader) (float64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, TotalTimeMarker) {
			continue
		}
		fields := strings.Fields(line[len(TotalTimeMarker):])
		if len(fields) == 0 {
			return 0, &MalformedLogError{Path: path, Msg: "total time line has no value"}
		}
		value, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return 0, &MalformedLogError{Path: path, Msg: fmt.Sprintf("can't parse total time %q", fields[0])}
		}
		if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
			return 0, &MalformedLogError{Path: path, Msg: fmt.Sprintf("total time %q is not a duration", fields[0])}
		}
		return value, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scanning summary log %s failed: %w", path, err)
	}
	return 0, &MalformedLogError{Path: path, Msg: fmt.Sprintf("no line starting with %q", TotalTimeMarker)}
}

// Mean and population standard deviation. Both are NaN for an empty slice.
func MeanStdDev(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return math.NaN(), math.NaN()
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	sq := 0.0
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}
