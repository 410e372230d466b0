package datafetcher

import (
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/Octogonapus/PipelineBenchmark/target"
	"github.com/Octogonapus/PipelineBenchmark/util"
)

// Downloads remote benchmark inputs onto a target.
type DataFetcher interface {
	// Download the source into dstDir on the target and return the target path of the result. Sources ending in
	// "/" are prefixes/directories and produce a directory.
	Fetch(source string, dstDir string) (string, error)
}

type SourceKind string

const (
	S3Source   SourceKind = "s3"
	HTTPSource SourceKind = "http"
)

func KindOf(source string) (SourceKind, error) {
	switch {
	case strings.HasPrefix(source, "s3://"):
		return S3Source, nil
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return HTTPSource, nil
	default:
		return "", fmt.Errorf("unsupported remote source: %s", source)
	}
}

type DataFetcherInput struct {
	Target      target.Target
	S3          S3API // nil disables s3:// sources
	Concurrency int   // objects downloaded at once for S3 prefixes
	Quiet       bool  // hide progress bars
}

type dataFetcher struct {
	input *DataFetcherInput
}

func NewDataFetcher(input *DataFetcherInput) DataFetcher {
	return &dataFetcher{input: input}
}

func (f *dataFetcher) Fetch(source string, dstDir string) (string, error) {
	kind, err := KindOf(source)
	if err != nil {
		return "", err
	}
	slog.Info("fetching data", slog.String("source", source), slog.String("target", f.input.Target.Describe()))

	switch kind {
	case S3Source:
		if f.input.S3 == nil {
			return "", fmt.Errorf("fetching %s requires AWS configuration", source)
		}
		return f.fetchS3(source, dstDir)
	default:
		return f.fetchHTTP(source, dstDir)
	}
}

// HTTP downloads run on the target itself so large archives never pass through the orchestrator.
func (f *dataFetcher) fetchHTTP(source string, dstDir string) (string, error) {
	name := path.Base(strings.TrimSuffix(strings.SplitN(source, "?", 2)[0], "/"))
	if name == "" || name == "." || name == "/" {
		name = "download"
	}
	dst := path.Join(dstDir, name)
	out, err := f.input.Target.RunCommand(fmt.Sprintf("mkdir -p %s && curl -fsSL -o %s %s",
		util.ShellQuote(dstDir), util.ShellQuote(dst), util.ShellQuote(source)))
	if err != nil {
		slog.Error("download failed", slog.String("source", source), slog.String("command output", string(out)), slog.String("error", err.Error()))
		return "", fmt.Errorf("downloading %s failed: %w", source, err)
	}
	return dst, nil
}
