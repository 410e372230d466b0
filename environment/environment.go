package environment

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/Octogonapus/PipelineBenchmark/target"
	"github.com/Octogonapus/PipelineBenchmark/util"
)

// The shared filesystem whose presence means the host can read benchmark data straight from privileged storage.
const DefaultPrivilegedStoragePath = "/lustre/naasc/"

type OSFamily string

const (
	PosixGeneric OSFamily = "posix"
	MacLike      OSFamily = "mac"
)

// The machine capabilities that decide where data and scripts are sourced from. Computed once per process.
type Profile struct {
	HighSpeedStorageAccess bool
	OSFamily               OSFamily
}

// Whether sourcing must fall back to the local cache branch instead of privileged storage.
func (p Profile) UsesLocalCache() bool {
	return !p.HighSpeedStorageAccess && p.OSFamily == MacLike
}

type PlatformDetectionError struct {
	Query string
	Err   error
}

func (e *PlatformDetectionError) Error() string {
	return fmt.Sprintf("platform detection failed running %q: %v", e.Query, e.Err)
}

func (e *PlatformDetectionError) Unwrap() error {
	return e.Err
}

func Detect(t target.Target, storagePath string) (Profile, error) {
	if storagePath == "" {
		storagePath = DefaultPrivilegedStoragePath
	}

	osFamily, err := detectOSFamily(t)
	if err != nil {
		return Profile{}, err
	}

	query := fmt.Sprintf("if [ -d %s ]; then echo true; else echo false; fi", util.ShellQuote(storagePath))
	out, err := t.RunCommand(query)
	if err != nil {
		return Profile{}, &PlatformDetectionError{Query: query, Err: err}
	}
	var access bool
	switch strings.TrimSpace(string(out)) {
	case "true":
		access = true
	case "false":
		access = false
	default:
		return Profile{}, &PlatformDetectionError{Query: query, Err: fmt.Errorf("unexpected output: %q", string(out))}
	}

	p := Profile{HighSpeedStorageAccess: access, OSFamily: osFamily}
	slog.Info("detected environment",
		slog.String("target", t.Describe()),
		slog.String("osFamily", string(p.OSFamily)),
		slog.Bool("highSpeedStorageAccess", p.HighSpeedStorageAccess),
	)
	return p, nil
}

func detectOSFamily(t target.Target) (OSFamily, error) {
	out, err := t.RunCommand("uname -s")
	if err != nil {
		return "", &PlatformDetectionError{Query: "uname -s", Err: err}
	}
	kernel := strings.TrimSpace(string(out))
	if kernel == "" {
		return "", &PlatformDetectionError{Query: "uname -s", Err: fmt.Errorf("empty output")}
	}
	if strings.Contains(kernel, "Darwin") {
		return MacLike, nil
	}
	return PosixGeneric, nil
}
