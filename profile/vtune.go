package profile

import (
	"fmt"
	"log/slog"
	"path"

	"github.com/Octogonapus/PipelineBenchmark/target"
	"github.com/Octogonapus/PipelineBenchmark/util"
)

const vtuneVars = "/opt/intel/oneapi/vtune/latest/env/vars.sh"

type vtune struct {
	target target.Target
}

func init() {
	RegisterProfiler(VTune, NewVTune)
}

func NewVTune(target target.Target) Profiler {
	return &vtune{target: target}
}

func (v *vtune) SetUp() error {
	out, err := v.target.RunCommand(fmt.Sprintf("test -r %s", vtuneVars))
	if err != nil {
		slog.Error("VTune: not installed", slog.String("command output", string(out)), slog.String("error", err.Error()))
		return fmt.Errorf("vtune is not installed on %s: %w", v.target.Describe(), err)
	}
	return nil
}

func (v *vtune) ProfileCommand(cmd string, resultDir string) ([]byte, string, error) {
	vtuneDir := path.Join(resultDir, "vtune-"+util.Randstring(8))
	out, err := v.target.RunCommand(fmt.Sprintf(
		". %s && vtune -collect hotspots -knob sampling-mode=sw -knob enable-stack-collection=true -result-dir=%s -- sh -c %s",
		vtuneVars, util.ShellQuote(vtuneDir), util.ShellQuote(cmd),
	))
	if err != nil {
		slog.Error("VTune: collection failed", slog.String("command output", string(out)), slog.String("error", err.Error()))
		return out, "", fmt.Errorf("collection failed: %w", err)
	}

	resultFile := vtuneDir + ".tar.gz"
	tarOut, err := v.target.RunCommand(fmt.Sprintf("tar -czf %s -C %s %s", util.ShellQuote(resultFile), util.ShellQuote(resultDir), util.ShellQuote(path.Base(vtuneDir))))
	if err != nil {
		slog.Error("VTune: compressing result dir failed", slog.String("command output", string(tarOut)), slog.String("error", err.Error()))
		return out, "", fmt.Errorf("compressing result dir failed: %w", err)
	}
	return out, resultFile, nil
}
