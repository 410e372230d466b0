package runlog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/Octogonapus/PipelineBenchmark/environment"
	"github.com/Octogonapus/PipelineBenchmark/target"
	"github.com/Octogonapus/PipelineBenchmark/util"
)

func MachineInfoPath(workDir string, host string) string {
	return path.Join(workDir, host+"_machine_info.log")
}

func WrappingLogPath(workDir string, host string) string {
	return path.Join(workDir, host+"_machine_wrapping.log")
}

// The pipeline software under test. Name defaults to "Software".
type Software struct {
	Name     string
	Version  string
	Revision string
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func FormatMachineInfo(info *environment.MachineInfo, sw Software) string {
	b := &strings.Builder{}
	fmt.Fprintln(b, "==Machine and Software Details==")
	fmt.Fprintln(b, "Host name: "+info.HostName)
	fmt.Fprintln(b, "Operating system: "+info.OS)
	fmt.Fprintln(b, "Total physical memory (bytes): "+formatFloat(info.TotalMemBytes))
	fmt.Fprintln(b, "Total physical cores: "+strconv.Itoa(info.NCores))
	fmt.Fprintln(b, "CPU Frequency (MHz): "+formatFloat(info.CPUFreqMHz))
	fmt.Fprintln(b, "lustre access: "+strconv.FormatBool(info.HighSpeedStorageAccess))
	if sw.Version != "" {
		name := sw.Name
		if name == "" {
			name = "Software"
		}
		line := name + " version: " + sw.Version
		if sw.Revision != "" {
			line += " (r" + sw.Revision + ")"
		}
		fmt.Fprintln(b, line)
	}
	return b.String()
}

// Writes the machine info log into workDir on the target, replacing any earlier one. Returns its path.
func WriteMachineInfo(t target.Target, workDir string, info *environment.MachineInfo, sw Software) (string, error) {
	p := MachineInfoPath(workDir, info.HostName)
	err := t.CopyFileTo(strings.NewReader(FormatMachineInfo(info, sw)), p)
	if err != nil {
		return "", fmt.Errorf("writing machine info log %s failed: %w", p, err)
	}
	return p, nil
}

// Append-only progress log kept next to the data set directories. Every line is also echoed to stdout unless quiet.
type WrappingLog struct {
	mu     sync.Mutex
	target target.Target
	path   string
	quiet  bool
	stdout io.Writer
	buf    bytes.Buffer
}

// Opens the wrapping log for host in workDir. Lines from earlier runs are kept, so an existing log that can't be
// read is an error.
func NewWrappingLog(t target.Target, workDir string, host string, quiet bool) (*WrappingLog, error) {
	w := &WrappingLog{target: t, path: WrappingLogPath(workDir, host), quiet: quiet, stdout: os.Stdout}
	readErr := t.CopyFileFrom(w.path, &w.buf)
	if readErr == nil {
		return w, nil
	}
	w.buf.Reset()

	p := util.ShellQuote(w.path)
	out, err := t.RunCommand("if [ -e " + p + " ]; then echo present; else echo absent; fi")
	if err != nil {
		return nil, fmt.Errorf("checking for wrapping log %s failed: %w", w.path, err)
	}
	if strings.TrimSpace(string(out)) == "present" {
		return nil, fmt.Errorf("reading existing wrapping log %s failed: %w", w.path, readErr)
	}
	return w, nil
}

func (w *WrappingLog) Path() string {
	return w.path
}

func (w *WrappingLog) Write(s string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.WriteString(s + "\n")
	err := w.target.CopyFileTo(bytes.NewReader(w.buf.Bytes()), w.path)
	if err != nil {
		return fmt.Errorf("writing wrapping log %s failed: %w", w.path, err)
	}
	if !w.quiet {
		fmt.Fprintln(w.stdout, s)
	}
	return nil
}
