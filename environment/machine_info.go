package environment

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Octogonapus/PipelineBenchmark/target"
	"github.com/Octogonapus/PipelineBenchmark/util"
)

type MachineInfo struct {
	HostName               string
	OS                     string
	TotalMemBytes          float64
	NCores                 int
	CPUFreqMHz             float64
	HighSpeedStorageAccess bool
}

func CollectMachineInfo(t target.Target, p Profile) (*MachineInfo, error) {
	info := &MachineInfo{HighSpeedStorageAccess: p.HighSpeedStorageAccess}

	out, err := t.RunCommand("hostname")
	if err != nil {
		return nil, fmt.Errorf("getting host name failed: %w", err)
	}
	info.HostName = strings.TrimSpace(string(out))

	out, err = t.RunCommand("uname -a")
	if err != nil {
		return nil, fmt.Errorf("getting OS description failed: %w", err)
	}
	info.OS = strings.TrimSpace(string(out))

	if p.OSFamily == MacLike {
		out, err = t.RunCommand("hostinfo")
		if err != nil {
			return nil, fmt.Errorf("running hostinfo failed: %w", err)
		}
		info.TotalMemBytes, info.NCores, err = parseHostinfo(out)
		if err != nil {
			return nil, err
		}

		out, err = t.RunCommand("sysctl machdep.cpu.brand_string")
		if err != nil {
			return nil, fmt.Errorf("running sysctl failed: %w", err)
		}
		// Apple silicon brand strings carry no frequency
		info.CPUFreqMHz, err = parseBrandString(out)
		if err != nil {
			slog.Warn("could not determine CPU frequency", slog.String("error", err.Error()))
		}
	} else {
		out, err = t.RunCommand("cat /proc/meminfo")
		if err != nil {
			return nil, fmt.Errorf("reading /proc/meminfo failed: %w", err)
		}
		info.TotalMemBytes, err = parseMeminfoTotal(out)
		if err != nil {
			return nil, err
		}

		out, err = t.RunCommand("lscpu")
		if err != nil {
			return nil, fmt.Errorf("running lscpu failed: %w", err)
		}
		info.NCores, info.CPUFreqMHz, err = parseLscpu(out)
		if err != nil {
			return nil, err
		}
	}

	slog.Debug("collected machine info",
		slog.String("host", info.HostName),
		slog.Int("cores", info.NCores),
		slog.Float64("memBytes", info.TotalMemBytes),
	)
	return info, nil
}

func parseMeminfoTotal(buf []byte) (float64, error) {
	for _, line := range strings.Split(string(buf), "\n") {
		parts := strings.Fields(line)
		if len(parts) != 3 || parts[0] != "MemTotal:" {
			continue
		}
		kb, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse MemTotal: %w", err)
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("MemTotal not found in meminfo output")
}

func parseLscpu(buf []byte) (int, float64, error) {
	coresPerSocket, err := strconv.Atoi(util.ValueAfterColon(buf, "Core(s) per socket:"))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse cores per socket from lscpu: %w", err)
	}
	sockets, err := strconv.Atoi(util.ValueAfterColon(buf, "Socket(s):"))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse sockets from lscpu: %w", err)
	}

	// Some architectures only report a max frequency, and some report none at all
	mhz := 0.0
	for _, key := range []string{"CPU MHz:", "CPU max MHz:"} {
		value := util.ValueAfterColon(buf, key)
		if value == "" {
			continue
		}
		mhz, err = strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to parse %s from lscpu: %w", strings.TrimSuffix(key, ":"), err)
		}
		break
	}
	return coresPerSocket * sockets, mhz, nil
}

func parseHostinfo(buf []byte) (float64, int, error) {
	memBytes := 0.0
	cores := 0
	foundMem := false
	foundCores := false
	for _, line := range strings.Split(string(buf), "\n") {
		if strings.Contains(line, "Primary memory available:") {
			parts := strings.Fields(util.ValueAfterColon([]byte(line), "Primary memory available:"))
			if len(parts) < 2 {
				return 0, 0, fmt.Errorf("unexpected hostinfo memory line: %q", line)
			}
			value, err := strconv.ParseFloat(parts[0], 64)
			if err != nil {
				return 0, 0, fmt.Errorf("failed to parse hostinfo memory: %w", err)
			}
			switch {
			case strings.Contains(parts[1], "gigabytes"):
				memBytes = value * 1e9
			case strings.Contains(parts[1], "megabytes"):
				memBytes = value * 1e6
			default:
				return 0, 0, fmt.Errorf("memory quanta not recognized from hostinfo output: %q", line)
			}
			foundMem = true
		}
		if strings.Contains(line, "processors are physically available.") {
			n, err := strconv.Atoi(strings.Fields(line)[0])
			if err != nil {
				return 0, 0, fmt.Errorf("failed to parse hostinfo core count: %w", err)
			}
			cores = n
			foundCores = true
		}
	}
	if !foundMem || !foundCores {
		return 0, 0, fmt.Errorf("hostinfo output is missing memory or core count")
	}
	return memBytes, cores, nil
}

func parseBrandString(buf []byte) (float64, error) {
	for _, part := range strings.Split(string(buf), "@") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasSuffix(part, "GHz"):
			value, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(part, "GHz")), 64)
			if err != nil {
				return 0, fmt.Errorf("failed to parse CPU frequency: %w", err)
			}
			return value * 1e3, nil
		case strings.HasSuffix(part, "MHz"):
			value, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(part, "MHz")), 64)
			if err != nil {
				return 0, fmt.Errorf("failed to parse CPU frequency: %w", err)
			}
			return value, nil
		}
	}
	return 0, fmt.Errorf("CPU frequency quanta not recognized from sysctl output: %q", string(buf))
}
