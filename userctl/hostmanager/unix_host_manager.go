package hostmanager

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	cm "github.com/steelcutops/userctl/userctl/commandmanager"
)

// UnixHostManager reads host facts through shell commands, which works the
// same over SSH as locally.
type UnixHostManager struct {
	CommandManager cm.CommandManager
}

func (uhm *UnixHostManager) output(ctx context.Context, command string, args ...string) (string, error) {
	result, err := uhm.CommandManager.Run(ctx, cm.CommandConfig{Command: command, Args: args})
	if err != nil {
		return "", fmt.Errorf("%s: %w", command, err)
	}
	return strings.TrimSpace(result.STDOUT), nil
}

// Info gathers comprehensive information about the host system.
func (uhm *UnixHostManager) Info(ctx context.Context) (HostInfo, error) {
	hostname, err := uhm.output(ctx, "hostname")
	if err != nil {
		return HostInfo{}, err
	}
	kernel, err := uhm.output(ctx, "uname", "-r")
	if err != nil {
		return HostInfo{}, err
	}
	osName, err := uhm.output(ctx, "uname", "-s")
	if err != nil {
		return HostInfo{}, err
	}
	cores, err := uhm.CPUCount(ctx)
	if err != nil {
		return HostInfo{}, err
	}
	uptime, err := uhm.Uptime(ctx)
	if err != nil {
		return HostInfo{}, err
	}

	info := HostInfo{
		Hostname:      hostname,
		OS:            strings.ToLower(osName),
		KernelVersion: kernel,
		Uptime:        uptime,
		BootTime:      time.Now().Add(-uptime).Truncate(time.Second),
		NumberOfCores: cores,
	}
	// os-release is absent on some minimal systems.
	if release, err := uhm.output(ctx, "cat", "/etc/os-release"); err == nil {
		info.Platform, info.PlatformVersion = parseOSRelease(release)
	}
	return info, nil
}

// CPUCount retrieves the number of CPU cores.
func (uhm *UnixHostManager) CPUCount(ctx context.Context) (int, error) {
	out, err := uhm.output(ctx, "nproc")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(out)
}

// Uptime reads the first field of /proc/uptime, in seconds.
func (uhm *UnixHostManager) Uptime(ctx context.Context) (time.Duration, error) {
	out, err := uhm.output(ctx, "cat", "/proc/uptime")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, errors.New("unexpected format in /proc/uptime")
	}
	seconds, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds) * time.Second, nil
}

func (uhm *UnixHostManager) Memory(ctx context.Context) (MemoryInfo, error) {
	out, err := uhm.output(ctx, "cat", "/proc/meminfo")
	if err != nil {
		return MemoryInfo{}, err
	}
	return parseMeminfo(out)
}

func parseMeminfo(out string) (MemoryInfo, error) {
	values := map[string]uint64{}
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		kb, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			continue
		}
		// /proc/meminfo reports kilobytes.
		values[strings.TrimSuffix(parts[0], ":")] = kb * 1024
	}

	total, ok := values["MemTotal"]
	if !ok {
		return MemoryInfo{}, errors.New("could not find MemTotal in /proc/meminfo")
	}
	info := MemoryInfo{
		Total:     total,
		Free:      values["MemFree"],
		Available: values["MemAvailable"],
		SwapTotal: values["SwapTotal"],
		SwapUsed:  values["SwapTotal"] - min(values["SwapFree"], values["SwapTotal"]),
	}
	if info.Available == 0 {
		info.Available = info.Free
	}
	info.Used = total - min(info.Available, total)
	if total > 0 {
		info.UsedPercent = float64(info.Used) / float64(total) * 100
	}
	return info, nil
}

func parseOSRelease(out string) (id, version string) {
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "ID":
			id = value
		case "VERSION_ID":
			version = value
		}
	}
	return id, version
}
