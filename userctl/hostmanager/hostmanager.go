package hostmanager

import (
	"context"
	"time"

	cm "github.com/steelcutops/userctl/userctl/commandmanager"
)

type HostInfo struct {
	Hostname        string
	OS              string
	Platform        string
	PlatformVersion string
	KernelVersion   string
	Uptime          time.Duration
	BootTime        time.Time
	NumberOfCores   int
}

// MemoryInfo values are in bytes.
type MemoryInfo struct {
	Total       uint64
	Used        uint64
	Free        uint64
	Available   uint64
	UsedPercent float64
	SwapTotal   uint64
	SwapUsed    uint64
}

// HostManager reports facts about the administered host.
type HostManager interface {
	Info(ctx context.Context) (HostInfo, error)
	Memory(ctx context.Context) (MemoryInfo, error)
}

// New returns a gopsutil backed manager for the local machine and a command
// backed one for a remote target.
func New(commandManager cm.CommandManager, hostname string) HostManager {
	if cm.IsLocalHost(hostname) {
		return &LocalHostManager{}
	}
	return &UnixHostManager{CommandManager: commandManager}
}
