package networkmanager

import (
	"context"

	cm "github.com/steelcutops/userctl/userctl/commandmanager"
)

// Interface describes one network interface and its traffic counters.
type Interface struct {
	Name         string
	HardwareAddr string
	Addresses    []string
	Up           bool
	DataSent     uint64 // bytes
	DataReceived uint64 // bytes
}

// Connection represents a listening socket.
type Connection struct {
	LocalAddress string
	Protocol     string
	State        string
	PID          int32
}

type NetworkManager interface {
	Interfaces(ctx context.Context) ([]Interface, error)
	ListeningSockets(ctx context.Context) ([]Connection, error)
}

func New(commandManager cm.CommandManager, hostname string) NetworkManager {
	if cm.IsLocalHost(hostname) {
		return &LocalNetworkManager{}
	}
	return &UnixNetworkManager{CommandManager: commandManager}
}
