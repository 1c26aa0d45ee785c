package networkmanager

import (
	"context"
	"net"
	"slices"
	"strconv"
	"strings"
	"syscall"

	gopsnet "github.com/shirou/gopsutil/v4/net"
)

// LocalNetworkManager reads interfaces and sockets of the machine it runs on.
type LocalNetworkManager struct{}

func (LocalNetworkManager) Interfaces(ctx context.Context) ([]Interface, error) {
	stats, err := gopsnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	counters, err := gopsnet.IOCountersWithContext(ctx, true)
	if err != nil {
		return nil, err
	}
	byName := map[string]gopsnet.IOCountersStat{}
	for _, c := range counters {
		byName[c.Name] = c
	}

	out := make([]Interface, 0, len(stats))
	for _, s := range stats {
		iface := Interface{
			Name:         s.Name,
			HardwareAddr: s.HardwareAddr,
			Up:           slices.Contains(s.Flags, "up"),
			Addresses:    []string{},
		}
		for _, a := range s.Addrs {
			iface.Addresses = append(iface.Addresses, a.Addr)
		}
		if c, ok := byName[s.Name]; ok {
			iface.DataSent = c.BytesSent
			iface.DataReceived = c.BytesRecv
		}
		out = append(out, iface)
	}
	return out, nil
}

func (LocalNetworkManager) ListeningSockets(ctx context.Context) ([]Connection, error) {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, err
	}

	out := []Connection{}
	for _, c := range conns {
		var proto string
		switch {
		case c.Type == syscall.SOCK_STREAM && c.Status == "LISTEN":
			proto = "tcp"
		case c.Type == syscall.SOCK_DGRAM && c.Raddr.IP == "":
			proto = "udp"
		default:
			continue
		}
		out = append(out, Connection{
			LocalAddress: net.JoinHostPort(c.Laddr.IP, strconv.FormatUint(uint64(c.Laddr.Port), 10)),
			Protocol:     proto,
			State:        c.Status,
			PID:          c.Pid,
		})
	}
	sortConnections(out)
	return out, nil
}

func sortConnections(conns []Connection) {
	slices.SortFunc(conns, func(a, b Connection) int {
		if c := strings.Compare(a.Protocol, b.Protocol); c != 0 {
			return c
		}
		return strings.Compare(a.LocalAddress, b.LocalAddress)
	})
}
