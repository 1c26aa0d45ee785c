package networkmanager

import (
	"context"
	"strconv"
	"strings"

	cm "github.com/steelcutops/userctl/userctl/commandmanager"
)

// UnixNetworkManager reads the same facts through iproute2, for targets
// reached over SSH.
type UnixNetworkManager struct {
	CommandManager cm.CommandManager
}

func (unm *UnixNetworkManager) run(ctx context.Context, command string, args ...string) (string, error) {
	output, err := unm.CommandManager.Run(ctx, cm.CommandConfig{
		Command: command,
		Args:    args,
	})
	if err != nil {
		return "", err
	}
	return output.STDOUT, nil
}

func (unm *UnixNetworkManager) Interfaces(ctx context.Context) ([]Interface, error) {
	links, err := unm.run(ctx, "ip", "-o", "-s", "link")
	if err != nil {
		return nil, err
	}
	addrs, err := unm.run(ctx, "ip", "-o", "addr", "show")
	if err != nil {
		return nil, err
	}

	ifaces := parseLinks(links)
	byName := map[string]*Interface{}
	for i := range ifaces {
		byName[ifaces[i].Name] = &ifaces[i]
	}
	for _, line := range strings.Split(addrs, "\n") {
		// 2: eth0    inet 10.0.0.5/24 brd 10.0.0.255 scope global eth0
		fields := strings.Fields(line)
		if len(fields) < 4 || (fields[2] != "inet" && fields[2] != "inet6") {
			continue
		}
		if iface, ok := byName[fields[1]]; ok {
			iface.Addresses = append(iface.Addresses, fields[3])
		}
	}
	return ifaces, nil
}

// parseLinks reads `ip -o -s link`, where each interface is one line with
// backslash separated sections.
func parseLinks(out string) []Interface {
	ifaces := []Interface{}
	for _, line := range strings.Split(out, "\n") {
		sections := strings.Split(line, "\\")
		head := strings.Fields(sections[0])
		if len(head) < 3 {
			continue
		}
		iface := Interface{
			Name:      strings.TrimSuffix(strings.SplitN(head[1], "@", 2)[0], ":"),
			Up:        strings.Contains(head[2], "UP"),
			Addresses: []string{},
		}
		for i, s := range sections {
			f := strings.Fields(s)
			if len(f) >= 2 && f[0] == "link/ether" {
				iface.HardwareAddr = f[1]
			}
			// The counters follow their "RX:"/"TX:" header section.
			if len(f) > 0 && (f[0] == "RX:" || f[0] == "TX:") && i+1 < len(sections) {
				values := strings.Fields(sections[i+1])
				if len(values) == 0 {
					continue
				}
				bytes, _ := strconv.ParseUint(values[0], 10, 64)
				if f[0] == "RX:" {
					iface.DataReceived = bytes
				} else {
					iface.DataSent = bytes
				}
			}
		}
		ifaces = append(ifaces, iface)
	}
	return ifaces
}

func (unm *UnixNetworkManager) ListeningSockets(ctx context.Context) ([]Connection, error) {
	out, err := unm.run(ctx, "ss", "-tulnH")
	if err != nil {
		return nil, err
	}

	conns := []Connection{}
	for _, line := range strings.Split(out, "\n") {
		// tcp   LISTEN 0      4096   0.0.0.0:22    0.0.0.0:*
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		conns = append(conns, Connection{
			Protocol:     fields[0],
			State:        fields[1],
			LocalAddress: fields[4],
		})
	}
	sortConnections(conns)
	return conns, nil
}
