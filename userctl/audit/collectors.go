package audit

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"

	"github.com/steelcutops/userctl/userctl/hostmanager"
	"github.com/steelcutops/userctl/userctl/networkmanager"
	um "github.com/steelcutops/userctl/userctl/usermanager"
)

// AccountLister is the read side of the account store.
type AccountLister interface {
	ListHumanAccounts(ctx context.Context) ([]um.Account, error)
}

// DefaultCollectors wires every section to its source.
func DefaultCollectors(hosts hostmanager.HostManager, network networkmanager.NetworkManager, accounts AccountLister, policy um.Policy) map[Section]Collector {
	return map[Section]Collector{
		SectionSystem:   SystemCollector{Hosts: hosts},
		SectionMemory:   MemoryCollector{Hosts: hosts},
		SectionNetwork:  NetworkCollector{Network: network},
		SectionUsers:    UsersCollector{Accounts: accounts},
		SectionSecurity: SecurityCollector{Accounts: accounts, Policy: policy},
	}
}

type SystemCollector struct {
	Hosts hostmanager.HostManager
}

func (c SystemCollector) Collect(ctx context.Context) (string, error) {
	info, err := c.Hosts.Info(ctx)
	if err != nil {
		return "", err
	}
	platform := strings.TrimSpace(info.Platform + " " + info.PlatformVersion)

	var buf bytes.Buffer
	w := newTable(&buf)
	fmt.Fprintf(w, "Hostname:\t%s\n", info.Hostname)
	fmt.Fprintf(w, "OS:\t%s\n", info.OS)
	if platform != "" {
		fmt.Fprintf(w, "Platform:\t%s\n", platform)
	}
	fmt.Fprintf(w, "Kernel:\t%s\n", info.KernelVersion)
	fmt.Fprintf(w, "CPU cores:\t%d\n", info.NumberOfCores)
	fmt.Fprintf(w, "Uptime:\t%s\n", info.Uptime.Round(time.Second))
	if !info.BootTime.IsZero() {
		fmt.Fprintf(w, "Boot time:\t%s\n", info.BootTime.Format(time.DateTime))
	}
	return flush(w, &buf)
}

type MemoryCollector struct {
	Hosts hostmanager.HostManager
}

func (c MemoryCollector) Collect(ctx context.Context) (string, error) {
	mem, err := c.Hosts.Memory(ctx)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := newTable(&buf)
	fmt.Fprintf(w, "Total:\t%s\n", units.BytesSize(float64(mem.Total)))
	fmt.Fprintf(w, "Used:\t%s (%.1f%%)\n", units.BytesSize(float64(mem.Used)), mem.UsedPercent)
	fmt.Fprintf(w, "Free:\t%s\n", units.BytesSize(float64(mem.Free)))
	fmt.Fprintf(w, "Available:\t%s\n", units.BytesSize(float64(mem.Available)))
	if mem.SwapTotal > 0 {
		fmt.Fprintf(w, "Swap:\t%s of %s used\n", units.BytesSize(float64(mem.SwapUsed)), units.BytesSize(float64(mem.SwapTotal)))
	} else {
		fmt.Fprintln(w, "Swap:\tnone")
	}
	return flush(w, &buf)
}

type NetworkCollector struct {
	Network networkmanager.NetworkManager
}

func (c NetworkCollector) Collect(ctx context.Context) (string, error) {
	ifaces, err := c.Network.Interfaces(ctx)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := newTable(&buf)
	fmt.Fprintln(w, "INTERFACE\tSTATE\tADDRESSES\tRX\tTX")
	for _, iface := range ifaces {
		state := "down"
		if iface.Up {
			state = "up"
		}
		addrs := strings.Join(iface.Addresses, ",")
		if addrs == "" {
			addrs = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", iface.Name, state, addrs,
			units.BytesSize(float64(iface.DataReceived)), units.BytesSize(float64(iface.DataSent)))
	}
	if err := w.Flush(); err != nil {
		return "", err
	}

	// Socket listing needs privileges on some hosts; the interface table
	// still stands without it.
	conns, err := c.Network.ListeningSockets(ctx)
	buf.WriteString("\nListening sockets:\n")
	if err != nil {
		fmt.Fprintf(&buf, "ERROR: %v\n", err)
		return buf.String(), nil
	}
	w = newTable(&buf)
	fmt.Fprintln(w, "PROTO\tADDRESS\tPID")
	for _, conn := range conns {
		pid := "-"
		if conn.PID > 0 {
			pid = fmt.Sprint(conn.PID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", conn.Protocol, conn.LocalAddress, pid)
	}
	return flush(w, &buf)
}

type UsersCollector struct {
	Accounts AccountLister
}

func (c UsersCollector) Collect(ctx context.Context) (string, error) {
	accounts, err := c.Accounts.ListHumanAccounts(ctx)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Human accounts: %d\n\n", len(accounts))
	w := newTable(&buf)
	fmt.Fprintln(w, "USERNAME\tUID\tROLE\tSHELL\tHOME\tLOCKED")
	for _, a := range accounts {
		role := string(a.Role)
		if role == "" {
			role = "-"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n", a.Username, a.UID, role, a.Shell, a.HomeDir, yesNo(a.Locked))
	}
	return flush(w, &buf)
}

type SecurityCollector struct {
	Accounts AccountLister
	Policy   um.Policy
}

func (c SecurityCollector) Collect(ctx context.Context) (string, error) {
	accounts, err := c.Accounts.ListHumanAccounts(ctx)
	if err != nil {
		return "", err
	}

	var locked, admins, oddShells []string
	for _, a := range accounts {
		if a.Locked {
			entry := a.Username
			if a.LockExpiry != nil {
				entry += " (until " + a.LockExpiry.Format(time.DateOnly) + ")"
			}
			locked = append(locked, entry)
		}
		if a.Role == um.RoleAdmin {
			admins = append(admins, a.Username)
		}
		if !c.Policy.ShellAllowed(a.Shell) {
			oddShells = append(oddShells, a.Username+" ("+a.Shell+")")
		}
	}

	var buf bytes.Buffer
	adminGroups := slices.Clone(c.Policy.Roles[um.RoleAdmin].Groups)
	writeList(&buf, "Locked accounts", locked)
	writeList(&buf, fmt.Sprintf("Administrators (groups %s)", strings.Join(adminGroups, ",")), admins)
	writeList(&buf, "Accounts with shells outside the allow-list", oddShells)
	return buf.String(), nil
}

func writeList(buf *bytes.Buffer, title string, items []string) {
	fmt.Fprintf(buf, "%s: %d\n", title, len(items))
	for _, item := range items {
		fmt.Fprintf(buf, "  - %s\n", item)
	}
}

// flush writes out the buffered table and returns everything written so far.
func flush(w *tabwriter.Writer, buf *bytes.Buffer) (string, error) {
	if err := w.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func newTable(buf *bytes.Buffer) *tabwriter.Writer {
	return tabwriter.NewWriter(buf, 0, 0, 2, ' ', 0)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
