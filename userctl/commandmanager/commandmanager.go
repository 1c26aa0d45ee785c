package commandmanager

import (
	"context"
	"time"
)

// CommandConfig describes one invocation of an OS primitive.
type CommandConfig struct {
	Command string
	Args    []string
	// Stdin is fed to the process. With Sudo it follows the sudo password line.
	Stdin string
	Sudo  bool
}

// CommandResult encapsulates the results from a command execution.
type CommandResult struct {
	Command   string
	STDOUT    string
	STDERR    string
	ExitCode  int
	Duration  time.Duration
	Timestamp time.Time
}

// Output returns stdout and stderr joined, the way the primitives print them
// to a terminal.
func (r CommandResult) Output() string {
	switch {
	case r.STDERR == "":
		return r.STDOUT
	case r.STDOUT == "":
		return r.STDERR
	default:
		return r.STDOUT + "\n" + r.STDERR
	}
}

// Credentials holds everything needed to reach and elevate on a target host.
type Credentials struct {
	User          string
	Password      string
	KeyPassphrase string
	SudoPassword  string
	// KnownHostsFile enables host key verification for remote targets.
	KnownHostsFile string
}

// CommandManager provides methods to execute commands, both locally and remotely.
// A non-zero exit status is reported as an error alongside the populated result.
type CommandManager interface {
	// RunLocal executes a command on the local system.
	RunLocal(ctx context.Context, config CommandConfig) (CommandResult, error)

	// RunRemote executes a command on the target host via SSH.
	RunRemote(ctx context.Context, config CommandConfig) (CommandResult, error)

	// Run picks local or remote execution based on the configured hostname.
	Run(ctx context.Context, config CommandConfig) (CommandResult, error)
}
