package commandmanager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type SSHDialer interface {
	Dial(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)
}

// RealSSHClient dials with the golang.org/x/crypto/ssh client.
type RealSSHClient struct{}

func (RealSSHClient) Dial(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	return ssh.Dial(network, addr, config)
}

type UnixCommandManager struct {
	Hostname  string
	SSHClient SSHDialer
	Credentials
	Log logrus.FieldLogger
}

func (u *UnixCommandManager) log() logrus.FieldLogger {
	if u.Log == nil {
		return logrus.StandardLogger()
	}
	return u.Log
}

func (u *UnixCommandManager) RunLocal(ctx context.Context, config CommandConfig) (CommandResult, error) {
	start := time.Now()

	name, args := config.Command, config.Args
	stdin := config.Stdin
	if config.Sudo {
		args = append([]string{"-S", "-p", "", name}, args...)
		name = "sudo"
		stdin = u.SudoPassword + "\n" + stdin
	}

	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	u.log().WithFields(logrus.Fields{"command": config.Command, "args": config.Args, "sudo": config.Sudo}).Debug("Executing local command")
	err := cmd.Run()

	result := CommandResult{
		Command:   config.Command,
		STDOUT:    stdout.String(),
		STDERR:    stderr.String(),
		ExitCode:  getExitCode(err),
		Duration:  time.Since(start),
		Timestamp: start,
	}

	// A killed process reports "signal: killed"; surface the deadline instead.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}

	if sudoErr := checkSudo(result); sudoErr != nil {
		return result, sudoErr
	}

	return result, err
}

func (u *UnixCommandManager) getSSHConfig() (*ssh.ClientConfig, error) {
	var authMethod ssh.AuthMethod

	if u.Password != "" {
		u.log().WithField("hostname", u.Hostname).Debug("Using password authentication")
		authMethod = ssh.Password(u.Password)
	} else {
		u.log().WithField("hostname", u.Hostname).Debug("Using public key authentication")
		var keyManager SSHKeyManager
		if u.KeyPassphrase != "" {
			keyManager = FileSSHKeyManager{}
		} else {
			keyManager = AgentSSHKeyManager{}
		}

		keys, err := keyManager.ReadPrivateKeys(u.KeyPassphrase)
		if err != nil {
			return nil, err
		}

		authMethod = ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
			return keys, nil
		})
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if u.KnownHostsFile != "" {
		cb, err := knownhosts.New(u.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            u.User,
		Auth:            []ssh.AuthMethod{authMethod},
		HostKeyCallback: hostKeyCallback,
	}, nil
}

func (u *UnixCommandManager) RunRemote(ctx context.Context, config CommandConfig) (CommandResult, error) {
	u.log().WithFields(logrus.Fields{"hostname": u.Hostname, "command": config.Command}).Debug("Executing remote command")

	if u.SSHClient == nil {
		return CommandResult{}, errors.New("SSHClient is not initialized")
	}

	sshConfig, err := u.getSSHConfig()
	if err != nil {
		return CommandResult{}, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		sshConfig.Timeout = time.Until(deadline)
	}

	client, err := u.SSHClient.Dial("tcp", net.JoinHostPort(u.Hostname, "22"), sshConfig)
	if err != nil {
		return CommandResult{}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return CommandResult{}, err
	}
	defer session.Close()

	cmdStr := shellJoin(config.Command, config.Args)
	stdin := config.Stdin
	if config.Sudo {
		cmdStr = "sudo -S -p '' " + cmdStr
		stdin = u.SudoPassword + "\n" + stdin
	}
	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmdStr)
	}()

	select {
	case runErr := <-done:
		result := CommandResult{
			Command:   config.Command,
			STDOUT:    stdout.String(),
			STDERR:    stderr.String(),
			ExitCode:  getExitCode(runErr),
			Duration:  time.Since(start),
			Timestamp: start,
		}
		if sudoErr := checkSudo(result); sudoErr != nil {
			return result, sudoErr
		}
		return result, runErr

	case <-ctx.Done():
		u.log().WithFields(logrus.Fields{"hostname": u.Hostname, "command": config.Command}).Error("Remote command timed out")
		_ = session.Signal(ssh.SIGKILL)
		return CommandResult{Command: config.Command, Timestamp: start, Duration: time.Since(start)}, ctx.Err()
	}
}

func (u *UnixCommandManager) Run(ctx context.Context, config CommandConfig) (CommandResult, error) {
	if u.isLocal() {
		return u.RunLocal(ctx, config)
	}
	return u.RunRemote(ctx, config)
}

func (u *UnixCommandManager) isLocal() bool {
	return IsLocalHost(u.Hostname)
}

// IsLocalHost reports whether hostname names the machine we run on.
func IsLocalHost(hostname string) bool {
	return hostname == "" || hostname == "localhost" || hostname == "127.0.0.1"
}

func checkSudo(result CommandResult) error {
	out := result.STDOUT + result.STDERR
	if strings.Contains(out, "incorrect password") {
		return errors.New("sudo: incorrect password provided")
	}
	if strings.Contains(out, "is not in the sudoers file") {
		return errors.New("sudo: user is not in the sudoers file")
	}
	return nil
}

func getExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	var sshExit *ssh.ExitError
	if errors.As(err, &sshExit) {
		return sshExit.ExitStatus()
	}
	return 0
}

// shellJoin quotes a command line for the remote login shell.
func shellJoin(command string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(command))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
