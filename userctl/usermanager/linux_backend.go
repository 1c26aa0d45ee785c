package usermanager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	cm "github.com/steelcutops/userctl/userctl/commandmanager"
	"github.com/steelcutops/userctl/userctl/errdefs"
)

// getent exits 2 when the key is not in the database.
const getentNotFound = 2

// LinuxBackend administers the shadow-utils identity database through its
// command line primitives, locally or on a remote target.
type LinuxBackend struct {
	CommandManager cm.CommandManager
	// Sudo runs every primitive through sudo -S.
	Sudo bool
}

func (l *LinuxBackend) run(ctx context.Context, command string, args ...string) (cm.CommandResult, error) {
	result, err := l.CommandManager.Run(ctx, cm.CommandConfig{
		Command: command,
		Args:    args,
		Sudo:    l.Sudo,
	})
	return result, classify(command, result, err)
}

func (l *LinuxBackend) Lookup(ctx context.Context, username string) (Account, bool, error) {
	result, err := l.run(ctx, "getent", "passwd", username)
	if err != nil {
		if result.ExitCode == getentNotFound {
			return Account{}, false, nil
		}
		return Account{}, false, err
	}

	accounts := parsePasswd(result.STDOUT)
	idx := slices.IndexFunc(accounts, func(a Account) bool { return a.Username == username })
	if idx < 0 {
		return Account{}, false, nil
	}
	account := accounts[idx]

	groups, err := l.groups(ctx)
	if err != nil {
		return Account{}, false, err
	}
	shadow := l.shadow(ctx, username)

	applyGroups(&account, groups)
	applyShadow(&account, shadow)
	return account, true, nil
}

func (l *LinuxBackend) List(ctx context.Context) ([]Account, error) {
	result, err := l.run(ctx, "getent", "passwd")
	if err != nil {
		return nil, err
	}
	accounts := parsePasswd(result.STDOUT)

	groups, err := l.groups(ctx)
	if err != nil {
		return nil, err
	}
	shadow := l.shadow(ctx)

	for i := range accounts {
		applyGroups(&accounts[i], groups)
		applyShadow(&accounts[i], shadow)
	}
	return accounts, nil
}

func (l *LinuxBackend) Create(ctx context.Context, account NewAccount) error {
	if err := l.ensureGroups(ctx, account.Groups); err != nil {
		return err
	}

	args := []string{"-m", "-d", account.HomeDir, "-s", account.Shell}
	if account.FullName != "" {
		args = append(args, "-c", account.FullName)
	}
	if len(account.Groups) > 0 {
		args = append(args, "-G", strings.Join(account.Groups, ","))
	}
	args = append(args, account.Username)

	_, err := l.run(ctx, "useradd", args...)
	return err
}

func (l *LinuxBackend) SetPassword(ctx context.Context, username, password string) error {
	result, err := l.CommandManager.Run(ctx, cm.CommandConfig{
		Command: "chpasswd",
		Stdin:   fmt.Sprintf("%s:%s\n", username, password),
		Sudo:    l.Sudo,
	})
	return classify("chpasswd", result, err)
}

func (l *LinuxBackend) Delete(ctx context.Context, username string, keepHome bool) error {
	args := []string{username}
	if !keepHome {
		args = []string{"-r", username}
	}
	_, err := l.run(ctx, "userdel", args...)
	return err
}

// SetLock locks or unlocks the password. An expiry is written as the
// account expiration date (chage -E): past that date the account cannot log
// in at all, locked or not. Nothing lifts the lock when the date passes;
// unlocking clears the expiration again.
func (l *LinuxBackend) SetLock(ctx context.Context, username string, locked bool, expiry *time.Time) error {
	if !locked {
		if _, err := l.run(ctx, "usermod", "-U", username); err != nil {
			return err
		}
		_, err := l.run(ctx, "chage", "-E", "-1", username)
		return err
	}

	if _, err := l.run(ctx, "usermod", "-L", username); err != nil {
		return err
	}
	if expiry == nil {
		return nil
	}
	_, err := l.run(ctx, "chage", "-E", expiry.UTC().Format(time.DateOnly), username)
	return err
}

func (l *LinuxBackend) Modify(ctx context.Context, username string, changes Changes) error {
	if err := l.ensureGroups(ctx, changes.AddGroups); err != nil {
		return err
	}

	args := []string{}
	if changes.NewUsername != "" {
		args = append(args, "-l", changes.NewUsername)
	}
	if changes.Shell != "" {
		args = append(args, "-s", changes.Shell)
	}
	if changes.HomeDir != "" {
		args = append(args, "-d", changes.HomeDir)
		if changes.MoveHome {
			args = append(args, "-m")
		}
	}
	switch {
	case len(changes.RemoveGroups) > 0:
		// usermod can only append or replace, so replace with the full set.
		groups, err := l.membership(ctx, username, changes)
		if err != nil {
			return err
		}
		args = append(args, "-G", strings.Join(groups, ","))
	case len(changes.AddGroups) > 0:
		args = append(args, "-a", "-G", strings.Join(changes.AddGroups, ","))
	}
	if len(args) == 0 {
		return nil
	}
	args = append(args, username)

	_, err := l.run(ctx, "usermod", args...)
	return err
}

// membership computes the supplementary groups an account ends up with.
func (l *LinuxBackend) membership(ctx context.Context, username string, changes Changes) ([]string, error) {
	account, found, err := l.Lookup(ctx, username)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("user '%s' does not exist: %w", username, errdefs.ErrNotFound)
	}
	groups := mergeGroups(account.Groups, changes.AddGroups)
	return slices.DeleteFunc(groups, func(g string) bool {
		return slices.Contains(changes.RemoveGroups, g)
	}), nil
}

func (l *LinuxBackend) ensureGroups(ctx context.Context, groups []string) error {
	for _, group := range groups {
		result, err := l.run(ctx, "getent", "group", group)
		if err == nil {
			continue
		}
		if result.ExitCode != getentNotFound {
			return err
		}
		if _, err := l.run(ctx, "groupadd", group); err != nil {
			return err
		}
	}
	return nil
}

type groupEntry struct {
	Name    string
	GID     int
	Members []string
}

func (l *LinuxBackend) groups(ctx context.Context) ([]groupEntry, error) {
	result, err := l.run(ctx, "getent", "group")
	if err != nil {
		return nil, err
	}
	return parseGroup(result.STDOUT), nil
}

type shadowEntry struct {
	Locked bool
	Expiry *time.Time
}

// shadow is best effort: without privilege the shadow database is unreadable
// and lock state is reported as unlocked.
func (l *LinuxBackend) shadow(ctx context.Context, names ...string) map[string]shadowEntry {
	result, err := l.run(ctx, "getent", append([]string{"shadow"}, names...)...)
	if err != nil {
		return map[string]shadowEntry{}
	}
	return parseShadow(result.STDOUT)
}

func parsePasswd(out string) []Account {
	accounts := []Account{}
	for _, line := range strings.Split(out, "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) < 7 {
			continue
		}
		uid, err := strconv.Atoi(parts[2])
		if err != nil {
			continue
		}
		gid, _ := strconv.Atoi(parts[3])

		accounts = append(accounts, Account{
			Username: parts[0],
			UID:      uid,
			GID:      gid,
			FullName: strings.Split(parts[4], ",")[0],
			HomeDir:  parts[5],
			Shell:    parts[6],
			Groups:   []string{},
		})
	}
	return accounts
}

func parseGroup(out string) []groupEntry {
	var groups []groupEntry
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Split(line, ":")
		if len(parts) < 4 {
			continue
		}
		gid, err := strconv.Atoi(parts[2])
		if err != nil {
			continue
		}
		entry := groupEntry{Name: parts[0], GID: gid}
		for _, member := range strings.Split(parts[3], ",") {
			if member = strings.TrimSpace(member); member != "" {
				entry.Members = append(entry.Members, member)
			}
		}
		groups = append(groups, entry)
	}
	return groups
}

func parseShadow(out string) map[string]shadowEntry {
	entries := map[string]shadowEntry{}
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Split(line, ":")
		if len(parts) < 2 || parts[0] == "" {
			continue
		}
		// usermod -L prefixes the hash with "!"; "*" marks a disabled password.
		entry := shadowEntry{Locked: strings.HasPrefix(parts[1], "!") || strings.HasPrefix(parts[1], "*")}
		if len(parts) >= 8 && parts[7] != "" {
			if days, err := strconv.ParseInt(parts[7], 10, 64); err == nil && days >= 0 {
				at := time.Unix(days*86400, 0).UTC()
				entry.Expiry = &at
			}
		}
		entries[parts[0]] = entry
	}
	return entries
}

// applyGroups fills supplementary group membership. The primary group is
// left out; it is usually the account's private group.
func applyGroups(a *Account, groups []groupEntry) {
	for _, g := range groups {
		if slices.Contains(g.Members, a.Username) {
			a.Groups = append(a.Groups, g.Name)
		}
	}
}

func applyShadow(a *Account, shadow map[string]shadowEntry) {
	entry, ok := shadow[a.Username]
	if !ok {
		return
	}
	a.Locked = entry.Locked
	if entry.Locked {
		a.LockExpiry = entry.Expiry
	}
}

// classify maps a failed primitive onto the error taxonomy, keeping its
// output verbatim.
func classify(command string, result cm.CommandResult, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	output := strings.TrimSpace(result.Output())
	kind := errdefs.ErrExecutionFailure
	switch {
	case isPermissionOutput(output) || (result.ExitCode == 1 && isShadowUtil(command)):
		kind = errdefs.ErrPermissionDenied
	case result.ExitCode == 9 && (command == "useradd" || command == "usermod"):
		kind = errdefs.ErrDuplicateAccount
	case result.ExitCode == 6 && (command == "userdel" || command == "usermod"):
		kind = errdefs.ErrNotFound
	}

	return &errdefs.ExecutionError{
		Command:  command,
		ExitCode: result.ExitCode,
		Output:   output,
		Kind:     kind,
		Err:      err,
	}
}

func isShadowUtil(command string) bool {
	switch command {
	case "useradd", "usermod", "userdel", "groupadd":
		return true
	}
	return false
}

func isPermissionOutput(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range []string{"permission denied", "cannot lock /etc/", "cannot open /etc/", "only root", "must be run as root"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
