package usermanager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/steelcutops/userctl/userctl/errdefs"
)

const DefaultOpTimeout = 30 * time.Second

// Manager is the only component allowed to mutate accounts. Mutations hold
// an exclusive lock for their whole duration; reads share the lock with each
// other but never overlap a mutation.
type Manager struct {
	mu      sync.RWMutex
	backend Backend
	policy  Policy
	timeout time.Duration
	log     logrus.FieldLogger
	now     func() time.Time
}

type Option func(*Manager)

func WithPolicy(p Policy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithTimeout bounds every store operation, including the OS primitives it
// runs.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(backend Backend, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		policy:  DefaultPolicy(),
		timeout: DefaultOpTimeout,
		log:     logrus.StandardLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Policy() Policy {
	return m.policy
}

// ListShells returns the login shells accounts may be given.
func (m *Manager) ListShells() []string {
	return slices.Clone(m.policy.Shells)
}

// Create adds a new account with the home directory and group memberships
// implied by its role, then sets its password.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Account, error) {
	rp, ok := m.policy.Roles[req.Role]
	if !ok {
		return Account{}, fmt.Errorf("role %q: %w", req.Role, errdefs.ErrPolicyViolation)
	}
	if len(rp.Groups) == 0 {
		return Account{}, fmt.Errorf("role %q has no groups to recognize it by: %w", req.Role, errdefs.ErrPolicyViolation)
	}
	if conflicts := m.policy.roleConflicts(req.Role, req.Groups); len(conflicts) > 0 {
		return Account{}, fmt.Errorf("groups %v belong to another role than %s: %w", conflicts, req.Role, errdefs.ErrPolicyViolation)
	}
	shell := req.Shell
	if shell == "" {
		shell = m.policy.DefaultShell
	}
	if !m.policy.ShellAllowed(shell) {
		return Account{}, fmt.Errorf("shell %q: %w", shell, errdefs.ErrPolicyViolation)
	}
	home := req.HomeDir
	if home == "" {
		home = m.policy.HomeFor(req.Role, req.Username)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	_, exists, err := m.backend.Lookup(opCtx, req.Username)
	if err != nil {
		return Account{}, m.wrap(opCtx, "create", req.Username, err)
	}
	if exists {
		return Account{}, fmt.Errorf("create %s: %w", req.Username, errdefs.ErrDuplicateAccount)
	}

	err = m.backend.Create(opCtx, NewAccount{
		Username: req.Username,
		FullName: req.FullName,
		Shell:    shell,
		HomeDir:  home,
		Groups:   mergeGroups(rp.Groups, req.Groups),
	})
	if err != nil {
		return Account{}, m.wrap(opCtx, "create", req.Username, err)
	}

	if err := m.backend.SetPassword(opCtx, req.Username, req.Password); err != nil {
		// Do not leave a half-provisioned account behind.
		cleanupCtx, cleanupCancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cleanupCancel()
		if cleanupErr := m.backend.Delete(cleanupCtx, req.Username, false); cleanupErr != nil {
			m.log.WithField("username", req.Username).WithError(cleanupErr).Warn("Failed to remove account after password setup failure")
		}
		return Account{}, m.wrap(opCtx, "set password for", req.Username, err)
	}

	account, _, err := m.backend.Lookup(opCtx, req.Username)
	if err != nil {
		return Account{}, m.wrap(opCtx, "create", req.Username, err)
	}

	m.log.WithFields(logrus.Fields{"username": req.Username, "role": req.Role, "uid": account.UID}).Info("Created account")
	return m.decorate(account), nil
}

// Delete removes an account, and its home directory unless keepHome is set.
// Deleting an absent account returns ErrNotFound.
func (m *Manager) Delete(ctx context.Context, username string, keepHome bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	account, err := m.mustExist(opCtx, "delete", username)
	if err != nil {
		return err
	}
	if !m.policy.IsHuman(account) {
		return fmt.Errorf("delete %s: system account (uid %d): %w", username, account.UID, errdefs.ErrPolicyViolation)
	}

	if err := m.backend.Delete(opCtx, username, keepHome); err != nil {
		return m.wrap(opCtx, "delete", username, err)
	}

	m.log.WithFields(logrus.Fields{"username": username, "keep_home": keepHome}).Info("Deleted account")
	return nil
}

// SetLock locks or unlocks an account. A positive ExpireAfterDays is
// recorded as the account's expiration date and reported as LockExpiry. The
// lock is not lifted when that date passes; the account stays unusable until
// it is unlocked, which clears the date.
func (m *Manager) SetLock(ctx context.Context, req LockRequest) error {
	if req.ExpireAfterDays < 0 {
		return errdefs.Invalid("expireAfterDays", "must not be negative")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	account, err := m.mustExist(opCtx, "lock", req.Username)
	if err != nil {
		return err
	}
	if account.UID == 0 {
		return fmt.Errorf("lock %s: %w", req.Username, errdefs.ErrPolicyViolation)
	}

	var expiry *time.Time
	if req.Locked && req.ExpireAfterDays > 0 {
		at := m.now().AddDate(0, 0, req.ExpireAfterDays)
		expiry = &at
	}

	if err := m.backend.SetLock(opCtx, req.Username, req.Locked, expiry); err != nil {
		return m.wrap(opCtx, "lock", req.Username, err)
	}

	fields := logrus.Fields{"username": req.Username, "locked": req.Locked}
	if req.Reason != "" {
		fields["reason"] = req.Reason
	}
	if expiry != nil {
		fields["expires"] = expiry.Format(time.DateOnly)
	}
	m.log.WithFields(fields).Info("Changed account lock")
	return nil
}

// Modify applies the requested changes and returns the resulting account.
func (m *Manager) Modify(ctx context.Context, req ModifyRequest) (Account, error) {
	changes := Changes{MoveHome: req.MoveHome, AddGroups: slices.Clone(req.Groups)}

	if req.Role != nil {
		rp, ok := m.policy.Roles[*req.Role]
		if !ok {
			return Account{}, fmt.Errorf("role %q: %w", *req.Role, errdefs.ErrPolicyViolation)
		}
		if conflicts := m.policy.roleConflicts(*req.Role, req.Groups); len(conflicts) > 0 {
			return Account{}, fmt.Errorf("groups %v belong to another role than %s: %w", conflicts, *req.Role, errdefs.ErrPolicyViolation)
		}
		changes.AddGroups = mergeGroups(changes.AddGroups, rp.Groups)
		// The role is derived from membership, so the groups of every other
		// role have to go.
		changes.RemoveGroups = m.policy.otherRoleGroups(*req.Role)
	}
	if req.Shell != nil {
		if !m.policy.ShellAllowed(*req.Shell) {
			return Account{}, fmt.Errorf("shell %q: %w", *req.Shell, errdefs.ErrPolicyViolation)
		}
		changes.Shell = *req.Shell
	}
	if req.HomeDir != nil {
		changes.HomeDir = *req.HomeDir
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	if _, err := m.mustExist(opCtx, "modify", req.Username); err != nil {
		return Account{}, err
	}

	target := req.Username
	if req.NewUsername != nil && *req.NewUsername != req.Username {
		_, taken, err := m.backend.Lookup(opCtx, *req.NewUsername)
		if err != nil {
			return Account{}, m.wrap(opCtx, "modify", req.Username, err)
		}
		if taken {
			return Account{}, fmt.Errorf("rename %s to %s: %w", req.Username, *req.NewUsername, errdefs.ErrDuplicateAccount)
		}
		changes.NewUsername = *req.NewUsername
		target = *req.NewUsername
	}

	if err := m.backend.Modify(opCtx, req.Username, changes); err != nil {
		return Account{}, m.wrap(opCtx, "modify", req.Username, err)
	}

	account, found, err := m.backend.Lookup(opCtx, target)
	if err != nil {
		return Account{}, m.wrap(opCtx, "modify", target, err)
	}
	if !found {
		return Account{}, fmt.Errorf("modify %s: account vanished after change: %w", target, errdefs.ErrExecutionFailure)
	}

	m.log.WithFields(logrus.Fields{"username": req.Username, "new_username": changes.NewUsername}).Info("Modified account")
	return m.decorate(account), nil
}

// ChangePassword replaces the password of an existing account.
func (m *Manager) ChangePassword(ctx context.Context, username, password string) error {
	if password == "" {
		return errdefs.Invalid("password", "must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	if _, err := m.mustExist(opCtx, "change password for", username); err != nil {
		return err
	}
	if err := m.backend.SetPassword(opCtx, username, password); err != nil {
		return m.wrap(opCtx, "change password for", username, err)
	}

	m.log.WithField("username", username).Info("Changed account password")
	return nil
}

// Query re-reads one account from the store.
func (m *Manager) Query(ctx context.Context, username string) (Account, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	account, found, err := m.backend.Lookup(opCtx, username)
	if err != nil {
		return Account{}, false, m.wrap(opCtx, "query", username, err)
	}
	if !found {
		return Account{}, false, nil
	}
	return m.decorate(account), true, nil
}

// ListHumanAccounts returns login accounts sorted by username, leaving out
// system, overflow and underscore-prefixed service accounts.
func (m *Manager) ListHumanAccounts(ctx context.Context) ([]Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	all, err := m.backend.List(opCtx)
	if err != nil {
		return nil, m.wrap(opCtx, "list", "accounts", err)
	}

	accounts := make([]Account, 0, len(all))
	for _, a := range all {
		if m.policy.IsHuman(a) {
			accounts = append(accounts, m.decorate(a))
		}
	}
	slices.SortFunc(accounts, func(a, b Account) int {
		return strings.Compare(a.Username, b.Username)
	})
	return accounts, nil
}

func (m *Manager) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

func (m *Manager) mustExist(ctx context.Context, op, username string) (Account, error) {
	account, found, err := m.backend.Lookup(ctx, username)
	if err != nil {
		return Account{}, m.wrap(ctx, op, username, err)
	}
	if !found {
		return Account{}, fmt.Errorf("%s %s: %w", op, username, errdefs.ErrNotFound)
	}
	return account, nil
}

// wrap classifies a backend error. A deadline hit by the operation's own
// timeout becomes ErrExecutionTimeout.
func (m *Manager) wrap(opCtx context.Context, op, subject string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w after %s", op, subject, errdefs.ErrExecutionTimeout, m.timeout)
	}
	return fmt.Errorf("%s %s: %w", op, subject, err)
}

func (m *Manager) decorate(a Account) Account {
	a.Groups = mergeGroups(a.Groups)
	a.Role = m.policy.RoleOf(a.Groups)
	return a
}
