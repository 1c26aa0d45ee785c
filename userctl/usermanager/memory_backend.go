package usermanager

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/steelcutops/userctl/userctl/errdefs"
)

// MemoryBackend is an in-process account table. It backs sandbox mode and
// tests; nothing touches the host.
type MemoryBackend struct {
	mu       sync.Mutex
	accounts map[string]*memoryAccount
	nextUID  int
}

type memoryAccount struct {
	Account
	hasPassword bool
}

// NewMemoryBackend returns an empty table whose first account gets UID
// firstUID.
func NewMemoryBackend(firstUID int) *MemoryBackend {
	return &MemoryBackend{accounts: map[string]*memoryAccount{}, nextUID: firstUID}
}

// Seed inserts an account as-is, for example a system account.
func (b *MemoryBackend) Seed(a Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a.Groups = mergeGroups(a.Groups)
	b.accounts[a.Username] = &memoryAccount{Account: a}
	if a.UID >= b.nextUID {
		b.nextUID = a.UID + 1
	}
}

func (b *MemoryBackend) Lookup(ctx context.Context, username string) (Account, bool, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.accounts[username]
	if !ok {
		return Account{}, false, nil
	}
	return a.snapshot(), true, nil
}

func (b *MemoryBackend) List(ctx context.Context) ([]Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Account, 0, len(b.accounts))
	for _, a := range b.accounts {
		out = append(out, a.snapshot())
	}
	return out, nil
}

func (b *MemoryBackend) Create(ctx context.Context, account NewAccount) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.accounts[account.Username]; ok {
		return fmt.Errorf("useradd: user '%s' already exists: %w", account.Username, errdefs.ErrDuplicateAccount)
	}
	b.accounts[account.Username] = &memoryAccount{Account: Account{
		Username: account.Username,
		UID:      b.nextUID,
		GID:      b.nextUID,
		FullName: account.FullName,
		Shell:    account.Shell,
		HomeDir:  account.HomeDir,
		Groups:   mergeGroups(account.Groups),
		// A new account has no usable password until one is set.
		Locked: true,
	}}
	b.nextUID++
	return nil
}

func (b *MemoryBackend) SetPassword(ctx context.Context, username, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	a, err := b.get(username)
	if err != nil {
		return err
	}
	a.hasPassword = password != ""
	a.Locked = !a.hasPassword
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, username string, _ bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.get(username); err != nil {
		return err
	}
	delete(b.accounts, username)
	return nil
}

func (b *MemoryBackend) SetLock(ctx context.Context, username string, locked bool, expiry *time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	a, err := b.get(username)
	if err != nil {
		return err
	}
	a.Locked = locked
	a.LockExpiry = nil
	if locked && expiry != nil {
		at := *expiry
		a.LockExpiry = &at
	}
	return nil
}

func (b *MemoryBackend) Modify(ctx context.Context, username string, changes Changes) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	a, err := b.get(username)
	if err != nil {
		return err
	}
	if changes.NewUsername != "" && changes.NewUsername != username {
		if _, taken := b.accounts[changes.NewUsername]; taken {
			return fmt.Errorf("usermod: user '%s' already exists: %w", changes.NewUsername, errdefs.ErrDuplicateAccount)
		}
		delete(b.accounts, username)
		a.Username = changes.NewUsername
		b.accounts[a.Username] = a
	}
	if changes.Shell != "" {
		a.Shell = changes.Shell
	}
	if changes.HomeDir != "" {
		a.HomeDir = changes.HomeDir
	}
	if len(changes.AddGroups) > 0 {
		a.Groups = mergeGroups(a.Groups, changes.AddGroups)
	}
	if len(changes.RemoveGroups) > 0 {
		a.Groups = slices.DeleteFunc(a.Groups, func(g string) bool {
			return slices.Contains(changes.RemoveGroups, g)
		})
	}
	return nil
}

func (b *MemoryBackend) get(username string) (*memoryAccount, error) {
	a, ok := b.accounts[username]
	if !ok {
		return nil, fmt.Errorf("user '%s' does not exist: %w", username, errdefs.ErrNotFound)
	}
	return a, nil
}

func (a *memoryAccount) snapshot() Account {
	out := a.Account
	out.Groups = slices.Clone(a.Groups)
	if a.LockExpiry != nil {
		at := *a.LockExpiry
		out.LockExpiry = &at
	}
	return out
}
