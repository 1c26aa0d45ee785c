package usermanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steelcutops/userctl/userctl/errdefs"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *MemoryBackend) {
	t.Helper()
	backend := NewMemoryBackend(1000)
	backend.Seed(Account{Username: "root", UID: 0, GID: 0, Shell: "/bin/bash", HomeDir: "/root"})
	backend.Seed(Account{Username: "daemon", UID: 1, GID: 1, Shell: "/usr/sbin/nologin", HomeDir: "/usr/sbin"})

	log, _ := test.NewNullLogger()
	opts = append([]Option{WithLogger(log)}, opts...)
	return NewManager(backend, opts...), backend
}

func studentRequest(username string) CreateRequest {
	return CreateRequest{
		Username:        username,
		Role:            RoleStudent,
		Password:        "Secret1",
		PasswordConfirm: "Secret1",
	}
}

func TestCreateQueryDuplicate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, studentRequest("jdoe"))
	require.NoError(t, err)
	assert.Equal(t, "jdoe", created.Username)
	assert.Equal(t, RoleStudent, created.Role)

	account, found, err := m.Query(ctx, "jdoe")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, RoleStudent, account.Role)
	assert.Equal(t, "/bin/bash", account.Shell)
	assert.Equal(t, "/home/jdoe", account.HomeDir)
	assert.Equal(t, []string{"students"}, account.Groups)
	assert.False(t, account.Locked)

	_, err = m.Create(ctx, studentRequest("jdoe"))
	assert.ErrorIs(t, err, errdefs.ErrDuplicateAccount)
}

func TestCreateAppliesRequestFields(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	req := CreateRequest{
		Username:        "asmith",
		FullName:        "Alice Smith",
		Role:            RoleAdmin,
		Shell:           "/bin/zsh",
		HomeDir:         "/srv/asmith",
		Groups:          []string{"docker"},
		Password:        "pw",
		PasswordConfirm: "pw",
	}
	_, err := m.Create(ctx, req)
	require.NoError(t, err)

	account, found, err := m.Query(ctx, "asmith")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Alice Smith", account.FullName)
	assert.Equal(t, "/bin/zsh", account.Shell)
	assert.Equal(t, "/srv/asmith", account.HomeDir)
	assert.Equal(t, RoleAdmin, account.Role)
	assert.Equal(t, []string{"docker", "sudo"}, account.Groups)
}

func TestCreatePolicyViolations(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	req := studentRequest("jdoe")
	req.Role = "superuser"
	_, err := m.Create(ctx, req)
	assert.ErrorIs(t, err, errdefs.ErrPolicyViolation)

	req = studentRequest("jdoe")
	req.Shell = "/bin/fish"
	_, err = m.Create(ctx, req)
	assert.ErrorIs(t, err, errdefs.ErrPolicyViolation)

	_, found, err := m.Query(ctx, "jdoe")
	require.NoError(t, err)
	assert.False(t, found)
}

type failingPasswordBackend struct {
	*MemoryBackend
}

func (failingPasswordBackend) SetPassword(context.Context, string, string) error {
	return &errdefs.ExecutionError{Command: "chpasswd", ExitCode: 1, Output: "chpasswd: PAM: Authentication token manipulation error", Kind: errdefs.ErrExecutionFailure}
}

func TestCreateRemovesAccountWhenPasswordFails(t *testing.T) {
	backend := failingPasswordBackend{NewMemoryBackend(1000)}
	log, hook := test.NewNullLogger()
	m := NewManager(backend, WithLogger(log))

	_, err := m.Create(context.Background(), studentRequest("jdoe"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrExecutionFailure)
	assert.Contains(t, err.Error(), "Authentication token manipulation error")

	_, found, err := backend.Lookup(context.Background(), "jdoe")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, hook.AllEntries())
}

func TestAbsentAccountIsNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	err := m.Delete(ctx, "ghost", false)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	err = m.SetLock(ctx, LockRequest{Username: "ghost", Locked: true})
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	shell := "/bin/sh"
	_, err = m.Modify(ctx, ModifyRequest{Username: "ghost", Shell: &shell})
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	err = m.ChangePassword(ctx, "ghost", "pw")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestQueryIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Create(ctx, studentRequest("jdoe"))
	require.NoError(t, err)

	first, _, err := m.Query(ctx, "jdoe")
	require.NoError(t, err)
	second, _, err := m.Query(ctx, "jdoe")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDeleteRefusesSystemAccounts(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	assert.ErrorIs(t, m.Delete(ctx, "root", false), errdefs.ErrPolicyViolation)
	assert.ErrorIs(t, m.Delete(ctx, "daemon", true), errdefs.ErrPolicyViolation)

	_, err := m.Create(ctx, studentRequest("jdoe"))
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, "jdoe", false))

	_, found, err := m.Query(ctx, "jdoe")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSetLock(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	_, err := m.Create(ctx, studentRequest("jdoe"))
	require.NoError(t, err)

	err = m.SetLock(ctx, LockRequest{Username: "jdoe", Locked: true, Reason: "left the course", ExpireAfterDays: 7})
	require.NoError(t, err)

	account, _, err := m.Query(ctx, "jdoe")
	require.NoError(t, err)
	assert.True(t, account.Locked)
	require.NotNil(t, account.LockExpiry)
	assert.Equal(t, now.AddDate(0, 0, 7), *account.LockExpiry)

	require.NoError(t, m.SetLock(ctx, LockRequest{Username: "jdoe", Locked: false}))
	account, _, err = m.Query(ctx, "jdoe")
	require.NoError(t, err)
	assert.False(t, account.Locked)
	assert.Nil(t, account.LockExpiry)
}

func TestSetLockRules(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	err := m.SetLock(ctx, LockRequest{Username: "root", Locked: true})
	assert.ErrorIs(t, err, errdefs.ErrPolicyViolation)

	err = m.SetLock(ctx, LockRequest{Username: "jdoe", Locked: true, ExpireAfterDays: -1})
	assert.ErrorIs(t, err, errdefs.ErrValidation)
}

func TestModify(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.Create(ctx, studentRequest("jdoe"))
	require.NoError(t, err)
	_, err = m.Create(ctx, studentRequest("asmith"))
	require.NoError(t, err)

	taken := "asmith"
	_, err = m.Modify(ctx, ModifyRequest{Username: "jdoe", NewUsername: &taken})
	assert.ErrorIs(t, err, errdefs.ErrDuplicateAccount)

	fish := "/bin/fish"
	_, err = m.Modify(ctx, ModifyRequest{Username: "jdoe", Shell: &fish})
	assert.ErrorIs(t, err, errdefs.ErrPolicyViolation)

	newName := "johnd"
	admin := RoleAdmin
	zsh := "/bin/zsh"
	account, err := m.Modify(ctx, ModifyRequest{
		Username:    "jdoe",
		NewUsername: &newName,
		Role:        &admin,
		Shell:       &zsh,
		Groups:      []string{"video"},
	})
	require.NoError(t, err)
	assert.Equal(t, "johnd", account.Username)
	assert.Equal(t, "/bin/zsh", account.Shell)
	assert.Equal(t, RoleAdmin, account.Role)
	assert.Equal(t, []string{"sudo", "video"}, account.Groups)

	_, found, err := m.Query(ctx, "jdoe")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestModifyRoleReplacesRoleGroups(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	req := studentRequest("jdoe")
	req.Role = RoleAdmin
	req.Groups = []string{"video"}
	_, err := m.Create(ctx, req)
	require.NoError(t, err)

	for _, role := range []Role{RoleStudent, RoleGuest, RoleAdmin} {
		role := role
		account, err := m.Modify(ctx, ModifyRequest{Username: "jdoe", Role: &role})
		require.NoError(t, err)
		assert.Equal(t, role, account.Role)

		queried, found, err := m.Query(ctx, "jdoe")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, role, queried.Role)
		assert.Equal(t, mergeGroups(m.Policy().Roles[role].Groups, []string{"video"}), queried.Groups)
	}
}

func TestRoleConflictingGroupsAreRejected(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	req := studentRequest("jdoe")
	req.Groups = []string{"sudo"}
	_, err := m.Create(ctx, req)
	assert.ErrorIs(t, err, errdefs.ErrPolicyViolation)

	_, err = m.Create(ctx, studentRequest("jdoe"))
	require.NoError(t, err)
	guest := RoleGuest
	_, err = m.Modify(ctx, ModifyRequest{Username: "jdoe", Role: &guest, Groups: []string{"students"}})
	assert.ErrorIs(t, err, errdefs.ErrPolicyViolation)

	account, _, err := m.Query(ctx, "jdoe")
	require.NoError(t, err)
	assert.Equal(t, RoleStudent, account.Role)
}

func TestCreateRejectsRoleWithoutGroups(t *testing.T) {
	policy := DefaultPolicy()
	policy.Roles[RoleGuest] = RolePolicy{HomeBase: "/home"}
	m, _ := newTestManager(t, WithPolicy(policy))

	req := studentRequest("visitor")
	req.Role = RoleGuest
	_, err := m.Create(context.Background(), req)
	assert.ErrorIs(t, err, errdefs.ErrPolicyViolation)

	_, found, err := m.Query(context.Background(), "visitor")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestListHumanAccounts(t *testing.T) {
	m, backend := newTestManager(t)
	ctx := context.Background()
	backend.Seed(Account{Username: "nobody", UID: 65534, GID: 65534})
	backend.Seed(Account{Username: "_apt", UID: 1500})

	for _, name := range []string{"zed", "amy"} {
		_, err := m.Create(ctx, studentRequest(name))
		require.NoError(t, err)
	}

	accounts, err := m.ListHumanAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "amy", accounts[0].Username)
	assert.Equal(t, "zed", accounts[1].Username)
}

type blockingBackend struct {
	*MemoryBackend
}

func (blockingBackend) Lookup(ctx context.Context, _ string) (Account, bool, error) {
	<-ctx.Done()
	return Account{}, false, ctx.Err()
}

func TestOperationTimeoutReleasesLock(t *testing.T) {
	log, _ := test.NewNullLogger()
	m := NewManager(blockingBackend{NewMemoryBackend(1000)}, WithTimeout(20*time.Millisecond), WithLogger(log))
	ctx := context.Background()

	_, err := m.Create(ctx, studentRequest("jdoe"))
	assert.ErrorIs(t, err, errdefs.ErrExecutionTimeout)

	// A second mutation can only time out if the first released the lock.
	err = m.Delete(ctx, "jdoe", false)
	assert.ErrorIs(t, err, errdefs.ErrExecutionTimeout)
}

func TestCallerCancellationIsNotATimeout(t *testing.T) {
	log, _ := test.NewNullLogger()
	m := NewManager(blockingBackend{NewMemoryBackend(1000)}, WithLogger(log))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := m.Query(ctx, "jdoe")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, errdefs.ErrExecutionTimeout))
}

// recordingBackend tracks how many calls are inside the backend at once.
type recordingBackend struct {
	*MemoryBackend
	mu       sync.Mutex
	inside   int
	maxSeen  int
	writerIn bool
	overlap  bool
}

func (r *recordingBackend) enter(write bool) {
	r.mu.Lock()
	r.inside++
	if r.inside > r.maxSeen {
		r.maxSeen = r.inside
	}
	if r.writerIn || (write && r.inside > 1) {
		r.overlap = true
	}
	if write {
		r.writerIn = true
	}
	r.mu.Unlock()
	time.Sleep(time.Millisecond)
}

func (r *recordingBackend) leave(write bool) {
	r.mu.Lock()
	r.inside--
	if write {
		r.writerIn = false
	}
	r.mu.Unlock()
}

func (r *recordingBackend) Create(ctx context.Context, a NewAccount) error {
	r.enter(true)
	defer r.leave(true)
	return r.MemoryBackend.Create(ctx, a)
}

func (r *recordingBackend) List(ctx context.Context) ([]Account, error) {
	r.enter(false)
	defer r.leave(false)
	return r.MemoryBackend.List(ctx)
}

func TestMutationsNeverOverlap(t *testing.T) {
	backend := &recordingBackend{MemoryBackend: NewMemoryBackend(1000)}
	log, _ := test.NewNullLogger()
	log.SetLevel(logrus.PanicLevel)
	m := NewManager(backend, WithLogger(log))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := m.Create(ctx, studentRequest(string(rune('a'+i))+"user"))
			assert.NoError(t, err)
		}(i)
		go func() {
			defer wg.Done()
			_, err := m.ListHumanAccounts(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, backend.overlap)
	accounts, err := m.ListHumanAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 8)
}

func TestListShellsIsACopy(t *testing.T) {
	m, _ := newTestManager(t)
	shells := m.ListShells()
	shells[0] = "/bin/false"
	assert.Equal(t, "/bin/bash", m.ListShells()[0])
}
