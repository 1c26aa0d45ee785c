package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/steelcutops/userctl/userctl/archive"
	"github.com/steelcutops/userctl/userctl/audit"
	"github.com/steelcutops/userctl/userctl/batch"
	"github.com/steelcutops/userctl/userctl/config"
	"github.com/steelcutops/userctl/userctl/errdefs"
	"github.com/steelcutops/userctl/userctl/notify"
	um "github.com/steelcutops/userctl/userctl/usermanager"
	"github.com/steelcutops/userctl/userctl/validator"
)

type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Deliver(ctx context.Context, msg notify.Message) error {
	args := m.Called(msg)
	return args.Error(0)
}

// stepClock returns a new second on every call so reports never collide.
func stepClock() func() time.Time {
	var mu sync.Mutex
	next := time.Date(2024, 3, 1, 14, 30, 5, 0, time.Local)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := next
		next = next.Add(time.Second)
		return now
	}
}

func staticCollectors() map[audit.Section]audit.Collector {
	out := map[audit.Section]audit.Collector{}
	for _, s := range audit.Sections {
		name := string(s)
		out[s] = audit.CollectorFunc(func(context.Context) (string, error) {
			return name + " ok", nil
		})
	}
	return out
}

func newTestEngine(t *testing.T, collectors map[audit.Section]audit.Collector) (*Engine, *MockTransport) {
	t.Helper()
	log, _ := test.NewNullLogger()
	policy := um.DefaultPolicy()

	backend := um.NewMemoryBackend(1000)
	backend.Seed(um.Account{Username: "root", UID: 0, Shell: "/bin/bash", HomeDir: "/root"})

	if collectors == nil {
		collectors = staticCollectors()
	}
	gen := audit.NewGenerator(collectors, log)
	gen.Now = stepClock()

	reports := archive.New(t.TempDir(), log)
	transport := &MockTransport{}

	return &Engine{
		Validator: validator.New(policy.Shells),
		Accounts:  um.NewManager(backend, um.WithPolicy(policy), um.WithLogger(log)),
		Generator: gen,
		Archive:   reports,
		Notifier:  &notify.Dispatcher{Archive: reports, Transport: transport, Log: log},
		Log:       log,
	}, transport
}

func createJdoe(t *testing.T, e *Engine) {
	t.Helper()
	resp := e.Create(context.Background(), um.CreateRequest{
		Username:        "jdoe",
		FullName:        "John Doe",
		Role:            um.RoleStudent,
		Password:        "Secret1",
		PasswordConfirm: "Secret1",
	})
	require.True(t, resp.OK, resp.Error)
}

func fieldNames(resp Response) []string {
	var out []string
	for _, f := range resp.Fields {
		out = append(out, f.Field)
	}
	return out
}

func TestCreateAndQuery(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	resp := e.Create(ctx, um.CreateRequest{
		Username:        "jdoe",
		FullName:        "John Doe",
		Role:            um.RoleStudent,
		Password:        "Secret1",
		PasswordConfirm: "Secret1",
	})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, "User jdoe created successfully", resp.Message)
	account := resp.Data.(um.Account)
	assert.Equal(t, um.RoleStudent, account.Role)
	assert.Equal(t, "/home/jdoe", account.HomeDir)

	resp = e.Create(ctx, um.CreateRequest{Username: "jdoe", Role: um.RoleGuest, Password: "x", PasswordConfirm: "x"})
	assert.False(t, resp.OK)
	assert.Equal(t, "duplicate_account", resp.Kind)

	resp = e.Query(ctx, "jdoe")
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, "jdoe", resp.Data.(um.Account).Username)

	resp = e.Query(ctx, "ghost")
	assert.Equal(t, "not_found", resp.Kind)

	resp = e.ListAccounts(ctx)
	require.True(t, resp.OK)
	assert.Len(t, resp.Data.([]um.Account), 1)
}

func TestCreateReportsEveryInvalidField(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	resp := e.Create(context.Background(), um.CreateRequest{
		Username:        "Bad Name",
		Role:            "wizard",
		Shell:           "/bin/fish",
		Password:        "one",
		PasswordConfirm: "two",
	})
	assert.False(t, resp.OK)
	assert.Equal(t, "validation", resp.Kind)
	assert.ElementsMatch(t, []string{"username", "passwordConfirm", "role", "shell"}, fieldNames(resp))
}

func TestLockAndUnlock(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	createJdoe(t, e)

	resp := e.Lock(ctx, LockRequest{Username: "jdoe", Action: "lock", Reason: "left the course", ExpireAfterDays: 7})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, "User jdoe locked successfully", resp.Message)
	account := e.Query(ctx, "jdoe").Data.(um.Account)
	assert.True(t, account.Locked)
	assert.NotNil(t, account.LockExpiry)

	resp = e.Lock(ctx, LockRequest{Username: "jdoe", Action: "Unlock"})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, "User jdoe unlocked successfully", resp.Message)
	assert.False(t, e.Query(ctx, "jdoe").Data.(um.Account).Locked)

	resp = e.Lock(ctx, LockRequest{Username: "jdoe", Action: "freeze"})
	assert.Equal(t, "validation", resp.Kind)
	assert.Equal(t, []string{"action"}, fieldNames(resp))

	resp = e.Lock(ctx, LockRequest{Username: "root", Action: "lock"})
	assert.Equal(t, "policy_violation", resp.Kind)

	resp = e.Lock(ctx, LockRequest{Username: "ghost", Action: "lock"})
	assert.Equal(t, "not_found", resp.Kind)
}

func TestModify(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	createJdoe(t, e)

	shell := "/bin/zsh"
	resp := e.Modify(ctx, um.ModifyRequest{Username: "jdoe", Shell: &shell})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, "User jdoe modified successfully", resp.Message)

	newName := "johnd"
	resp = e.Modify(ctx, um.ModifyRequest{Username: "jdoe", NewUsername: &newName})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, "Username changed from jdoe to johnd successfully", resp.Message)
	assert.Equal(t, "/bin/zsh", resp.Data.(um.Account).Shell)

	resp = e.Modify(ctx, um.ModifyRequest{Username: "johnd"})
	assert.Equal(t, "validation", resp.Kind)
	assert.Contains(t, resp.Error, "no changes specified")
}

func TestModifyDemotesAdmin(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	resp := e.Create(ctx, um.CreateRequest{
		Username:        "ops",
		Role:            um.RoleAdmin,
		Password:        "Secret1",
		PasswordConfirm: "Secret1",
	})
	require.True(t, resp.OK, resp.Error)

	student := um.RoleStudent
	resp = e.Modify(ctx, um.ModifyRequest{Username: "ops", Role: &student})
	require.True(t, resp.OK, resp.Error)

	account := e.Query(ctx, "ops").Data.(um.Account)
	assert.Equal(t, um.RoleStudent, account.Role)
	assert.Equal(t, []string{"students"}, account.Groups)
}

func TestDelete(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	createJdoe(t, e)

	resp := e.Delete(ctx, DeleteRequest{Username: "jdoe"})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, "User jdoe deleted successfully", resp.Message)

	assert.Equal(t, "not_found", e.Delete(ctx, DeleteRequest{Username: "jdoe"}).Kind)
	assert.Equal(t, "policy_violation", e.Delete(ctx, DeleteRequest{Username: "root"}).Kind)
	assert.Equal(t, "validation", e.Delete(ctx, DeleteRequest{Username: ""}).Kind)
}

const bulkCSV = "username,fullname,password,shell,role\n" +
	"jdoe,John Doe,Secret1,/bin/bash,student\n" +
	"Bad!,Broken,pw,/bin/bash,student\n"

func TestBulk(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	resp := e.Bulk(ctx, BulkRequest{CSV: bulkCSV})
	assert.False(t, resp.OK)
	assert.Equal(t, "validation", resp.Kind)
	assert.Equal(t, "Bulk provisioning: 1 applied, 0 skipped, 1 failed", resp.Message)
	result := resp.Data.(*batch.Result)
	require.Len(t, result.Rows, 2)
	assert.Equal(t, batch.OutcomeApplied, result.Rows[0].Outcome)
	assert.Equal(t, batch.OutcomeFailed, result.Rows[1].Outcome)
	assert.True(t, e.Query(ctx, "jdoe").OK)

	resp = e.Bulk(ctx, BulkRequest{CSV: "name,password\njdoe,x\n"})
	assert.Equal(t, "validation", resp.Kind)
	assert.Equal(t, []string{"csv"}, fieldNames(resp))
}

func TestBulkDryRunChangesNothing(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	resp := e.Bulk(ctx, BulkRequest{CSV: "username,fullname,password,shell,role\njdoe,John Doe,Secret1,/bin/bash,student\n", DryRun: true})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, "Bulk validation: 0 applied, 1 skipped, 0 failed", resp.Message)
	assert.Equal(t, batch.ReasonDryRun, resp.Data.(*batch.Result).Rows[0].Reason)
	assert.Equal(t, "not_found", e.Query(ctx, "jdoe").Kind)
}

func TestStartBatchAndWait(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	csv := "username,fullname,password,shell,role\n" +
		"jdoe,John Doe,Secret1,/bin/bash,student\n" +
		"asmith,Alice Smith,Secret2,/bin/zsh,admin\n"

	resp := e.StartBatch(BulkRequest{CSV: csv})
	require.True(t, resp.OK, resp.Error)
	started := resp.Data.(Job)
	assert.Equal(t, JobBulk, started.Kind)
	assert.Equal(t, 2, started.Total)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := e.Wait(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, job.State)
	assert.Equal(t, 2, job.Processed)
	assert.Equal(t, 2, job.Result.(*batch.Result).Applied)
	assert.Equal(t, started.ID, job.Result.(*batch.Result).JobID)

	resp = e.Job(started.ID)
	require.True(t, resp.OK)
	assert.Equal(t, "Job "+started.ID+" is completed", resp.Message)
	assert.Len(t, e.Jobs().Data.([]Job), 1)

	resp = e.Cancel(started.ID)
	require.True(t, resp.OK)
	assert.Equal(t, "Job "+started.ID+" already completed", resp.Message)

	assert.Equal(t, "not_found", e.Job("nope").Kind)
	assert.Equal(t, "not_found", e.Cancel("nope").Kind)
	_, err = e.Wait(ctx, "nope")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestStartBatchMarksFailedRows(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	resp := e.StartBatch(BulkRequest{CSV: bulkCSV})
	require.True(t, resp.OK, resp.Error)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := e.Wait(ctx, resp.Data.(Job).ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.State)
	assert.Contains(t, job.Error, "line 3 (Bad!)")
}

func TestCancelAuditStoresPartialReport(t *testing.T) {
	started := make(chan struct{})
	collectors := staticCollectors()
	collectors[audit.SectionSystem] = audit.CollectorFunc(func(ctx context.Context) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	e, _ := newTestEngine(t, collectors)

	resp := e.StartAudit(AuditRequest{Sections: []string{"system", "users"}})
	require.True(t, resp.OK, resp.Error)
	id := resp.Data.(Job).ID

	<-started
	resp = e.Cancel(id)
	require.True(t, resp.OK)
	assert.Equal(t, "Cancellation requested for job "+id, resp.Message)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := e.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobCancelled, job.State)

	result := job.Result.(AuditResult)
	assert.Contains(t, result.Content, "=== USERS ===\n"+audit.SkippedCancelled)
	reports := e.ListReports().Data.([]ReportInfo)
	require.Len(t, reports, 1)
	assert.Equal(t, result.Filename, reports[0].Name)
}

func TestAuditCancelledStoresPartialReport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	collectors := staticCollectors()
	collectors[audit.SectionSystem] = audit.CollectorFunc(func(context.Context) (string, error) {
		cancel()
		return "system ok", nil
	})
	e, _ := newTestEngine(t, collectors)

	resp := e.Audit(ctx, AuditRequest{Sections: []string{"system", "users"}})
	assert.False(t, resp.OK)
	assert.Equal(t, "cancelled", resp.Kind)

	result := resp.Data.(AuditResult)
	assert.Contains(t, result.Content, "=== USERS ===\n"+audit.SkippedCancelled)
	reports := e.ListReports().Data.([]ReportInfo)
	require.Len(t, reports, 1)
	assert.Equal(t, result.Filename, reports[0].Name)
}

func TestStartAuditRejectsUnknownSection(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	resp := e.StartAudit(AuditRequest{Sections: []string{"system", "disks"}})
	assert.Equal(t, "validation", resp.Kind)
	assert.Empty(t, e.Jobs().Data.([]Job))
}

func TestAuditAndReports(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	resp := e.Audit(ctx, AuditRequest{Sections: []string{"system", "memory"}})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, "Report audit_report_20240301_143005.txt generated successfully", resp.Message)
	result := resp.Data.(AuditResult)
	assert.Equal(t, []audit.Section{audit.SectionSystem, audit.SectionMemory}, result.Sections)
	assert.Equal(t, len(result.Content), result.SizeBytes)

	require.True(t, e.Audit(ctx, AuditRequest{Sections: []string{"users"}}).OK)

	reports := e.ListReports().Data.([]ReportInfo)
	require.Len(t, reports, 2)
	assert.Equal(t, "audit_report_20240301_143006.txt", reports[0].Name)
	assert.Equal(t, "2024-03-01", reports[1].Date)
	assert.Equal(t, "14:30:05", reports[1].Time)

	resp = e.ReadReport(result.Filename)
	require.True(t, resp.OK, resp.Error)
	body := resp.Data.(string)
	assert.True(t, strings.HasPrefix(body, "System Audit Report\n"))
	assert.Contains(t, body, "=== MEMORY ===\nmemory ok")

	assert.Equal(t, "not_found", e.ReadReport("../../etc/passwd").Kind)
	assert.Equal(t, "validation", e.Audit(ctx, AuditRequest{}).Kind)
}

func TestSend(t *testing.T) {
	e, transport := newTestEngine(t, nil)
	ctx := context.Background()

	resp := e.Send(ctx, SendRequest{Destination: "ops@example.com"})
	assert.Equal(t, "no_reports_available", resp.Kind)

	require.True(t, e.Audit(ctx, AuditRequest{Sections: []string{"security"}}).OK)

	transport.On("Deliver", mock.MatchedBy(func(msg notify.Message) bool {
		return msg.Destination == "ops@example.com" && msg.Subject == notify.DefaultSubject &&
			strings.HasSuffix(msg.ReportPath, "audit_report_20240301_143005.txt")
	})).Return(nil).Once()

	resp = e.Send(ctx, SendRequest{Destination: "ops@example.com"})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, "Report sent successfully to ops@example.com", resp.Message)

	resp = e.Send(ctx, SendRequest{Destination: "not-an-address"})
	assert.Equal(t, "validation", resp.Kind)
	assert.Equal(t, []string{"destination"}, fieldNames(resp))

	transport.On("Deliver", mock.Anything).Return(&errdefs.ExecutionError{
		Command: "send_report.sh",
		Err:     errors.New("exit status 1"),
	}).Once()
	resp = e.Send(ctx, SendRequest{Destination: "ops@example.com", Subject: "Weekly"})
	assert.Equal(t, "execution_failure", resp.Kind)

	transport.AssertExpectations(t)
}

func TestTemplateAndShells(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	resp := e.Template()
	require.True(t, resp.OK)
	assert.True(t, strings.HasPrefix(resp.Data.(string), "username,fullname,password,shell,role\n"))

	resp = e.Shells()
	assert.Equal(t, um.DefaultPolicy().Shells, resp.Data.([]string))
}

func TestNewFromConfig(t *testing.T) {
	log, _ := test.NewNullLogger()
	cfg := config.Default()
	cfg.Engine.Backend = config.BackendMemory
	cfg.Archive.Root = t.TempDir()
	cfg.Roles["admin"] = config.Role{Groups: []string{"wheel"}, HomeBase: "/srv/admins"}

	e := New(cfg, Options{Log: log})

	resp := e.Create(context.Background(), um.CreateRequest{
		Username:        "ops",
		Role:            um.RoleAdmin,
		Password:        "Secret1",
		PasswordConfirm: "Secret1",
	})
	require.True(t, resp.OK, resp.Error)
	account := resp.Data.(um.Account)
	assert.Equal(t, "/srv/admins/ops", account.HomeDir)
	assert.Equal(t, []string{"wheel"}, account.Groups)
	assert.Equal(t, 1000, account.UID)

	assert.Equal(t, cfg.Shells.Allowed, e.Shells().Data.([]string))
	assert.Equal(t, cfg.Notify.DefaultSubject, e.Notifier.DefaultSubject)
	assert.Equal(t, cfg.Archive.Root, e.Archive.Root)
}
