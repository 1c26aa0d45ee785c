package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/steelcutops/userctl/userctl/archive"
	"github.com/steelcutops/userctl/userctl/audit"
	"github.com/steelcutops/userctl/userctl/batch"
	"github.com/steelcutops/userctl/userctl/errdefs"
	"github.com/steelcutops/userctl/userctl/notify"
	um "github.com/steelcutops/userctl/userctl/usermanager"
	"github.com/steelcutops/userctl/userctl/validator"
)

type DeleteRequest struct {
	Username string `json:"username"`
	KeepHome bool   `json:"keepHome"`
}

type LockRequest struct {
	Username        string `json:"username"`
	Action          string `json:"action"`
	Reason          string `json:"reason,omitempty"`
	ExpireAfterDays int    `json:"expireAfterDays,omitempty"`
}

type BulkRequest struct {
	CSV    string `json:"csv"`
	DryRun bool   `json:"dryRun"`
}

type AuditRequest struct {
	Sections []string `json:"sections"`
}

type SendRequest struct {
	Destination string `json:"destination"`
	Subject     string `json:"subject,omitempty"`
	ReportPath  string `json:"reportPath,omitempty"`
}

// Response is what every engine operation hands back to a front end.
type Response struct {
	OK      bool                 `json:"ok"`
	Message string               `json:"message,omitempty"`
	Error   string               `json:"error,omitempty"`
	Kind    string               `json:"kind,omitempty"`
	Fields  []errdefs.FieldError `json:"fields,omitempty"`
	Data    any                  `json:"data,omitempty"`
}

func success(data any, format string, args ...any) Response {
	return Response{OK: true, Message: fmt.Sprintf(format, args...), Data: data}
}

func failure(err error) Response {
	resp := Response{Error: err.Error(), Kind: errdefs.Kind(err)}
	var verr *errdefs.ValidationError
	if errors.As(err, &verr) {
		resp.Fields = verr.Fields
	}
	return resp
}

// AuditResult is the payload of a generated report.
type AuditResult struct {
	Filename  string          `json:"filename"`
	Path      string          `json:"path"`
	SizeBytes int             `json:"sizeBytes"`
	Sections  []audit.Section `json:"sections"`
	Content   string          `json:"content"`
}

// ReportInfo is an archive entry with its display fields.
type ReportInfo struct {
	archive.Entry
	Date string `json:"date"`
	Time string `json:"time"`
	Size string `json:"size"`
}

// Engine sits between front ends and the components. It validates, calls
// exactly one component operation per request and shapes the result.
type Engine struct {
	Validator *validator.Validator
	Accounts  *um.Manager
	Generator *audit.Generator
	Archive   *archive.Archive
	Notifier  *notify.Dispatcher
	Log       logrus.FieldLogger

	jobs registry
}

func (e *Engine) Create(ctx context.Context, req um.CreateRequest) Response {
	if err := e.Validator.ValidateCreate(req); err != nil {
		return failure(err)
	}
	account, err := e.Accounts.Create(ctx, req)
	if err != nil {
		return failure(err)
	}
	return success(account, "User %s created successfully", account.Username)
}

func (e *Engine) Delete(ctx context.Context, req DeleteRequest) Response {
	if err := e.Validator.ValidateDelete(req.Username); err != nil {
		return failure(err)
	}
	if err := e.Accounts.Delete(ctx, req.Username, req.KeepHome); err != nil {
		return failure(err)
	}
	return success(nil, "User %s deleted successfully", req.Username)
}

func (e *Engine) Lock(ctx context.Context, req LockRequest) Response {
	action := strings.ToLower(strings.TrimSpace(req.Action))
	if err := e.Validator.ValidateLock(req.Username, action, req.ExpireAfterDays); err != nil {
		return failure(err)
	}
	err := e.Accounts.SetLock(ctx, um.LockRequest{
		Username:        req.Username,
		Locked:          action == validator.ActionLock,
		Reason:          req.Reason,
		ExpireAfterDays: req.ExpireAfterDays,
	})
	if err != nil {
		return failure(err)
	}
	return success(nil, "User %s %sed successfully", req.Username, action)
}

func (e *Engine) Modify(ctx context.Context, req um.ModifyRequest) Response {
	if err := e.Validator.ValidateModify(req); err != nil {
		return failure(err)
	}
	account, err := e.Accounts.Modify(ctx, req)
	if err != nil {
		return failure(err)
	}
	if account.Username != req.Username {
		return success(account, "Username changed from %s to %s successfully", req.Username, account.Username)
	}
	return success(account, "User %s modified successfully", account.Username)
}

func (e *Engine) Query(ctx context.Context, username string) Response {
	if err := e.Validator.ValidateUsername(username); err != nil {
		return failure(err)
	}
	account, found, err := e.Accounts.Query(ctx, username)
	if err != nil {
		return failure(err)
	}
	if !found {
		return failure(fmt.Errorf("user %s: %w", username, errdefs.ErrNotFound))
	}
	return success(account, "User %s", username)
}

func (e *Engine) ListAccounts(ctx context.Context) Response {
	accounts, err := e.Accounts.ListHumanAccounts(ctx)
	if err != nil {
		return failure(err)
	}
	return success(accounts, "%d accounts", len(accounts))
}

func (e *Engine) Shells() Response {
	shells := e.Accounts.ListShells()
	return success(shells, "%d shells", len(shells))
}

// Bulk runs a bulk file on the caller's goroutine.
func (e *Engine) Bulk(ctx context.Context, req BulkRequest) Response {
	rows, err := batch.ParseCSV(strings.NewReader(req.CSV))
	if err != nil {
		return failure(errdefs.Invalid("csv", "%v", err))
	}
	result := e.provisioner(nil).Run(ctx, rows, req.DryRun)
	return bulkResponse(result)
}

func bulkResponse(result *batch.Result) Response {
	resp := success(result, "Bulk %s: %d applied, %d skipped, %d failed",
		bulkMode(result.DryRun), result.Applied, result.Skipped, result.Failed)
	if result.Cancelled {
		resp.OK = false
		resp.Error = "cancelled before all rows were processed"
		resp.Kind = "cancelled"
	} else if err := result.Err(); err != nil {
		resp.OK = false
		resp.Error = err.Error()
		resp.Kind = errdefs.Kind(err)
	}
	return resp
}

func bulkMode(dryRun bool) string {
	if dryRun {
		return "validation"
	}
	return "provisioning"
}

func (e *Engine) provisioner(onRow func(batch.RowResult)) *batch.Provisioner {
	return &batch.Provisioner{Validator: e.Validator, Store: e.Accounts, Log: e.logger(), OnRow: onRow}
}

// Template returns the example bulk file.
func (e *Engine) Template() Response {
	var buf bytes.Buffer
	if err := batch.WriteTemplate(&buf); err != nil {
		return failure(err)
	}
	return success(buf.String(), "Bulk template")
}

// Audit generates a report and stores it in the archive. A cancelled audit
// still stores what it collected and returns it with kind "cancelled".
func (e *Engine) Audit(ctx context.Context, req AuditRequest) Response {
	sections, err := audit.ParseSections(req.Sections)
	if err != nil {
		return failure(err)
	}
	result, err := e.generateAndStore(ctx, sections)
	if err != nil && !cancelled(err) {
		return failure(err)
	}
	resp := success(result, "Report %s generated successfully", result.Filename)
	if err != nil {
		resp.OK = false
		resp.Error = "cancelled before all sections were collected"
		resp.Kind = "cancelled"
	}
	return resp
}

// generateAndStore archives the report even when ctx ends mid-way; the
// cancellation error is returned alongside the stored result.
func (e *Engine) generateAndStore(ctx context.Context, sections []audit.Section) (AuditResult, error) {
	report, genErr := e.Generator.Generate(ctx, sections)
	if genErr != nil && !cancelled(genErr) {
		return AuditResult{}, genErr
	}
	entry, err := e.Archive.Store(report)
	if err != nil {
		return AuditResult{}, err
	}
	return auditResult(report, entry), genErr
}

func cancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func auditResult(report audit.Report, entry archive.Entry) AuditResult {
	return AuditResult{
		Filename:  entry.Name,
		Path:      entry.Path,
		SizeBytes: int(entry.SizeBytes),
		Sections:  report.Sections,
		Content:   string(report.Render()),
	}
}

func (e *Engine) ListReports() Response {
	entries, err := e.Archive.List()
	if err != nil {
		return failure(err)
	}
	infos := make([]ReportInfo, 0, len(entries))
	for _, entry := range entries {
		infos = append(infos, ReportInfo{Entry: entry, Date: entry.Date(), Time: entry.Time(), Size: entry.Size()})
	}
	return success(infos, "%d reports", len(infos))
}

func (e *Engine) ReadReport(name string) Response {
	body, err := e.Archive.Read(name)
	if err != nil {
		return failure(err)
	}
	return success(string(body), "Report %s", name)
}

func (e *Engine) Send(ctx context.Context, req SendRequest) Response {
	msg, err := e.Notifier.Send(ctx, notify.SendRequest{
		Destination: req.Destination,
		Subject:     req.Subject,
		ReportPath:  req.ReportPath,
	})
	if err != nil {
		return failure(err)
	}
	return success(msg, "Report sent successfully to %s", msg.Destination)
}

func (e *Engine) logger() logrus.FieldLogger {
	if e.Log == nil {
		return logrus.StandardLogger()
	}
	return e.Log
}
