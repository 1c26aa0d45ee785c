package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/steelcutops/userctl/logger"
	"github.com/steelcutops/userctl/userctl/api"
	"github.com/steelcutops/userctl/userctl/batch"
	cm "github.com/steelcutops/userctl/userctl/commandmanager"
	"github.com/steelcutops/userctl/userctl/config"
	"github.com/steelcutops/userctl/userctl/engine"
	um "github.com/steelcutops/userctl/userctl/usermanager"
)

const usage = `Usage: userctl [flags] <command>

Commands:
  create     create an account (-user, -role, -fullname, -shell, -home, -group)
  delete     delete an account (-user, -keep-home)
  lock       lock an account (-user, -reason, -expire-days)
  unlock     unlock an account (-user)
  modify     change an account (-user, -new-user, -role, -shell, -home, -move-home, -group)
  query      show one account (-user)
  list       list login accounts
  shells     list allowed login shells
  bulk       provision accounts from a CSV file (-file, -dry-run)
  template   print an example bulk file
  audit      generate an audit report (-sections)
  reports    list archived reports
  report     print an archived report (-report)
  send       email a report (-to, -subject, -report)
  serve      run the HTTP API (-listen)

Flags:
`

type flags struct {
	Command            string
	Archive            string
	Backend            string
	Debug              bool
	Destination        string
	DryRun             bool
	ExpireAfterDays    int
	File               string
	FullName           string
	Groups             groupsValue
	Home               string
	Hostname           string
	IniFilePath        string
	JSON               bool
	KeepHome           bool
	KeyPassPrompt      bool
	Listen             string
	LogFileName        string
	LogJSON            bool
	MoveHome           bool
	NewUsername        string
	PasswordPrompt     bool
	Reason             string
	ReportPath         string
	Role               string
	Sections           string
	Shell              string
	SSHUser            string
	Subject            string
	Sudo               bool
	SudoPasswordPrompt bool
	Username           string
}

type groupsValue []string

func (g *groupsValue) String() string {
	return strings.Join(*g, ",")
}

func (g *groupsValue) Set(value string) error {
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			*g = append(*g, item)
		}
	}
	return nil
}

func parseFlags(args []string, output io.Writer) (*flags, error) {
	f := &flags{}
	fs := flag.NewFlagSet("userctl", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprint(output, usage)
		fs.PrintDefaults()
	}

	fs.BoolVar(&f.Debug, "debug", false, "Enable debug log level")
	fs.BoolVar(&f.DryRun, "dry-run", false, "Validate a bulk file without creating accounts")
	fs.BoolVar(&f.JSON, "json", false, "Print responses as JSON")
	fs.BoolVar(&f.KeepHome, "keep-home", false, "Keep the home directory when deleting")
	fs.BoolVar(&f.KeyPassPrompt, "keypass", false, "Prompt for the SSH key passphrase")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Write logs as JSON")
	fs.BoolVar(&f.MoveHome, "move-home", false, "Move the home directory contents when changing it")
	fs.BoolVar(&f.PasswordPrompt, "password", false, "Prompt for the SSH password")
	fs.BoolVar(&f.Sudo, "sudo", false, "Run account primitives through sudo")
	fs.BoolVar(&f.SudoPasswordPrompt, "sudo-password", false, "Prompt for the sudo password")
	fs.IntVar(&f.ExpireAfterDays, "expire-days", 0, "Days until a lock lapses (0 means never)")
	fs.StringVar(&f.Archive, "archive", "", "Report archive directory")
	fs.StringVar(&f.Backend, "backend", "", "Account backend: linux or memory")
	fs.StringVar(&f.Destination, "to", "", "Email address to send a report to")
	fs.StringVar(&f.File, "file", "", "Bulk CSV file, - for stdin")
	fs.StringVar(&f.FullName, "fullname", "", "Full name of the account holder")
	fs.StringVar(&f.Home, "home", "", "Home directory")
	fs.StringVar(&f.Hostname, "hostname", "", "Target host to administer")
	fs.StringVar(&f.IniFilePath, "ini", "", "Path to INI configuration file")
	fs.StringVar(&f.Listen, "listen", "", "Address for the HTTP API")
	fs.StringVar(&f.LogFileName, "log", "", "Log file name (default stderr)")
	fs.StringVar(&f.NewUsername, "new-user", "", "New username when modifying")
	fs.StringVar(&f.Reason, "reason", "", "Reason recorded with a lock")
	fs.StringVar(&f.ReportPath, "report", "", "Archived report name or path")
	fs.StringVar(&f.Role, "role", "", "Role: admin, student or guest")
	fs.StringVar(&f.Sections, "sections", "system,memory,network,users,security", "Comma separated audit sections")
	fs.StringVar(&f.Shell, "shell", "", "Login shell")
	fs.StringVar(&f.SSHUser, "ssh-user", "", "Username for the SSH connection")
	fs.StringVar(&f.Subject, "subject", "", "Subject of the report email")
	fs.StringVar(&f.Username, "user", "", "Account username")
	fs.Var(&f.Groups, "group", "Supplementary group (repeatable)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return nil, errors.New("exactly one command is required")
	}
	f.Command = fs.Arg(0)
	return f, nil
}

// loadConfig reads the INI file and applies flag overrides.
func loadConfig(f *flags) (config.Config, error) {
	cfg, err := config.Load(f.IniFilePath)
	if err != nil {
		return config.Config{}, err
	}
	if f.Backend != "" {
		cfg.Engine.Backend = strings.ToLower(f.Backend)
	}
	if f.Hostname != "" {
		cfg.Target.Host = f.Hostname
	}
	if f.SSHUser != "" {
		cfg.Target.User = f.SSHUser
	}
	if f.Sudo {
		cfg.Target.Sudo = true
	}
	if f.Archive != "" {
		cfg.Archive.Root = f.Archive
	}
	if f.Listen != "" {
		cfg.API.Listen = f.Listen
	}
	return cfg, cfg.Validate()
}

// readSecret prompts without echo on a terminal and reads a plain line
// otherwise, so scripts can pipe secrets in.
var readSecret = func(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := stdin.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	return string(b), err
}

var stdin = bufio.NewReader(os.Stdin)

func readCredentials(f *flags) (cm.Credentials, error) {
	var creds cm.Credentials
	var err error
	if f.PasswordPrompt {
		if creds.Password, err = readSecret("Enter the password: "); err != nil {
			return creds, fmt.Errorf("reading password: %w", err)
		}
	}
	if f.KeyPassPrompt {
		if creds.KeyPassphrase, err = readSecret("Enter the key passphrase: "); err != nil {
			return creds, fmt.Errorf("reading key passphrase: %w", err)
		}
	}
	if f.SudoPasswordPrompt {
		if creds.SudoPassword, err = readSecret("Enter the sudo password: "); err != nil {
			return creds, fmt.Errorf("reading sudo password: %w", err)
		}
	}
	return creds, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// dispatch runs one command against the engine.
func dispatch(ctx context.Context, e *engine.Engine, f *flags) (engine.Response, error) {
	switch f.Command {
	case "create":
		password, err := readSecret("Enter the new account password: ")
		if err != nil {
			return engine.Response{}, fmt.Errorf("reading account password: %w", err)
		}
		confirm, err := readSecret("Confirm the password: ")
		if err != nil {
			return engine.Response{}, fmt.Errorf("reading account password: %w", err)
		}
		return e.Create(ctx, um.CreateRequest{
			Username:        f.Username,
			FullName:        f.FullName,
			Role:            um.Role(f.Role),
			Shell:           f.Shell,
			HomeDir:         f.Home,
			Groups:          f.Groups,
			Password:        password,
			PasswordConfirm: confirm,
		}), nil
	case "delete":
		return e.Delete(ctx, engine.DeleteRequest{Username: f.Username, KeepHome: f.KeepHome}), nil
	case "lock", "unlock":
		return e.Lock(ctx, engine.LockRequest{
			Username:        f.Username,
			Action:          f.Command,
			Reason:          f.Reason,
			ExpireAfterDays: f.ExpireAfterDays,
		}), nil
	case "modify":
		req := um.ModifyRequest{
			Username:    f.Username,
			NewUsername: optional(f.NewUsername),
			Shell:       optional(f.Shell),
			HomeDir:     optional(f.Home),
			MoveHome:    f.MoveHome,
			Groups:      f.Groups,
		}
		if f.Role != "" {
			role := um.Role(f.Role)
			req.Role = &role
		}
		return e.Modify(ctx, req), nil
	case "query":
		return e.Query(ctx, f.Username), nil
	case "list":
		return e.ListAccounts(ctx), nil
	case "shells":
		return e.Shells(), nil
	case "bulk":
		data, err := readBulkFile(f.File)
		if err != nil {
			return engine.Response{}, err
		}
		return e.Bulk(ctx, engine.BulkRequest{CSV: data, DryRun: f.DryRun}), nil
	case "template":
		return e.Template(), nil
	case "audit":
		return e.Audit(ctx, engine.AuditRequest{Sections: splitList(f.Sections)}), nil
	case "reports":
		return e.ListReports(), nil
	case "report":
		if f.ReportPath == "" {
			latest := e.ListReports()
			infos, _ := latest.Data.([]engine.ReportInfo)
			if len(infos) == 0 {
				return engine.Response{Error: "no reports available", Kind: "no_reports_available"}, nil
			}
			return e.ReadReport(infos[0].Name), nil
		}
		return e.ReadReport(f.ReportPath), nil
	case "send":
		return e.Send(ctx, engine.SendRequest{Destination: f.Destination, Subject: f.Subject, ReportPath: f.ReportPath}), nil
	default:
		return engine.Response{}, fmt.Errorf("unknown command %q", f.Command)
	}
}

func readBulkFile(path string) (string, error) {
	switch path {
	case "":
		return "", errors.New("bulk needs -file")
	case "-":
		data, err := io.ReadAll(stdin)
		return string(data), err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading bulk file: %w", err)
	}
	return string(data), nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// printResponse writes resp for a human or as JSON and returns the exit
// status.
func printResponse(stdout, stderr io.Writer, command string, resp engine.Response, asJSON bool) int {
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(resp)
	} else {
		printData(stdout, command, resp.Data)
		if resp.OK && resp.Message != "" && !rawOutput(command) {
			fmt.Fprintln(stdout, resp.Message)
		}
		if !resp.OK {
			if resp.Message != "" {
				fmt.Fprintln(stderr, resp.Message)
			}
			fmt.Fprintf(stderr, "Error: %s\n", resp.Error)
			for _, field := range resp.Fields {
				fmt.Fprintf(stderr, "  %s\n", field)
			}
		}
	}
	if !resp.OK {
		return 1
	}
	return 0
}

func rawOutput(command string) bool {
	return command == "template" || command == "report"
}

func printData(w io.Writer, command string, data any) {
	switch v := data.(type) {
	case []um.Account:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "USERNAME\tUID\tROLE\tSHELL\tLOCKED\tHOME")
		for _, a := range v {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%t\t%s\n", a.Username, a.UID, a.Role, a.Shell, a.Locked, a.HomeDir)
		}
		tw.Flush()
	case um.Account:
		if command != "query" {
			return
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "Username:\t%s\n", v.Username)
		fmt.Fprintf(tw, "UID:\t%d\n", v.UID)
		fmt.Fprintf(tw, "Full name:\t%s\n", v.FullName)
		fmt.Fprintf(tw, "Role:\t%s\n", v.Role)
		fmt.Fprintf(tw, "Groups:\t%s\n", strings.Join(v.Groups, ", "))
		fmt.Fprintf(tw, "Shell:\t%s\n", v.Shell)
		fmt.Fprintf(tw, "Home:\t%s\n", v.HomeDir)
		locked := fmt.Sprint(v.Locked)
		if v.LockExpiry != nil {
			locked += " (until " + v.LockExpiry.Format(time.DateOnly) + ")"
		}
		fmt.Fprintf(tw, "Locked:\t%s\n", locked)
		tw.Flush()
	case []engine.ReportInfo:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tDATE\tTIME\tSIZE")
		for _, r := range v {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, r.Date, r.Time, r.Size)
		}
		tw.Flush()
	case *batch.Result:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "LINE\tUSERNAME\tOUTCOME\tREASON")
		for _, row := range v.Rows {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", row.Line, row.Username, row.Outcome, row.Reason)
		}
		tw.Flush()
	case engine.AuditResult:
		fmt.Fprintln(w, v.Path)
	case []string:
		for _, s := range v {
			fmt.Fprintln(w, s)
		}
	case string:
		fmt.Fprint(w, v)
	}
}

func serve(ctx context.Context, e *engine.Engine, listen string, log logrus.FieldLogger) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           api.NewRouter(e, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("listen", listen).Info("Serving HTTP API")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("Shutting down HTTP API")
	return srv.Shutdown(shutdownCtx)
}

func run(args []string, stdout, stderr io.Writer) int {
	f, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}

	log, closer, err := logger.New(logger.Options{Debug: f.Debug, File: f.LogFileName, JSON: f.LogJSON})
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open log file: %v\n", err)
		return 1
	}
	defer closer.Close()

	cfg, err := loadConfig(f)
	if err != nil {
		log.WithError(err).Error("Invalid configuration")
		fmt.Fprintf(stderr, "Invalid configuration: %v\n", err)
		return 1
	}
	creds, err := readCredentials(f)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	log.WithFields(logrus.Fields{"backend": cfg.Engine.Backend, "host": cfg.Target.Host}).Debug("Configured engine")

	e := engine.New(cfg, engine.Options{Credentials: creds, Log: log})

	// Interrupting stops a running bulk job or audit between steps.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.Command == "serve" {
		if err := serve(ctx, e, cfg.API.Listen, log); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("HTTP API failed")
			return 1
		}
		return 0
	}

	resp, err := dispatch(ctx, e, f)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	return printResponse(stdout, stderr, f.Command, resp, f.JSON)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
