package engine

import (
	"github.com/sirupsen/logrus"

	"github.com/steelcutops/userctl/userctl/archive"
	"github.com/steelcutops/userctl/userctl/audit"
	cm "github.com/steelcutops/userctl/userctl/commandmanager"
	"github.com/steelcutops/userctl/userctl/config"
	"github.com/steelcutops/userctl/userctl/hostmanager"
	"github.com/steelcutops/userctl/userctl/networkmanager"
	"github.com/steelcutops/userctl/userctl/notify"
	um "github.com/steelcutops/userctl/userctl/usermanager"
	"github.com/steelcutops/userctl/userctl/validator"
)

type Options struct {
	// Credentials reach and elevate on the target host.
	Credentials cm.Credentials
	Log         logrus.FieldLogger
	// Backend, if set, replaces the configured account backend.
	Backend um.Backend
}

// New assembles an engine from configuration.
func New(cfg config.Config, opts Options) *Engine {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	creds := opts.Credentials
	if creds.User == "" {
		creds.User = cfg.Target.User
	}
	if creds.KnownHostsFile == "" {
		creds.KnownHostsFile = cfg.Target.KnownHosts
	}
	target := &cm.UnixCommandManager{
		Hostname:    cfg.Target.Host,
		SSHClient:   cm.RealSSHClient{},
		Credentials: creds,
		Log:         log.WithField("host", cfg.Target.Host),
	}

	backend := opts.Backend
	if backend == nil {
		backend = newBackend(cfg, target)
	}
	policy := Policy(cfg)
	accounts := um.NewManager(backend,
		um.WithPolicy(policy),
		um.WithTimeout(cfg.Engine.OpTimeout),
		um.WithLogger(log),
	)

	hosts := hostmanager.New(target, cfg.Target.Host)
	network := networkmanager.New(target, cfg.Target.Host)
	reports := archive.New(cfg.Archive.Root, log)

	// The delivery script reads the archived file, so it runs where the
	// archive lives.
	local := &cm.UnixCommandManager{Log: log}

	return &Engine{
		Validator: validator.New(policy.Shells),
		Accounts:  accounts,
		Generator: audit.NewGenerator(audit.DefaultCollectors(hosts, network, accounts, policy), log),
		Archive:   reports,
		Notifier: &notify.Dispatcher{
			Archive: reports,
			Transport: &notify.CommandTransport{
				CommandManager: local,
				Command:        cfg.Notify.Command,
				SuccessMarker:  cfg.Notify.SuccessMarker,
			},
			DefaultSubject: cfg.Notify.DefaultSubject,
			Log:            log,
		},
		Log: log,
	}
}

func newBackend(cfg config.Config, target cm.CommandManager) um.Backend {
	if cfg.Engine.Backend == config.BackendMemory {
		return um.NewMemoryBackend(cfg.Engine.MinHumanUID)
	}
	return &um.LinuxBackend{CommandManager: target, Sudo: cfg.Target.Sudo}
}

// Policy translates the configured site rules for the account store.
func Policy(cfg config.Config) um.Policy {
	policy := um.Policy{
		Roles:        map[um.Role]um.RolePolicy{},
		Shells:       cfg.Shells.Allowed,
		DefaultShell: cfg.Shells.Default,
		MinHumanUID:  cfg.Engine.MinHumanUID,
	}
	for name, role := range cfg.Roles {
		policy.Roles[um.Role(name)] = um.RolePolicy{Groups: role.Groups, HomeBase: role.HomeBase}
	}
	return policy
}
