package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"gopkg.in/ini.v1"
)

const (
	BackendLinux  = "linux"
	BackendMemory = "memory"
)

type Engine struct {
	OpTimeout   time.Duration
	MinHumanUID int
	Backend     string
}

// Target is the host whose identity database is administered. An empty or
// loopback Host means the local machine.
type Target struct {
	Host       string
	User       string
	Sudo       bool
	KnownHosts string
}

type Shells struct {
	Allowed []string
	Default string
}

type Role struct {
	Groups   []string
	HomeBase string
}

type Archive struct {
	Root string
}

type Notify struct {
	Command        string
	SuccessMarker  string
	DefaultSubject string
}

type API struct {
	Listen string
}

type Config struct {
	Engine  Engine
	Target  Target
	Shells  Shells
	Roles   map[string]Role
	Archive Archive
	Notify  Notify
	API     API
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Engine: Engine{
			OpTimeout:   30 * time.Second,
			MinHumanUID: 1000,
			Backend:     BackendLinux,
		},
		Target: Target{Host: "localhost"},
		Shells: Shells{
			Allowed: []string{"/bin/bash", "/bin/sh", "/bin/zsh", "/usr/bin/zsh"},
			Default: "/bin/bash",
		},
		Roles: map[string]Role{
			"admin":   {Groups: []string{"sudo"}, HomeBase: "/home"},
			"student": {Groups: []string{"students"}, HomeBase: "/home"},
			"guest":   {Groups: []string{"guests"}, HomeBase: "/home"},
		},
		Archive: Archive{Root: "reports"},
		Notify: Notify{
			Command:        "./scripts/send_report.sh",
			SuccessMarker:  "successfully",
			DefaultSubject: "System Audit Report",
		},
		API: API{Listen: "127.0.0.1:8080"},
	}
}

// Load reads an INI file over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, c.Validate()
	}

	file, err := ini.LoadSources(ini.LoadOptions{Loose: true, IgnoreInlineComment: true}, path)
	if err != nil {
		return Config{}, fmt.Errorf("loading config %s: %w", path, err)
	}

	engine := file.Section("engine")
	c.Engine.OpTimeout = engine.Key("op_timeout").MustDuration(c.Engine.OpTimeout)
	c.Engine.MinHumanUID = engine.Key("min_human_uid").MustInt(c.Engine.MinHumanUID)
	c.Engine.Backend = strings.ToLower(engine.Key("backend").MustString(c.Engine.Backend))

	target := file.Section("target")
	c.Target.Host = target.Key("host").MustString(c.Target.Host)
	c.Target.User = target.Key("user").MustString(c.Target.User)
	c.Target.Sudo = target.Key("sudo").MustBool(c.Target.Sudo)
	c.Target.KnownHosts = target.Key("known_hosts").MustString(c.Target.KnownHosts)

	shells := file.Section("shells")
	if shells.HasKey("allowed") {
		c.Shells.Allowed = splitList(shells.Key("allowed").String())
	}
	c.Shells.Default = shells.Key("default").MustString(c.Shells.Default)

	for _, section := range file.Sections() {
		name, ok := strings.CutPrefix(section.Name(), "role.")
		if !ok {
			continue
		}
		role := c.Roles[name]
		if role.HomeBase == "" {
			role.HomeBase = "/home"
		}
		if section.HasKey("groups") {
			role.Groups = splitList(section.Key("groups").String())
		}
		role.HomeBase = section.Key("home_base").MustString(role.HomeBase)
		c.Roles[name] = role
	}

	c.Archive.Root = file.Section("archive").Key("root").MustString(c.Archive.Root)

	notify := file.Section("notify")
	c.Notify.Command = notify.Key("command").MustString(c.Notify.Command)
	c.Notify.SuccessMarker = notify.Key("success_marker").MustString(c.Notify.SuccessMarker)
	c.Notify.DefaultSubject = notify.Key("default_subject").MustString(c.Notify.DefaultSubject)

	c.API.Listen = file.Section("api").Key("listen").MustString(c.API.Listen)

	return c, c.Validate()
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var result *multierror.Error

	if c.Engine.OpTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("engine.op_timeout must be positive, got %s", c.Engine.OpTimeout))
	}
	if c.Engine.MinHumanUID < 1 {
		result = multierror.Append(result, fmt.Errorf("engine.min_human_uid must be at least 1, got %d", c.Engine.MinHumanUID))
	}
	if c.Engine.Backend != BackendLinux && c.Engine.Backend != BackendMemory {
		result = multierror.Append(result, fmt.Errorf("engine.backend must be %q or %q, got %q", BackendLinux, BackendMemory, c.Engine.Backend))
	}
	if len(c.Shells.Allowed) == 0 {
		result = multierror.Append(result, fmt.Errorf("shells.allowed must not be empty"))
	}
	if c.Shells.Default != "" && !slices.Contains(c.Shells.Allowed, c.Shells.Default) {
		result = multierror.Append(result, fmt.Errorf("shells.default %q is not in shells.allowed", c.Shells.Default))
	}
	for _, name := range []string{"admin", "student", "guest"} {
		if _, ok := c.Roles[name]; !ok {
			result = multierror.Append(result, fmt.Errorf("role.%s is not configured", name))
		}
	}
	for name, role := range c.Roles {
		if !filepath.IsAbs(role.HomeBase) {
			result = multierror.Append(result, fmt.Errorf("role.%s.home_base must be absolute, got %q", name, role.HomeBase))
		}
		if len(role.Groups) == 0 {
			result = multierror.Append(result, fmt.Errorf("role.%s.groups must not be empty", name))
		}
	}
	if c.Archive.Root == "" {
		result = multierror.Append(result, fmt.Errorf("archive.root must not be empty"))
	}

	return result.ErrorOrNil()
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
