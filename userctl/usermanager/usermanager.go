package usermanager

import (
	"context"
	"path"
	"slices"
	"time"
)

// Role selects the group and home directory policy for an account.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleStudent Role = "student"
	RoleGuest   Role = "guest"
)

// Roles lists the known roles in the order they are matched against group
// membership.
var Roles = []Role{RoleAdmin, RoleStudent, RoleGuest}

func (r Role) Valid() bool {
	return slices.Contains(Roles, r)
}

// Account represents an individual user account on the system.
type Account struct {
	Username   string     `json:"username"`
	UID        int        `json:"uid"`
	GID        int        `json:"gid"`
	FullName   string     `json:"fullName"`
	Shell      string     `json:"shell"`
	Role       Role       `json:"role"`
	Groups     []string   `json:"groups"`
	HomeDir    string     `json:"homeDir"`
	Locked     bool       `json:"locked"`
	LockExpiry *time.Time `json:"lockExpiry,omitempty"`
}

type CreateRequest struct {
	Username        string   `json:"username"`
	FullName        string   `json:"fullName,omitempty"`
	Role            Role     `json:"role"`
	Shell           string   `json:"shell,omitempty"`
	HomeDir         string   `json:"homeDir,omitempty"`
	Groups          []string `json:"groups,omitempty"`
	Password        string   `json:"password"`
	PasswordConfirm string   `json:"passwordConfirm"`
}

type LockRequest struct {
	Username string `json:"username"`
	Locked   bool   `json:"locked"`
	Reason   string `json:"reason,omitempty"`
	// ExpireAfterDays of zero means no expiration.
	ExpireAfterDays int `json:"expireAfterDays,omitempty"`
}

// ModifyRequest changes an existing account. Nil fields are left alone;
// Groups are added to the current membership, never replacing it.
type ModifyRequest struct {
	Username    string   `json:"username"`
	NewUsername *string  `json:"newUsername,omitempty"`
	Role        *Role    `json:"role,omitempty"`
	Shell       *string  `json:"shell,omitempty"`
	HomeDir     *string  `json:"homeDir,omitempty"`
	MoveHome    bool     `json:"moveHome,omitempty"`
	Groups      []string `json:"groups,omitempty"`
}

// HasChanges reports whether at least one modifiable field is set.
func (r ModifyRequest) HasChanges() bool {
	return r.NewUsername != nil || r.Role != nil || r.Shell != nil || r.HomeDir != nil || len(r.Groups) > 0
}

// NewAccount is what a Backend needs to create an account. Policy has
// already been applied.
type NewAccount struct {
	Username string
	FullName string
	Shell    string
	HomeDir  string
	Groups   []string
}

// Changes is what a Backend needs to modify an account. Empty fields are
// left alone.
type Changes struct {
	NewUsername string
	Shell       string
	HomeDir     string
	MoveHome    bool
	AddGroups   []string
	// RemoveGroups are dropped from the membership after AddGroups is
	// applied. Groups the account is not in are ignored.
	RemoveGroups []string
}

// Backend is a system of record for accounts. Implementations do no locking
// on behalf of callers and keep no state that can drift from the store.
type Backend interface {
	Lookup(ctx context.Context, username string) (Account, bool, error)
	List(ctx context.Context) ([]Account, error)
	Create(ctx context.Context, account NewAccount) error
	SetPassword(ctx context.Context, username, password string) error
	Delete(ctx context.Context, username string, keepHome bool) error
	SetLock(ctx context.Context, username string, locked bool, expiry *time.Time) error
	Modify(ctx context.Context, username string, changes Changes) error
}

type RolePolicy struct {
	Groups   []string
	HomeBase string
}

// Policy holds the site rules the store enforces on every mutation.
type Policy struct {
	Roles        map[Role]RolePolicy
	Shells       []string
	DefaultShell string
	MinHumanUID  int
}

func DefaultPolicy() Policy {
	return Policy{
		Roles: map[Role]RolePolicy{
			RoleAdmin:   {Groups: []string{"sudo"}, HomeBase: "/home"},
			RoleStudent: {Groups: []string{"students"}, HomeBase: "/home"},
			RoleGuest:   {Groups: []string{"guests"}, HomeBase: "/home"},
		},
		Shells:       []string{"/bin/bash", "/bin/sh", "/bin/zsh", "/usr/bin/zsh"},
		DefaultShell: "/bin/bash",
		MinHumanUID:  1000,
	}
}

func (p Policy) ShellAllowed(shell string) bool {
	return slices.Contains(p.Shells, shell)
}

// RoleOf derives the role of an account from its group membership: the first
// role, in Roles order, whose policy groups are all present.
func (p Policy) RoleOf(groups []string) Role {
	for _, role := range Roles {
		rp, ok := p.Roles[role]
		if !ok || len(rp.Groups) == 0 {
			continue
		}
		all := true
		for _, g := range rp.Groups {
			if !slices.Contains(groups, g) {
				all = false
				break
			}
		}
		if all {
			return role
		}
	}
	return ""
}

// otherRoleGroups returns the policy groups of every role except role that
// role itself does not use.
func (p Policy) otherRoleGroups(role Role) []string {
	var out []string
	for r, rp := range p.Roles {
		if r == role {
			continue
		}
		for _, g := range rp.Groups {
			if !slices.Contains(p.Roles[role].Groups, g) {
				out = append(out, g)
			}
		}
	}
	return mergeGroups(out)
}

// roleConflicts returns the extra groups that belong to another role's
// policy. An account holding them would be recognized as that role instead.
func (p Policy) roleConflicts(role Role, extra []string) []string {
	others := p.otherRoleGroups(role)
	var out []string
	for _, g := range extra {
		if slices.Contains(others, g) {
			out = append(out, g)
		}
	}
	return out
}

// HomeFor returns the default home directory for a new account.
func (p Policy) HomeFor(role Role, username string) string {
	base := p.Roles[role].HomeBase
	if base == "" {
		base = "/home"
	}
	return path.Join(base, username)
}

// IsHuman reports whether an account is an operator-managed login account
// rather than a system or service account.
func (p Policy) IsHuman(a Account) bool {
	return a.UID >= p.MinHumanUID && a.UID != nobodyUID && !isServiceName(a.Username)
}

const nobodyUID = 65534

func isServiceName(username string) bool {
	return len(username) > 0 && username[0] == '_'
}

// mergeGroups returns the sorted union of the given group lists.
func mergeGroups(lists ...[]string) []string {
	out := []string{}
	for _, list := range lists {
		for _, g := range list {
			if g != "" && !slices.Contains(out, g) {
				out = append(out, g)
			}
		}
	}
	slices.Sort(out)
	return out
}
