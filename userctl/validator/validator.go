package validator

import (
	"path"
	"regexp"
	"slices"

	"github.com/steelcutops/userctl/userctl/errdefs"
	um "github.com/steelcutops/userctl/userctl/usermanager"
)

// MaxUsernameLength is the longest name useradd accepts.
const MaxUsernameLength = 32

var (
	usernamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]*$`)
	groupPattern    = regexp.MustCompile(`^[a-z_][a-z0-9_-]*$`)
)

const (
	ActionLock   = "lock"
	ActionUnlock = "unlock"
)

// Validator checks the shape of requests before they reach the account
// store. It never looks at the store itself.
type Validator struct {
	Shells []string
}

func New(shells []string) *Validator {
	return &Validator{Shells: slices.Clone(shells)}
}

func (v *Validator) ValidateCreate(req um.CreateRequest) error {
	errs := &errdefs.ValidationError{}
	checkUsername(errs, "username", req.Username)

	switch {
	case req.Password == "":
		errs.Add("password", "is required")
	case req.Password != req.PasswordConfirm:
		errs.Add("passwordConfirm", "passwords do not match")
	}

	if !req.Role.Valid() {
		errs.Add("role", "must be one of admin, student, guest")
	}
	if req.Shell != "" {
		v.checkShell(errs, "shell", req.Shell)
	}
	if req.HomeDir != "" {
		checkHome(errs, "homeDir", req.HomeDir)
	}
	checkGroups(errs, req.Groups)
	return errs.OrNil()
}

// ValidateUsername checks a bare username, as used by delete and lookup.
func (v *Validator) ValidateUsername(username string) error {
	errs := &errdefs.ValidationError{}
	checkUsername(errs, "username", username)
	return errs.OrNil()
}

func (v *Validator) ValidateDelete(username string) error {
	return v.ValidateUsername(username)
}

// ValidateLock checks a lock or unlock request. action is the word the
// caller used, "lock" or "unlock".
func (v *Validator) ValidateLock(username, action string, expireAfterDays int) error {
	errs := &errdefs.ValidationError{}
	checkUsername(errs, "username", username)
	if action != ActionLock && action != ActionUnlock {
		errs.Add("action", "must be lock or unlock")
	}
	if expireAfterDays < 0 {
		errs.Add("expireAfterDays", "must not be negative")
	}
	return errs.OrNil()
}

func (v *Validator) ValidateModify(req um.ModifyRequest) error {
	errs := &errdefs.ValidationError{}
	checkUsername(errs, "username", req.Username)

	if !req.HasChanges() {
		errs.Add("", "no changes specified")
		return errs
	}
	if req.NewUsername != nil {
		checkUsername(errs, "newUsername", *req.NewUsername)
	}
	if req.Role != nil && !req.Role.Valid() {
		errs.Add("role", "must be one of admin, student, guest")
	}
	if req.Shell != nil {
		v.checkShell(errs, "shell", *req.Shell)
	}
	if req.HomeDir != nil {
		checkHome(errs, "homeDir", *req.HomeDir)
	}
	checkGroups(errs, req.Groups)
	return errs.OrNil()
}

func (v *Validator) checkShell(errs *errdefs.ValidationError, field, shell string) {
	if !slices.Contains(v.Shells, shell) {
		errs.Add(field, "%q is not an allowed shell", shell)
	}
}

func checkUsername(errs *errdefs.ValidationError, field, username string) {
	switch {
	case username == "":
		errs.Add(field, "is required")
	case len(username) > MaxUsernameLength:
		errs.Add(field, "must be at most %d characters", MaxUsernameLength)
	case !usernamePattern.MatchString(username):
		errs.Add(field, "must start with a lowercase letter or underscore and contain only lowercase letters, digits, underscores and hyphens")
	}
}

func checkHome(errs *errdefs.ValidationError, field, dir string) {
	if !path.IsAbs(dir) {
		errs.Add(field, "must be an absolute path")
	}
}

func checkGroups(errs *errdefs.ValidationError, groups []string) {
	for _, g := range groups {
		if !groupPattern.MatchString(g) || len(g) > MaxUsernameLength {
			errs.Add("groups", "invalid group name %q", g)
		}
	}
}
