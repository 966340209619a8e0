package session

import (
	"regexp"

	"github.com/matheus3301/campus/internal/apperr"
)

// Names start with a letter or digit so they never read as a CLI flag.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName reports a Validation error when name can't be used as a
// session directory.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return apperr.Validationf("session name",
			"invalid session name %q: use 1-64 lowercase letters, digits, '-' or '_', starting with a letter or digit", name)
	}
	return nil
}
