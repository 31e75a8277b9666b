package session

import (
	"fmt"
	"regexp"
)

// Session names become directory names under ~/.tripchat/sessions and
// part of the control socket path, so the charset stays narrow.
var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName rejects session names that cannot safely be used as an
// on-disk session directory.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}
