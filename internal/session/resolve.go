package session

import "github.com/tripmate/chatd/internal/config"

// DefaultSessionName is used when neither the -session flag nor the
// config file names a tripchat account session.
const DefaultSessionName = "main"

// Resolve picks the session the daemon and ctl commands operate on.
// Precedence: the -session flag, then default_session in config.toml,
// then "main". Most users run a single account and never set either.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
