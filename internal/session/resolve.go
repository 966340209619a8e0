package session

import (
	"os"

	"github.com/matheus3301/campus/internal/config"
)

const (
	DefaultSessionName = "main"

	// SessionEnv selects the session when no flag is given.
	SessionEnv = "CAMPUS_SESSION"
)

// Resolve picks the active session: the --session flag, then
// $CAMPUS_SESSION, then default_session from config.toml, then "main".
// An unreadable config file falls through to the default.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if name := os.Getenv(SessionEnv); name != "" {
		return name
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
