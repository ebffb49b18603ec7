package session

import (
	"fmt"
	"regexp"

	"github.com/nestly/inbox/internal/config"
)

const DefaultProfileName = "main"

// Profile names become directory names under profiles/.
var profileName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName reports whether name can be used as a profile.
func ValidateName(name string) error {
	if !profileName.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: use 1-64 lowercase letters, digits, '-' or '_', starting with a letter or digit", name)
	}
	return nil
}

// Resolve picks the profile to open: the --profile flag, then
// default_profile from config.toml or INBOX_DEFAULT_PROFILE, then "main".
// The chosen name is validated; the error names where it came from.
func Resolve(flagOverride string) (string, error) {
	name, from := DefaultProfileName, "default"
	if flagOverride != "" {
		name, from = flagOverride, "--profile"
	} else if cfg, err := config.Resolve(ConfigPath(), EnvPath()); err == nil && cfg.DefaultProfile != "" {
		name, from = cfg.DefaultProfile, "default_profile"
	}
	if err := ValidateName(name); err != nil {
		return "", fmt.Errorf("%s: %w", from, err)
	}
	return name, nil
}
