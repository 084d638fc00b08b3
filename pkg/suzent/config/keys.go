package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// keyringService is the OS keyring service name for Suzent secrets.
const keyringService = "suzent"

// ResolveKeys fills in API keys and channel tokens that are missing from
// the config, trying the OS keyring first, then well-known environment
// variables, then leaving the config value as-is. Resolved secrets live
// only in memory; SaveToFile never sees them because callers save the
// pre-resolution copy.
func ResolveKeys(cfg *Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for i := range cfg.Models {
		m := &cfg.Models[i]
		if m.APIKey != "" {
			continue
		}
		if key := lookupSecret(m.Provider); key != "" {
			m.APIKey = key
			logger.Debug("resolved api key", "provider", m.Provider)
		}
	}
	for name, ch := range cfg.Channels {
		if ch.Token != "" {
			continue
		}
		if tok := lookupSecret(name + "_token"); tok != "" {
			ch.Token = tok
			cfg.Channels[name] = ch
		}
	}
}

// StoreKey saves a secret into the OS keyring.
func StoreKey(account, secret string) error {
	if err := keyring.Set(keyringService, account, secret); err != nil {
		return fmt.Errorf("keyring set %s: %w", account, err)
	}
	return nil
}

// DeleteKey removes a secret from the OS keyring.
func DeleteKey(account string) error {
	if err := keyring.Delete(keyringService, account); err != nil {
		return fmt.Errorf("keyring delete %s: %w", account, err)
	}
	return nil
}

// lookupSecret tries the keyring then the environment for an account name.
func lookupSecret(account string) string {
	if v, err := keyring.Get(keyringService, account); err == nil && v != "" {
		return v
	}
	env := strings.ToUpper(strings.ReplaceAll(account, "-", "_")) + "_API_KEY"
	if v := os.Getenv(env); v != "" {
		return v
	}
	// Common provider variables that don't follow the <name>_API_KEY shape.
	switch strings.ToLower(account) {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "telegram_token":
		return os.Getenv("TELEGRAM_BOT_TOKEN")
	case "slack_token":
		return os.Getenv("SLACK_BOT_TOKEN")
	}
	return ""
}
