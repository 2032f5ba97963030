// Remora is a Nostr data vending machine agent.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"remora/pkg/crypto"
)

// Settings holds the full agent configuration. Immutable after startup.
type Settings struct {
	// PrivateKey is the agent's Nostr secret key (64-char hex).
	PrivateKey string

	// RelayURLs are the websocket endpoints the gateway connects to.
	RelayURLs []string

	// DBPath is the SQLite database file.
	DBPath string

	// LightningAddress is the LNURL-pay address invoices are drawn from
	// (user@domain).
	LightningAddress string

	// StrikeAPIKey enables the optional Strike payment poll. Empty disables it.
	StrikeAPIKey string

	// GeminiAPIKey authenticates against the inference backend.
	GeminiAPIKey string

	// PaymentTimeout is how long an unpaid job stays in waiting_payment
	// before the sweeper expires it.
	PaymentTimeout time.Duration

	// SweepInterval is the cadence of the expiry sweeper.
	SweepInterval time.Duration

	// MaxConcurrentJobs bounds the execution worker pool.
	MaxConcurrentJobs int

	// ShutdownGrace is how long in-flight executions may run after a
	// shutdown signal before being abandoned.
	ShutdownGrace time.Duration

	// MetricsAddr serves prometheus metrics when non-empty (e.g. ":9090").
	MetricsAddr string

	// AgentName and AgentIdentifier feed the kind-31990 advertisement.
	AgentName       string
	AgentIdentifier string

	// Default service prices in millisatoshis.
	DefaultCostMsats        int64
	CostTranslationMsats    int64
	CostTextGenerationMsats int64
	CostExtractionMsats     int64
	CostImageMsats          int64

	LogLevel string
}

// Default returns the default agent configuration.
func Default() Settings {
	return Settings{
		RelayURLs: []string{
			"wss://relay.damus.io",
			"wss://nos.lol",
			"wss://relay.nostr.band",
		},
		DBPath:                  "remora.db",
		PaymentTimeout:          5 * time.Minute,
		SweepInterval:           30 * time.Second,
		MaxConcurrentJobs:       4,
		ShutdownGrace:           30 * time.Second,
		AgentName:               "remora",
		AgentIdentifier:         "remora-dvm",
		DefaultCostMsats:        1000,
		CostTranslationMsats:    300,
		CostTextGenerationMsats: 500,
		CostExtractionMsats:     200,
		CostImageMsats:          2000,
		LogLevel:                "info",
	}
}

// LoadFromEnv loads settings from REMORA_* environment variables on top of
// the defaults. The private key is taken from REMORA_PRIVATE_KEY, or from
// an encrypted key file (REMORA_KEY_FILE + REMORA_KEY_PASSPHRASE).
func LoadFromEnv() (Settings, error) {
	cfg := Default()

	if val := os.Getenv("REMORA_PRIVATE_KEY"); val != "" {
		cfg.PrivateKey = strings.TrimSpace(val)
	}

	// Encrypted key file takes over only when no plain key was given.
	if cfg.PrivateKey == "" {
		if file := os.Getenv("REMORA_KEY_FILE"); file != "" {
			pass := os.Getenv("REMORA_KEY_PASSPHRASE")
			if pass == "" {
				return cfg, fmt.Errorf("REMORA_KEY_PASSPHRASE is required with REMORA_KEY_FILE")
			}
			key, err := readEncryptedKey(file, pass)
			if err != nil {
				return cfg, fmt.Errorf("read key file: %w", err)
			}
			cfg.PrivateKey = key
		}
	}

	if val := os.Getenv("REMORA_RELAYS"); val != "" {
		var urls []string
		for _, u := range strings.Split(val, ",") {
			u = strings.TrimSpace(u)
			if u != "" {
				urls = append(urls, u)
			}
		}
		cfg.RelayURLs = urls
	}

	if val := os.Getenv("REMORA_DB"); val != "" {
		cfg.DBPath = val
	}
	if val := os.Getenv("REMORA_LIGHTNING_ADDRESS"); val != "" {
		cfg.LightningAddress = strings.TrimSpace(val)
	}
	if val := os.Getenv("REMORA_STRIKE_API_KEY"); val != "" {
		cfg.StrikeAPIKey = val
	}
	if val := os.Getenv("REMORA_GEMINI_API_KEY"); val != "" {
		cfg.GeminiAPIKey = val
	}

	if val := os.Getenv("REMORA_PAYMENT_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid REMORA_PAYMENT_TIMEOUT: %w", err)
		}
		if d < time.Minute {
			return cfg, fmt.Errorf("REMORA_PAYMENT_TIMEOUT must be at least 1 minute")
		}
		cfg.PaymentTimeout = d
	}

	if val := os.Getenv("REMORA_SWEEP_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid REMORA_SWEEP_INTERVAL: %w", err)
		}
		if d < time.Second {
			return cfg, fmt.Errorf("REMORA_SWEEP_INTERVAL must be at least 1 second")
		}
		cfg.SweepInterval = d
	}

	if val := os.Getenv("REMORA_MAX_CONCURRENT_JOBS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid REMORA_MAX_CONCURRENT_JOBS: %w", err)
		}
		if n < 1 || n > 64 {
			return cfg, fmt.Errorf("REMORA_MAX_CONCURRENT_JOBS must be between 1 and 64")
		}
		cfg.MaxConcurrentJobs = n
	}

	if val := os.Getenv("REMORA_SHUTDOWN_GRACE"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid REMORA_SHUTDOWN_GRACE: %w", err)
		}
		cfg.ShutdownGrace = d
	}

	if val := os.Getenv("REMORA_METRICS_ADDR"); val != "" {
		cfg.MetricsAddr = val
	}
	if val := os.Getenv("REMORA_AGENT_NAME"); val != "" {
		cfg.AgentName = val
	}
	if val := os.Getenv("REMORA_AGENT_ID"); val != "" {
		cfg.AgentIdentifier = val
	}
	if val := os.Getenv("REMORA_LOG_LEVEL"); val != "" {
		cfg.LogLevel = val
	}

	for _, c := range []struct {
		env string
		dst *int64
	}{
		{"REMORA_COST_DEFAULT_MSATS", &cfg.DefaultCostMsats},
		{"REMORA_COST_TRANSLATION_MSATS", &cfg.CostTranslationMsats},
		{"REMORA_COST_TEXTGEN_MSATS", &cfg.CostTextGenerationMsats},
		{"REMORA_COST_EXTRACTION_MSATS", &cfg.CostExtractionMsats},
		{"REMORA_COST_IMAGE_MSATS", &cfg.CostImageMsats},
	} {
		if val := os.Getenv(c.env); val != "" {
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return cfg, fmt.Errorf("invalid %s: %w", c.env, err)
			}
			if n <= 0 {
				return cfg, fmt.Errorf("%s must be positive", c.env)
			}
			*c.dst = n
		}
	}

	return cfg, nil
}

// Validate checks that the configuration is complete enough to start.
func (s *Settings) Validate() error {
	if s.PrivateKey == "" {
		return fmt.Errorf("REMORA_PRIVATE_KEY (or REMORA_KEY_FILE) is required")
	}
	if len(s.PrivateKey) != 64 {
		return fmt.Errorf("private key must be 64 hex characters, got %d", len(s.PrivateKey))
	}
	if len(s.RelayURLs) == 0 {
		return fmt.Errorf("at least one relay URL is required")
	}
	for _, u := range s.RelayURLs {
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			return fmt.Errorf("relay URL %q must use ws:// or wss://", u)
		}
	}
	if s.DBPath == "" {
		return fmt.Errorf("REMORA_DB cannot be empty")
	}
	if s.LightningAddress == "" {
		return fmt.Errorf("REMORA_LIGHTNING_ADDRESS is required")
	}
	if !strings.Contains(s.LightningAddress, "@") {
		return fmt.Errorf("lightning address %q must be user@domain", s.LightningAddress)
	}
	if s.PaymentTimeout < time.Minute {
		return fmt.Errorf("payment timeout must be at least 1 minute")
	}
	if s.MaxConcurrentJobs < 1 {
		return fmt.Errorf("max concurrent jobs must be at least 1")
	}
	return nil
}

// LNURLPayURL returns the LNURL-pay metadata endpoint for the configured
// lightning address.
func (s *Settings) LNURLPayURL() string {
	user, domain, ok := strings.Cut(s.LightningAddress, "@")
	if !ok {
		return ""
	}
	return fmt.Sprintf("https://%s/.well-known/lnurlp/%s", domain, user)
}

// CostForKind returns the configured default price for a request kind.
func (s *Settings) CostForKind(kind int) int64 {
	switch kind {
	case 5000:
		return s.CostTranslationMsats
	case 5001:
		return s.CostTextGenerationMsats
	case 5002:
		return s.CostExtractionMsats
	case 5100:
		return s.CostImageMsats
	default:
		return s.DefaultCostMsats
	}
}

func readEncryptedKey(path, passphrase string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	enc, err := crypto.NewEncryptor(passphrase)
	if err != nil {
		return "", err
	}
	key, err := enc.Decrypt(strings.TrimSpace(string(raw)))
	if err != nil {
		return "", fmt.Errorf("decrypt key file: %w", err)
	}
	return strings.TrimSpace(key), nil
}
