package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/tutorhub/chatsync"
)

const (
	envBaseURL = "CHATSYNC_BASE_URL"
	envToken   = "CHATSYNC_TOKEN"
)

// Where an effective value came from.
const (
	sourceDefault = "default"
	sourceFile    = "config"
	sourceEnv     = "env"
	sourceToken   = "token"
	sourceUnset   = "unset"
)

// settings is the effective configuration after .env and environment overrides.
type settings struct {
	cfg     *Config
	baseURL string
	token   string
	userID  string

	// sources records where base_url, token and user_id came from.
	sources  map[string]string
	tokenErr error
}

// resolveSettings reads the config file and applies CHATSYNC_* overrides from
// the environment or a .env file in the working directory. A missing token is
// not an error here.
func resolveSettings() (*settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("cannot load .env: %w", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	s := &settings{
		cfg:     cfg,
		baseURL: chatsync.DefaultBaseURL,
		token:   cfg.Auth.Token,
		userID:  cfg.Auth.UserID,
		sources: map[string]string{
			"base_url": sourceDefault,
			"token":    sourceUnset,
			"user_id":  sourceUnset,
		},
	}
	if cfg.Default.BaseURL != "" {
		s.baseURL = cfg.Default.BaseURL
		s.sources["base_url"] = sourceFile
	}
	if v := os.Getenv(envBaseURL); v != "" {
		s.baseURL = v
		s.sources["base_url"] = sourceEnv
	}
	if s.token != "" {
		s.sources["token"] = sourceFile
	}
	if s.userID != "" {
		s.sources["user_id"] = sourceFile
	}
	if v := os.Getenv(envToken); v != "" && v != s.token {
		s.token = v
		s.userID = ""
		s.sources["token"] = sourceEnv
		s.sources["user_id"] = sourceUnset
	}
	if s.token != "" && s.userID == "" {
		claims, err := tokenClaims(s.token)
		if err != nil {
			s.tokenErr = err
		} else if claims.Subject != "" {
			s.userID = claims.Subject
			s.sources["user_id"] = sourceToken
		}
	}
	return s, nil
}

// loadSettings resolves the settings and requires a usable token.
func loadSettings() (*settings, error) {
	s, err := resolveSettings()
	if err != nil {
		return nil, err
	}
	if s.token == "" {
		return nil, fmt.Errorf("no token: run 'chatsync init <token>' or set %s", envToken)
	}
	if s.tokenErr != nil {
		return nil, s.tokenErr
	}
	if s.userID == "" {
		return nil, errors.New("token carries no subject; set auth.user_id")
	}
	return s, nil
}

// syncSetting is one [sync] duration with its effective value.
type syncSetting struct {
	key    string
	raw    string
	def    time.Duration
	value  time.Duration
	source string
}

// syncSettings parses the [sync] section. Unset keys take the engine defaults.
func (s *settings) syncSettings() ([]syncSetting, error) {
	out := []syncSetting{
		{key: "poll_interval", raw: s.cfg.Sync.PollInterval, def: chatsync.DefaultPollInterval},
		{key: "reconcile_window", raw: s.cfg.Sync.ReconcileWindow, def: chatsync.DefaultReconcileWindow},
		{key: "refresh_min_interval", raw: s.cfg.Sync.RefreshMinInterval, def: chatsync.DefaultRefreshMinInterval},
		{key: "directory_ttl", raw: s.cfg.Sync.DirectoryTTL, def: chatsync.DefaultDirectoryTTL},
	}
	for i := range out {
		if out[i].raw == "" {
			out[i].value, out[i].source = out[i].def, sourceDefault
			continue
		}
		d, err := parseDuration(out[i].raw)
		if err != nil {
			return nil, fmt.Errorf("sync.%s: %w", out[i].key, err)
		}
		out[i].value, out[i].source = d, sourceFile
	}
	return out, nil
}

func (s *settings) client(log zerolog.Logger) *chatsync.Client {
	return chatsync.NewClient(s.token,
		chatsync.WithBaseURL(s.baseURL),
		chatsync.WithClientLogger(log),
	)
}

// engineConfig maps the [sync] section onto the engine configuration.
func (s *settings) engineConfig(log zerolog.Logger) (*chatsync.Config, error) {
	synced, err := s.syncSettings()
	if err != nil {
		return nil, err
	}
	cfg := &chatsync.Config{Logger: log}
	for _, f := range synced {
		switch f.key {
		case "poll_interval":
			cfg.PollInterval = f.value
		case "reconcile_window":
			cfg.ReconcileWindow = f.value
		case "refresh_min_interval":
			cfg.RefreshMinInterval = f.value
		case "directory_ttl":
			cfg.DirectoryTTL = f.value
		}
	}
	return cfg, nil
}

// transport is the configured feed transport, WebSocket unless sse is set.
func (s *settings) transport() chatsync.FeedTransport {
	if s.cfg.Default.Transport == string(chatsync.TransportSSE) {
		return chatsync.TransportSSE
	}
	return chatsync.TransportWebSocket
}

func (s *settings) feedConfig(log zerolog.Logger) *chatsync.FeedConfig {
	return &chatsync.FeedConfig{
		Token:                s.token,
		Transport:            s.transport(),
		AutoReconnect:        true,
		MaxReconnectAttempts: -1,
		Logger:               log,
	}
}

// tokenClaims reads the registered claims without verifying the signature.
// The server verifies the token; the CLI only needs to know who it belongs to.
func tokenClaims(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("cannot read token: %w", err)
	}
	return claims, nil
}

// newLogger writes human-readable logs to stderr, at debug level with --verbose.
func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Logger()
}

func parseDuration(v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", v)
	}
	return d, nil
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
