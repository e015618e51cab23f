package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tutorhub/chatsync"
)

func testToken(t *testing.T, subject string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: subject}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("SignedString error: %v", err)
	}
	return tok
}

// settingLine returns the fields of the printed line for key.
func settingLine(out, key string) []string {
	for _, l := range strings.Split(out, "\n") {
		f := strings.Fields(l)
		if len(f) > 0 && f[0] == key {
			return f
		}
	}
	return nil
}

func TestConfigShow(t *testing.T) {
	t.Run("environment overrides and sync defaults", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())
		t.Setenv(envBaseURL, "https://env.example.com")
		t.Setenv(envToken, testToken(t, "u7"))

		cfg := &Config{}
		cfg.Default.BaseURL = "https://file.example.com"
		cfg.Auth.Token = "file-token"
		cfg.Auth.UserID = "u1"
		cfg.Sync.PollInterval = "2s"
		if err := saveConfig(cfg); err != nil {
			t.Fatalf("saveConfig error: %v", err)
		}

		s, err := resolveSettings()
		if err != nil {
			t.Fatalf("resolveSettings error: %v", err)
		}
		path, _ := configPath()
		var buf bytes.Buffer
		if err := printSettings(&buf, path, s); err != nil {
			t.Fatalf("printSettings error: %v", err)
		}
		out := buf.String()

		tests := []struct {
			key  string
			want []string
		}{
			{"base_url", []string{"base_url", "https://env.example.com", sourceEnv}},
			{"transport", []string{"transport", "ws", sourceDefault}},
			{"user_id", []string{"user_id", "u7", sourceToken}},
			{"poll_interval", []string{"poll_interval", "2s", sourceFile}},
			{"reconcile_window", []string{"reconcile_window", chatsync.DefaultReconcileWindow.String(), sourceDefault}},
			{"directory_ttl", []string{"directory_ttl", chatsync.DefaultDirectoryTTL.String(), sourceDefault}},
		}
		for _, tt := range tests {
			got := settingLine(out, tt.key)
			if strings.Join(got, " ") != strings.Join(tt.want, " ") {
				t.Fatalf("expected %v, got %v in\n%s", tt.want, got, out)
			}
		}
		if strings.Contains(out, s.token) {
			t.Fatal("expected the token to be masked")
		}
		if got := settingLine(out, "token"); len(got) != 3 || got[2] != sourceEnv {
			t.Fatalf("expected the env token, got %v", got)
		}
	})

	t.Run("works without a token or a file", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())
		t.Setenv(envBaseURL, "")
		t.Setenv(envToken, "")

		s, err := resolveSettings()
		if err != nil {
			t.Fatalf("resolveSettings error: %v", err)
		}
		path, _ := configPath()
		var buf bytes.Buffer
		if err := printSettings(&buf, path, s); err != nil {
			t.Fatalf("printSettings error: %v", err)
		}
		out := buf.String()
		if !strings.Contains(out, "(not found)") {
			t.Fatalf("expected a missing file note, got\n%s", out)
		}
		if got := settingLine(out, "base_url"); len(got) != 3 || got[1] != chatsync.DefaultBaseURL || got[2] != sourceDefault {
			t.Fatalf("expected the default base url, got %v", got)
		}
		if got := settingLine(out, "token"); len(got) != 3 || got[1] != "(none)" || got[2] != sourceUnset {
			t.Fatalf("expected no token, got %v", got)
		}

		if _, err := loadSettings(); err == nil {
			t.Fatal("expected commands that need a token to refuse")
		}
	})

	t.Run("an invalid sync duration is reported", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())
		t.Setenv(envToken, "")

		s, err := resolveSettings()
		if err != nil {
			t.Fatalf("resolveSettings error: %v", err)
		}
		s.cfg.Sync.DirectoryTTL = "soon"
		if err := printSettings(&bytes.Buffer{}, "config.toml", s); err == nil || !strings.Contains(err.Error(), "sync.directory_ttl") {
			t.Fatalf("expected the bad key to be named, got %v", err)
		}
		if _, err := s.engineConfig(newLogger()); err == nil {
			t.Fatal("expected engineConfig to reject the bad duration")
		}
	})
}
