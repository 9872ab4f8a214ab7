package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config failed: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	repoDir := t.TempDir()
	path := writeConfig(t, "repo:\n  name: example-app\n  dir: "+repoDir+"\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.ListenAddr != ":8000" {
		t.Fatalf("expected default listen addr :8000, got %s", cfg.ListenAddr)
	}
	if cfg.Gate.SlotTimeout != 30*time.Minute {
		t.Fatalf("expected default slot timeout 30m, got %v", cfg.Gate.SlotTimeout)
	}
	if cfg.Pipeline.StepTimeout != 10*time.Minute {
		t.Fatalf("expected default step timeout 10m, got %v", cfg.Pipeline.StepTimeout)
	}
	if got := cfg.Pipeline.Fetch[0]; got != "git" {
		t.Fatalf("expected default fetch command to be git, got %s", got)
	}
	if len(cfg.Webhook.AllowedEvents) != 2 || cfg.Webhook.AllowedEvents[0] != "push" {
		t.Fatalf("unexpected default allowed events: %v", cfg.Webhook.AllowedEvents)
	}
	if len(cfg.Webhook.AllowedBranches) != 2 {
		t.Fatalf("unexpected default allowed branches: %v", cfg.Webhook.AllowedBranches)
	}
	if cfg.Storage.Retention != 30*24*time.Hour {
		t.Fatalf("unexpected default retention: %v", cfg.Storage.Retention)
	}
}

func TestLoadConfigParsesFile(t *testing.T) {
	repoDir := t.TempDir()
	path := writeConfig(t, `
listen_addr: ":9090"
app_url: https://app.example.com
repo:
  name: example-app
  dir: `+repoDir+`
pipeline:
  fetch: ["git", "fetch", "--all"]
  step_timeout: 2m
gate:
  slot_timeout: 5m
telegram:
  token: tok
  chat_id: 42
webhook:
  allowed_branches: ["release"]
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Fatalf("expected listen addr :9090, got %s", cfg.ListenAddr)
	}
	if cfg.Gate.SlotTimeout != 5*time.Minute {
		t.Fatalf("expected slot timeout 5m, got %v", cfg.Gate.SlotTimeout)
	}
	if cfg.Telegram.ChatID != 42 {
		t.Fatalf("expected chat id 42, got %d", cfg.Telegram.ChatID)
	}
	if len(cfg.Webhook.AllowedBranches) != 1 || cfg.Webhook.AllowedBranches[0] != "release" {
		t.Fatalf("unexpected allowed branches: %v", cfg.Webhook.AllowedBranches)
	}
	// Unset steps still get defaults.
	if cfg.Pipeline.Build[0] != "docker" {
		t.Fatalf("expected default build command, got %v", cfg.Pipeline.Build)
	}
}

func TestEnvOverrides(t *testing.T) {
	repoDir := t.TempDir()
	path := writeConfig(t, "repo:\n  dir: "+t.TempDir()+"\n")

	t.Setenv("TELEGRAM_TOKEN", "env-token")
	t.Setenv("TELEGRAM_CHAT_ID", "123456")
	t.Setenv("APP_URL", "https://env.example.com")
	t.Setenv("REPO_DIR", repoDir)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("expected env token, got %s", cfg.Telegram.Token)
	}
	if cfg.Telegram.ChatID != 123456 {
		t.Fatalf("expected env chat id, got %d", cfg.Telegram.ChatID)
	}
	if cfg.AppURL != "https://env.example.com" {
		t.Fatalf("expected env app url, got %s", cfg.AppURL)
	}
	if cfg.Repo.Dir != repoDir {
		t.Fatalf("expected env repo dir, got %s", cfg.Repo.Dir)
	}
}

func TestInvalidChatIDEnvIgnored(t *testing.T) {
	path := writeConfig(t, "repo:\n  dir: "+t.TempDir()+"\ntelegram:\n  chat_id: 7\n")

	t.Setenv("TELEGRAM_CHAT_ID", "not-a-number")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Telegram.ChatID != 7 {
		t.Fatalf("expected file chat id to survive bad env value, got %d", cfg.Telegram.ChatID)
	}
}

func TestValidateMissingRepoDir(t *testing.T) {
	path := writeConfig(t, "repo:\n  dir: /does/not/exist\n")

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for missing repo dir")
	}
}

func TestValidateEmptyStepCommand(t *testing.T) {
	cfg := &Config{
		Repo: RepoConfig{Dir: t.TempDir()},
		Pipeline: PipelineConfig{
			Fetch:   []string{""},
			Build:   []string{"docker"},
			Restart: []string{"docker"},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for empty step command")
	}
}
