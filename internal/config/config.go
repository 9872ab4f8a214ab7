package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// RepoConfig identifies the repository the pipeline operates on.
type RepoConfig struct {
	Name string `yaml:"name"` // repository identifier for logs and notifications
	Dir  string `yaml:"dir"`  // working directory for pipeline commands
}

// PipelineConfig holds the fixed step commands. Each step is an opaque
// external command; only its exit code and output matter.
type PipelineConfig struct {
	Fetch       []string      `yaml:"fetch"`
	Build       []string      `yaml:"build"`
	Restart     []string      `yaml:"restart"`
	StepTimeout time.Duration `yaml:"step_timeout"`
}

// GateConfig controls the single deployment slot.
type GateConfig struct {
	SlotTimeout time.Duration `yaml:"slot_timeout"` // stale slot auto-expiry
}

// TelegramConfig holds notification credentials. Both fields optional;
// missing credentials degrade to a local note instead of delivery.
type TelegramConfig struct {
	Token   string        `yaml:"token"`
	ChatID  int64         `yaml:"chat_id"`
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig controls the day-keyed run log store.
type StorageConfig struct {
	Dir       string        `yaml:"dir"`
	Retention time.Duration `yaml:"retention"`
}

// RedisConfig enables webhook delivery deduplication when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// MongoConfig enables the run-history mirror when URI is set.
type MongoConfig struct {
	URI        string        `yaml:"uri"`
	Database   string        `yaml:"database"`
	Collection string        `yaml:"collection"`
	TTL        time.Duration `yaml:"ttl"`
}

// WebhookConfig filters which events trigger a deployment.
type WebhookConfig struct {
	AllowedEvents   []string `yaml:"allowed_events"`
	AllowedBranches []string `yaml:"allowed_branches"`
}

// Config is the full service configuration.
type Config struct {
	ListenAddr string         `yaml:"listen_addr"`
	AppURL     string         `yaml:"app_url"` // public application URL, shown in notifications
	Repo       RepoConfig     `yaml:"repo"`
	Pipeline   PipelineConfig `yaml:"pipeline"`
	Gate       GateConfig     `yaml:"gate"`
	Telegram   TelegramConfig `yaml:"telegram"`
	Storage    StorageConfig  `yaml:"storage"`
	Redis      RedisConfig    `yaml:"redis"`
	Mongo      MongoConfig    `yaml:"mongo"`
	Webhook    WebhookConfig  `yaml:"webhook"`
	LogLevel   string         `yaml:"log_level"`
}

// LoadConfig reads the YAML config, applies defaults and environment
// overrides, and validates the result once at startup.
func LoadConfig(filePath string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %v", err)
		}
		logrus.Warnf("Config file %s not found, using defaults", filePath)
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %v", err)
	}

	cfg.setDefaults()
	cfg.mergeEnvVars()

	if cfg.LogLevel != "" {
		if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			logrus.SetLevel(level)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8000"
	}
	if c.Repo.Dir == "" {
		c.Repo.Dir = "."
	}
	if len(c.Pipeline.Fetch) == 0 {
		c.Pipeline.Fetch = []string{"git", "pull", "--ff-only"}
	}
	if len(c.Pipeline.Build) == 0 {
		c.Pipeline.Build = []string{"docker", "compose", "build", "--pull"}
	}
	if len(c.Pipeline.Restart) == 0 {
		c.Pipeline.Restart = []string{"docker", "compose", "up", "-d"}
	}
	if c.Pipeline.StepTimeout == 0 {
		c.Pipeline.StepTimeout = 10 * time.Minute
	}
	if c.Gate.SlotTimeout == 0 {
		c.Gate.SlotTimeout = 30 * time.Minute
	}
	if c.Telegram.Timeout == 0 {
		c.Telegram.Timeout = 10 * time.Second
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "deploy_storage"
	}
	if c.Storage.Retention == 0 {
		c.Storage.Retention = 30 * 24 * time.Hour
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 24 * time.Hour
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "webhook_deploy"
	}
	if c.Mongo.Collection == "" {
		c.Mongo.Collection = "runs"
	}
	if c.Mongo.TTL == 0 {
		c.Mongo.TTL = 30 * 24 * time.Hour
	}
	if len(c.Webhook.AllowedEvents) == 0 {
		c.Webhook.AllowedEvents = []string{"push", "release"}
	}
	if len(c.Webhook.AllowedBranches) == 0 {
		c.Webhook.AllowedBranches = []string{"main", "master"}
	}
}

func (c *Config) mergeEnvVars() {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("APP_URL"); v != "" {
		c.AppURL = v
	}
	if v := os.Getenv("REPO_NAME"); v != "" {
		c.Repo.Name = v
	}
	if v := os.Getenv("REPO_DIR"); v != "" {
		c.Repo.Dir = v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Telegram.ChatID = id
		} else {
			logrus.Warnf("Ignoring invalid TELEGRAM_CHAT_ID %q", v)
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		c.Mongo.URI = v
	}
}

// Validate checks the parts the pipeline itself needs. Notification and
// dedup settings stay optional.
func (c *Config) Validate() error {
	if _, err := os.Stat(c.Repo.Dir); err != nil {
		return fmt.Errorf("repo dir %s: %v", c.Repo.Dir, err)
	}
	for name, cmd := range map[string][]string{
		"fetch":   c.Pipeline.Fetch,
		"build":   c.Pipeline.Build,
		"restart": c.Pipeline.Restart,
	} {
		if len(cmd) == 0 || cmd[0] == "" {
			return fmt.Errorf("pipeline step %s has no command", name)
		}
	}
	if c.Telegram.Token == "" || c.Telegram.ChatID == 0 {
		logrus.Info("Telegram credentials not configured, notifications will be skipped")
	}
	return nil
}
