package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the workbench server.
type Config struct {
	Port         int    `yaml:"port"`
	WorkspaceDir string `yaml:"workspace_dir"`
	DataDir      string `yaml:"data_dir"` // history database lives here

	// Execution
	ProcessTimeout  time.Duration `yaml:"process_timeout"`  // SIGTERM after this long
	ResponseTimeout time.Duration `yaml:"response_timeout"` // answer regardless after this long
	KillGrace       time.Duration `yaml:"kill_grace"`       // SIGTERM to SIGKILL delay
	Runner          string        `yaml:"runner"`           // "shell" or "pty"
	Shell           string        `yaml:"shell"`            // empty = /bin/sh or %ComSpec%
	MaxOutputBytes  int           `yaml:"max_output_bytes"` // per stream

	APIKey      string `yaml:"api_key"`      // empty disables auth
	MetricsAddr string `yaml:"metrics_addr"` // empty disables the metrics listener

	// History
	History     bool   `yaml:"history"`
	DatabaseURL string `yaml:"database_url"` // PostgreSQL instead of SQLite when set

	// NATS
	NATSURL    string `yaml:"nats_url"` // empty disables event publishing
	InstanceID string `yaml:"instance_id"`

	// S3-compatible object storage for workspace snapshots
	S3Endpoint        string `yaml:"s3_endpoint"`
	S3Bucket          string `yaml:"s3_bucket"`
	S3Region          string `yaml:"s3_region"`
	S3AccessKeyID     string `yaml:"s3_access_key_id"`
	S3SecretAccessKey string `yaml:"s3_secret_access_key"`
	S3ForcePathStyle  bool   `yaml:"s3_force_path_style"` // true for R2/MinIO

	// AWS Secrets Manager. The secret is a JSON object keyed by env var name;
	// real env vars take precedence.
	SecretsARN string `yaml:"-"`
}

const envPrefix = "WORKBENCH_"

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	dataDir := ".workbench"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".workbench")
	}
	instanceID, _ := os.Hostname()
	if instanceID == "" {
		instanceID = "local"
	}
	return &Config{
		Port:            3001,
		WorkspaceDir:    "./workspace",
		DataDir:         dataDir,
		ProcessTimeout:  30 * time.Second,
		ResponseTimeout: 31 * time.Second,
		KillGrace:       2 * time.Second,
		Runner:          "shell",
		MaxOutputBytes:  10 << 20,
		MetricsAddr:     ":9091",
		History:         true,
		InstanceID:      instanceID,
		S3Region:        "us-east-1",
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// WORKBENCH_CONFIG, a .env file and finally the environment.
// If WORKBENCH_SECRETS_ARN is set, secrets are fetched from AWS Secrets Manager
// first and applied to env vars that are not already set.
func Load() (*Config, error) {
	// .env never overrides variables that are already present.
	_ = godotenv.Load()

	if arn := os.Getenv(envPrefix + "SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	cfg := Defaults()
	if path := os.Getenv(envPrefix + "CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.WorkspaceDir = envOrDefault("WORKSPACE_DIR", c.WorkspaceDir)
	c.DataDir = envOrDefault("DATA_DIR", c.DataDir)
	c.Runner = envOrDefault("RUNNER", c.Runner)
	c.Shell = envOrDefault("SHELL", c.Shell)
	c.APIKey = envOrDefault("API_KEY", c.APIKey)
	c.DatabaseURL = envOrDefault("DATABASE_URL", c.DatabaseURL)
	c.NATSURL = envOrDefault("NATS_URL", c.NATSURL)
	c.InstanceID = envOrDefault("INSTANCE_ID", c.InstanceID)
	c.S3Endpoint = envOrDefault("S3_ENDPOINT", c.S3Endpoint)
	c.S3Bucket = envOrDefault("S3_BUCKET", c.S3Bucket)
	c.S3Region = envOrDefault("S3_REGION", c.S3Region)
	c.S3AccessKeyID = envOrDefault("S3_ACCESS_KEY_ID", c.S3AccessKeyID)
	c.S3SecretAccessKey = envOrDefault("S3_SECRET_ACCESS_KEY", c.S3SecretAccessKey)
	c.SecretsARN = os.Getenv(envPrefix + "SECRETS_ARN")

	// An explicitly empty value turns the metrics listener off.
	if v, ok := os.LookupEnv(envPrefix + "METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}

	var err error
	if c.Port, err = envInt("PORT", c.Port); err != nil {
		return err
	}
	if c.MaxOutputBytes, err = envInt("MAX_OUTPUT_BYTES", c.MaxOutputBytes); err != nil {
		return err
	}
	if c.ProcessTimeout, err = envDuration("PROCESS_TIMEOUT", c.ProcessTimeout); err != nil {
		return err
	}
	if c.ResponseTimeout, err = envDuration("RESPONSE_TIMEOUT", c.ResponseTimeout); err != nil {
		return err
	}
	if c.KillGrace, err = envDuration("KILL_GRACE", c.KillGrace); err != nil {
		return err
	}
	if c.History, err = envBool("HISTORY", c.History); err != nil {
		return err
	}
	if c.S3ForcePathStyle, err = envBool("S3_FORCE_PATH_STYLE", c.S3ForcePathStyle); err != nil {
		return err
	}
	return nil
}

// Validate checks invariants between fields.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.WorkspaceDir == "" {
		return fmt.Errorf("workspace dir must not be empty")
	}
	if c.ProcessTimeout <= 0 {
		return fmt.Errorf("process timeout must be positive, got %s", c.ProcessTimeout)
	}
	if c.ResponseTimeout <= c.ProcessTimeout {
		return fmt.Errorf("response timeout (%s) must be greater than process timeout (%s)", c.ResponseTimeout, c.ProcessTimeout)
	}
	if c.KillGrace <= 0 {
		return fmt.Errorf("kill grace must be positive, got %s", c.KillGrace)
	}
	switch c.Runner {
	case "shell", "pty":
	default:
		return fmt.Errorf("unknown runner %q (want shell or pty)", c.Runner)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s%s %q: %w", envPrefix, key, v, err)
	}
	return n, nil
}

// envDuration accepts Go durations ("30s") or a bare number of milliseconds.
func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback, nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s%s %q: %w", envPrefix, key, v, err)
	}
	return d, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s%s %q: %w", envPrefix, key, v, err)
	}
	return b, nil
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and sets
// any values as environment variables (only if not already set, so explicit
// env vars always win). Uses the default AWS credential chain.
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Extract region from ARN: arn:aws:secretsmanager:REGION:ACCOUNT:secret:NAME
	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}
	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	applied, total, err := applySecrets(*result.SecretString)
	if err != nil {
		return err
	}
	log.Printf("config: loaded %d secrets from Secrets Manager (%d keys in secret, env overrides take precedence)", applied, total)
	return nil
}

func applySecrets(secretJSON string) (applied, total int, err error) {
	var secrets map[string]string
	if err := json.Unmarshal([]byte(secretJSON), &secrets); err != nil {
		return 0, 0, fmt.Errorf("parse secret JSON: %w", err)
	}
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}
	return applied, len(secrets), nil
}
