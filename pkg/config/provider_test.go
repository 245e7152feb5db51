package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/nimburion/taskqueue/pkg/worker"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestProvider_Defaults(t *testing.T) {

	var cfg Config
	if err := NewProvider("", "").Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.Name != "task_queue" || !cfg.Queue.Durable {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Broker.Host != "localhost" || cfg.Broker.Port != 5672 || cfg.Broker.VHost != "/" {
		t.Fatalf("unexpected broker defaults: %+v", cfg.Broker)
	}
	if cfg.Worker.Prefetch != 1 || cfg.Worker.ShutdownGrace != 30*time.Second || cfg.Worker.Failure.Mode != "requeue" {
		t.Fatalf("unexpected worker defaults: %+v", cfg.Worker)
	}
	if !cfg.Producer.Persistent || cfg.Producer.Confirm {
		t.Fatalf("unexpected producer defaults: %+v", cfg.Producer)
	}
	if cfg.Workload.Marker != "." || cfg.Workload.Unit != time.Second {
		t.Fatalf("unexpected workload defaults: %+v", cfg.Workload)
	}
	if cfg.Tracing.SampleRate != 1 {
		t.Fatalf("unexpected sample rate: %v", cfg.Tracing.SampleRate)
	}
}

func TestProvider_Precedence(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "taskqueue.yaml", `
queue:
  name: from_file
worker:
  prefetch: 4
  failure:
    mode: hold
log:
  level: debug
`)
	t.Setenv("TASKQUEUE_WORKER_PREFETCH", "8")
	t.Setenv("TASKQUEUE_LOG_LEVEL", "warn")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var target Config
	if err := RegisterFlags(flags, &target); err != nil {
		t.Fatalf("RegisterFlags() error = %v", err)
	}
	if err := flags.Parse([]string{"--log-level=error"}); err != nil {
		t.Fatal(err)
	}

	var cfg Config
	provider := NewProvider(" "+file+" ", "").WithFlags(flags)
	if got := provider.ConfigFile(); got != file {
		t.Fatalf("ConfigFile() = %q, want %q", got, file)
	}
	if err := provider.Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.Name != "from_file" {
		t.Fatalf("file value lost: %q", cfg.Queue.Name)
	}
	if cfg.Worker.Prefetch != 8 {
		t.Fatalf("env should override file, got prefetch %d", cfg.Worker.Prefetch)
	}
	if cfg.Log.Level != "error" {
		t.Fatalf("flag should override env, got %q", cfg.Log.Level)
	}
	if cfg.Worker.Failure.Mode != "hold" {
		t.Fatalf("nested file value lost: %q", cfg.Worker.Failure.Mode)
	}
}

func TestProvider_UnchangedFlagsDoNotOverride(t *testing.T) {
	t.Setenv("TASKQUEUE_QUEUE_NAME", "from_env")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := RegisterFlags(flags, &Config{}); err != nil {
		t.Fatal(err)
	}
	if err := flags.Parse(nil); err != nil {
		t.Fatal(err)
	}

	var cfg Config
	if err := NewProvider("", "").WithFlags(flags).Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.Name != "from_env" {
		t.Fatalf("default flag value overrode env: %q", cfg.Queue.Name)
	}
}

func TestProvider_BrokerURLAliases(t *testing.T) {
	t.Setenv("AMQP_URL", "amqp://u:p@rabbit:5673/")

	var cfg Config
	if err := NewProvider("", "").Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Broker.URL != "amqp://u:p@rabbit:5673/" {
		t.Fatalf("AMQP_URL not bound: %q", cfg.Broker.URL)
	}
	if got := cfg.BrokerConfig().Target(); !strings.Contains(got, "rabbit:5673") {
		t.Fatalf("broker target = %q", got)
	}
}

func TestProvider_FloatFlag(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := RegisterFlags(flags, &Config{}); err != nil {
		t.Fatal(err)
	}
	if err := flags.Parse([]string{"--rate-limit=2.5", "--prefetch=3", "--shutdown-grace=5s", "--confirm"}); err != nil {
		t.Fatal(err)
	}

	var cfg Config
	if err := NewProvider("", "").WithFlags(flags).Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Producer.RateLimit != 2.5 || cfg.Worker.Prefetch != 3 || cfg.Worker.ShutdownGrace != 5*time.Second || !cfg.Producer.Confirm {
		t.Fatalf("flags not applied: %+v %+v", cfg.Producer, cfg.Worker)
	}
}

func TestProvider_SecretsFile(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "config.yaml", "broker:\n  username: app\n")
	writeFile(t, dir, "secrets.yaml", "broker:\n  password: s3cr3t\n")

	provider := NewProvider(file, "")
	var cfg Config
	if err := provider.Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Broker.Username != "app" || cfg.Broker.Password != "s3cr3t" {
		t.Fatalf("secrets not merged: %+v", cfg.Broker)
	}
	if provider.Secrets() == nil {
		t.Fatal("expected secrets to be recorded")
	}

	redacted := Redact(provider.AllSettings(), provider.Secrets())
	brokerSettings := redacted["broker"].(map[string]interface{})
	if brokerSettings["password"] != RedactedValue {
		t.Fatalf("password not redacted: %v", brokerSettings["password"])
	}
	if brokerSettings["username"] != "app" {
		t.Fatalf("username should stay visible: %v", brokerSettings["username"])
	}
}

func TestProvider_SecretsFileEnv(t *testing.T) {
	dir := t.TempDir()
	secrets := writeFile(t, dir, "override.yaml", "broker:\n  password: from-env-file\n")
	t.Setenv("TASKQUEUE_SECRETS_FILE", secrets)

	var cfg Config
	if err := NewProvider("", "").Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Broker.Password != "from-env-file" {
		t.Fatalf("secrets env file not merged: %q", cfg.Broker.Password)
	}

	t.Setenv("TASKQUEUE_SECRETS_FILE", dir)
	if err := NewProvider("", "").Load(&Config{}); err == nil {
		t.Fatal("expected error when secrets file is a directory")
	}
}

func TestProvider_MissingConfigFile(t *testing.T) {
	err := NewProvider(filepath.Join(t.TempDir(), "absent.yaml"), "").Load(&Config{})
	if err == nil || !strings.Contains(err.Error(), "failed to read config file") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestProvider_InvalidEnvValue(t *testing.T) {
	t.Setenv("TASKQUEUE_WORKER_FAILURE_MODE", "explode")
	err := NewProvider("", "").Load(&Config{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestProvider_NilTarget(t *testing.T) {
	if err := NewProvider("", "").Load(nil); err == nil {
		t.Fatal("expected error for nil target")
	}
}

func TestConversions(t *testing.T) {
	var cfg Config
	if err := NewProvider("", "").Load(&cfg); err != nil {
		t.Fatal(err)
	}
	cfg.Worker.Failure.Mode = "dlq"
	cfg.Worker.Failure.MaxAttempts = 3
	cfg.Workload.Marker = "#"

	wc := cfg.WorkerConfig()
	if wc.Queue != "task_queue" || wc.Failure.Mode != worker.FailureDeadLetter || wc.Failure.MaxAttempts != 3 {
		t.Fatalf("unexpected worker config: %+v", wc)
	}
	pc := cfg.ProducerConfig()
	if pc.Queue != wc.Queue || pc.Durable != wc.Durable || !pc.Persistent {
		t.Fatalf("producer and worker disagree on the queue: %+v %+v", pc, wc)
	}
	if w := cfg.DotWorkload(); w.Marker != '#' || w.Unit != time.Second {
		t.Fatalf("unexpected workload: %+v", w)
	}
	if lc := cfg.LoggerConfig(); lc.Level != "info" || lc.Format != "json" {
		t.Fatalf("unexpected logger config: %+v", lc)
	}
	if tc := cfg.TracerConfig("taskqueue", "1.0.0"); tc.ServiceName != "taskqueue" || tc.Enabled {
		t.Fatalf("unexpected tracer config: %+v", tc)
	}
}

func TestToSnakeCase(t *testing.T) {
	tests := map[string]string{
		"ShutdownGrace": "shutdown_grace",
		"URL":           "url",
		"VHost":         "v_host",
		"HTTPAddr":      "http_addr",
	}
	for in, want := range tests {
		if got := toSnakeCase(in); got != want {
			t.Errorf("toSnakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestProvider_ExplicitSecretsFile(t *testing.T) {
	dir := t.TempDir()
	secrets := writeFile(t, dir, "vault.yaml", "broker:\n  password: explicit\n")

	var cfg Config
	if err := NewProvider("", "").WithSecretsFile(secrets).Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Broker.Password != "explicit" {
		t.Fatalf("explicit secrets file not merged: %q", cfg.Broker.Password)
	}

	err := NewProvider("", "").WithSecretsFile(filepath.Join(dir, "missing.yaml")).Load(&Config{})
	if err == nil || !strings.Contains(err.Error(), "inaccessible") {
		t.Fatalf("expected inaccessible secrets error, got %v", err)
	}
}
