package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	// Clear any existing env vars
	t.Setenv("DATABASE_URL", "")
	t.Chdir(t.TempDir())

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}
	if err.Error() != "database_url is required (env: DATABASE_URL)" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Queue.Backend != QueueBeanstalk {
		t.Errorf("expected queue backend beanstalk, got %s", cfg.Queue.Backend)
	}
	if cfg.Queue.BeanstalkAddr != "127.0.0.1:11300" {
		t.Errorf("expected beanstalk addr 127.0.0.1:11300, got %s", cfg.Queue.BeanstalkAddr)
	}
	if cfg.Queue.VisibilityTimeout != 5*time.Minute {
		t.Errorf("expected VisibilityTimeout 5m, got %v", cfg.Queue.VisibilityTimeout)
	}
	if cfg.Queue.LeaseRenewal() != 100*time.Second {
		t.Errorf("expected lease renewal every 100s, got %v", cfg.Queue.LeaseRenewal())
	}
	if cfg.Delivery.InputTube != "start_delivery" || cfg.Delivery.OutputTube != "master_tube" || cfg.Delivery.FailedTube != "delivery_failed" {
		t.Errorf("unexpected delivery tubes: %+v", cfg.Delivery)
	}
	if cfg.Delivery.TrackingDelay != 10*time.Second {
		t.Errorf("expected TrackingDelay 10s, got %v", cfg.Delivery.TrackingDelay)
	}
	if cfg.Delivery.MarkPhaseFailed {
		t.Error("expected MarkPhaseFailed to default to false")
	}
	if cfg.Scan.Tube != "tracking" {
		t.Errorf("expected scan tube tracking, got %s", cfg.Scan.Tube)
	}
	if len(cfg.Drift.TopicSuffixes) != 3 {
		t.Errorf("expected 3 topic suffixes, got %v", cfg.Drift.TopicSuffixes)
	}
	if cfg.OTELEndpoint != "localhost:4317" {
		t.Errorf("expected OTELEndpoint localhost:4317, got %s", cfg.OTELEndpoint)
	}
	if cfg.MetricsPort != 6162 {
		t.Errorf("expected MetricsPort 6162, got %d", cfg.MetricsPort)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://custom/db")
	t.Setenv("QUEUE_BACKEND", "postgres")
	t.Setenv("QUEUE_POLL_INTERVAL", "2s")
	t.Setenv("DELIVERY_TRACKING_DELAY", "30s")
	t.Setenv("DELIVERY_MARK_PHASE_FAILED", "true")
	t.Setenv("FEDMSG_ENDPOINTS", "tcp://a:9940,tcp://b:9940")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel-collector:4317")
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://custom/db" {
		t.Errorf("expected DatabaseURL from env, got %s", cfg.DatabaseURL)
	}
	if cfg.Queue.Backend != QueuePostgres {
		t.Errorf("expected postgres backend, got %s", cfg.Queue.Backend)
	}
	if cfg.Queue.PollInterval != 2*time.Second {
		t.Errorf("expected PollInterval 2s, got %v", cfg.Queue.PollInterval)
	}
	if cfg.Delivery.TrackingDelay != 30*time.Second {
		t.Errorf("expected TrackingDelay 30s, got %v", cfg.Delivery.TrackingDelay)
	}
	if !cfg.Delivery.MarkPhaseFailed {
		t.Error("expected MarkPhaseFailed from env")
	}
	if len(cfg.Drift.Endpoints) != 2 || cfg.Drift.Endpoints[1] != "tcp://b:9940" {
		t.Errorf("expected two endpoints from env, got %v", cfg.Drift.Endpoints)
	}
	if cfg.OTELEndpoint != "otel-collector:4317" {
		t.Errorf("expected OTELEndpoint otel-collector:4317, got %s", cfg.OTELEndpoint)
	}
}

func TestLoad_InvalidQueueBackend(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("QUEUE_BACKEND", "kafka")
	t.Chdir(t.TempDir())

	_, err := Load("")
	if err == nil {
		t.Error("expected error for invalid queue backend")
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imagepipe.yaml")
	configContent := `
database_url: "postgres://config-file/db"
queue:
  backend: postgres
scan:
  tube: scan_requests
  scanners:
    - name: pipeline-scanner
      result_file: pipeline_scanner_results.json
      rootfs: true
`
	if err := os.WriteFile(path, []byte(configContent), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	// Clear env vars that would override
	t.Setenv("DATABASE_URL", "")
	t.Setenv("QUEUE_BACKEND", "")
	t.Setenv("SCAN_TUBE", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://config-file/db" {
		t.Errorf("expected DatabaseURL from config file, got %s", cfg.DatabaseURL)
	}
	if cfg.Queue.Backend != QueuePostgres {
		t.Errorf("expected postgres backend from file, got %s", cfg.Queue.Backend)
	}
	if cfg.Scan.Tube != "scan_requests" {
		t.Errorf("expected scan tube from file, got %s", cfg.Scan.Tube)
	}
	if len(cfg.Scan.Scanners) != 1 || !cfg.Scan.Scanners[0].Rootfs {
		t.Errorf("expected one rootfs scanner, got %+v", cfg.Scan.Scanners)
	}
}

func TestLoad_EnvOverridesConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imagepipe.yaml")
	if err := os.WriteFile(path, []byte("database_url: \"postgres://from-file/db\"\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Setenv("DATABASE_URL", "postgres://from-env/db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseURL != "postgres://from-env/db" {
		t.Errorf("expected DatabaseURL from env, got %s", cfg.DatabaseURL)
	}
}

func TestLoad_ScannerWithoutResultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imagepipe.yaml")
	content := `
database_url: "postgres://localhost/test"
scan:
  scanners:
    - name: misc-package-updates
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for scanner without result_file")
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	_, err := Load("/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent config file")
	}
}
