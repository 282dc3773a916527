// Package config loads pipeline configuration from an optional YAML file and
// environment variables. Environment variables win over file values.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Queue backends.
const (
	QueueBeanstalk = "beanstalk"
	QueuePostgres  = "postgres"
)

// Config holds all configuration values for the pipeline processes.
type Config struct {
	// Database connection string
	DatabaseURL string `mapstructure:"database_url"`

	LogLevel string `mapstructure:"log_level"`

	// OTLP gRPC collector address
	OTELEndpoint string `mapstructure:"otel_endpoint"`

	// Port of the health/metrics server every worker exposes
	MetricsPort int `mapstructure:"metrics_port"`

	Queue     QueueConfig     `mapstructure:"queue"`
	OpenShift OpenShiftConfig `mapstructure:"openshift"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Scan      ScanConfig      `mapstructure:"scan"`
	Drift     DriftConfig     `mapstructure:"drift"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
}

// QueueConfig selects and tunes the job transport.
type QueueConfig struct {
	Backend           string        `mapstructure:"backend"`
	BeanstalkAddr     string        `mapstructure:"beanstalk_addr"`
	ReserveTimeout    time.Duration `mapstructure:"reserve_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
}

// LeaseRenewal is how often workers touch a reserved job: a third of the
// visibility timeout, so two renewals may fail before the job is released.
func (c QueueConfig) LeaseRenewal() time.Duration {
	return c.VisibilityTimeout / 3
}

// OpenShiftConfig points at the build platform.
type OpenShiftConfig struct {
	// Empty means in-cluster config, falling back to ~/.kube/config.
	Kubeconfig   string        `mapstructure:"kubeconfig"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// DeliveryConfig configures the delivery phase worker.
type DeliveryConfig struct {
	InputTube     string        `mapstructure:"input_tube"`
	OutputTube    string        `mapstructure:"output_tube"`
	FailedTube    string        `mapstructure:"failed_tube"`
	TrackingDelay time.Duration `mapstructure:"tracking_delay"`
	// Off by default: the delivery phase historically stays non-terminal
	// when delivery fails.
	MarkPhaseFailed bool `mapstructure:"mark_phase_failed"`
}

// ScannerConfig names one atomic scanner run against every scanned image.
type ScannerConfig struct {
	Name       string `mapstructure:"name"`
	ResultFile string `mapstructure:"result_file"`
	ScanType   string `mapstructure:"scan_type"`
	Rootfs     bool   `mapstructure:"rootfs"`
}

// ScanConfig configures the image scan orchestrator.
type ScanConfig struct {
	Tube            string          `mapstructure:"tube"`
	PullRate        float64         `mapstructure:"pull_rate"`
	PullBurst       int             `mapstructure:"pull_burst"`
	PackageCommand  string          `mapstructure:"package_command"`
	RepoListCommand string          `mapstructure:"repo_list_command"`
	YumVarsCommand  string          `mapstructure:"yumvars_command"`
	AtomicBinary    string          `mapstructure:"atomic_binary"`
	MountRoot       string          `mapstructure:"mount_root"`
	Scanners        []ScannerConfig `mapstructure:"scanners"`
}

// DriftConfig configures the package update listener.
type DriftConfig struct {
	Endpoints     []string `mapstructure:"endpoints"`
	TopicSuffixes []string `mapstructure:"topic_suffixes"`
}

// DispatchConfig configures the master tube dispatcher.
type DispatchConfig struct {
	InputTube      string        `mapstructure:"input_tube"`
	NotifyTube     string        `mapstructure:"notify_tube"`
	TrackingTube   string        `mapstructure:"tracking_tube"`
	RequeueDelay   time.Duration `mapstructure:"requeue_delay"`
	MaxRequeues    int           `mapstructure:"max_requeues"`
	RememberedJobs int           `mapstructure:"remembered_jobs"`
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"database_url":               "DATABASE_URL",
	"log_level":                  "LOG_LEVEL",
	"otel_endpoint":              "OTEL_EXPORTER_OTLP_ENDPOINT",
	"metrics_port":               "METRICS_PORT",
	"queue.backend":              "QUEUE_BACKEND",
	"queue.beanstalk_addr":       "BEANSTALK_SERVER",
	"queue.reserve_timeout":      "QUEUE_RESERVE_TIMEOUT",
	"queue.poll_interval":        "QUEUE_POLL_INTERVAL",
	"queue.max_backoff":          "QUEUE_MAX_BACKOFF",
	"queue.visibility_timeout":   "QUEUE_VISIBILITY_TIMEOUT",
	"openshift.kubeconfig":       "KUBECONFIG",
	"openshift.poll_interval":    "OPENSHIFT_POLL_INTERVAL",
	"delivery.tracking_delay":    "DELIVERY_TRACKING_DELAY",
	"delivery.mark_phase_failed": "DELIVERY_MARK_PHASE_FAILED",
	"scan.tube":                  "SCAN_TUBE",
	"scan.pull_rate":             "SCAN_PULL_RATE",
	"scan.atomic_binary":         "ATOMIC_BINARY",
	"scan.mount_root":            "SCAN_MOUNT_ROOT",
	"drift.endpoints":            "FEDMSG_ENDPOINTS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("metrics_port", 6162)

	v.SetDefault("queue.backend", QueueBeanstalk)
	v.SetDefault("queue.beanstalk_addr", "127.0.0.1:11300")
	v.SetDefault("queue.reserve_timeout", 5*time.Second)
	v.SetDefault("queue.poll_interval", 1*time.Second)
	v.SetDefault("queue.max_backoff", 30*time.Second)
	v.SetDefault("queue.visibility_timeout", 5*time.Minute)

	v.SetDefault("openshift.poll_interval", 10*time.Second)

	v.SetDefault("delivery.input_tube", "start_delivery")
	v.SetDefault("delivery.output_tube", "master_tube")
	v.SetDefault("delivery.failed_tube", "delivery_failed")
	v.SetDefault("delivery.tracking_delay", 10*time.Second)
	v.SetDefault("delivery.mark_phase_failed", false)

	v.SetDefault("scan.tube", "tracking")
	v.SetDefault("scan.pull_rate", 0.5)
	v.SetDefault("scan.pull_burst", 1)
	v.SetDefault("scan.package_command", `rpm -qa --qf '%{NAME}|%{VERSION}|%{RELEASE}|%{ARCH}\n'`)
	v.SetDefault("scan.repo_list_command", `python -c "import yum, json; yb = yum.YumBase(); print json.dumps([(r.id, r.mirrorlist, r.baseurl) for r in yb.repos.listEnabled()])"`)
	v.SetDefault("scan.yumvars_command", `python -c "import yum, json; yb = yum.YumBase(); print json.dumps(yb.conf.yumvar)"`)
	v.SetDefault("scan.atomic_binary", "atomic")
	v.SetDefault("scan.mount_root", "/")

	v.SetDefault("drift.endpoints", []string{"tcp://hub.fedoraproject.org:9940"})
	v.SetDefault("drift.topic_suffixes", []string{"package.added", "package.modified", "package.removed"})

	v.SetDefault("dispatch.input_tube", "master_tube")
	v.SetDefault("dispatch.notify_tube", "notify_tube")
	v.SetDefault("dispatch.tracking_tube", "tracking")
	v.SetDefault("dispatch.requeue_delay", 5*time.Second)
	v.SetDefault("dispatch.max_requeues", 12)
	v.SetDefault("dispatch.remembered_jobs", 1024)
}

// Load reads configuration. When path is empty, imagepipe.yaml in the
// current directory is used if present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("imagepipe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("database_url is required (env: DATABASE_URL)")
	}
	switch c.Queue.Backend {
	case QueueBeanstalk, QueuePostgres:
	default:
		return fmt.Errorf("invalid queue.backend %q (env: QUEUE_BACKEND): must be %s or %s",
			c.Queue.Backend, QueueBeanstalk, QueuePostgres)
	}
	if c.Queue.Backend == QueueBeanstalk && c.Queue.BeanstalkAddr == "" {
		return errors.New("queue.beanstalk_addr is required for the beanstalk backend (env: BEANSTALK_SERVER)")
	}
	if c.Scan.PullRate < 0 {
		return fmt.Errorf("scan.pull_rate must not be negative, got %v", c.Scan.PullRate)
	}
	for i, s := range c.Scan.Scanners {
		if s.Name == "" || s.ResultFile == "" {
			return fmt.Errorf("scan.scanners[%d]: name and result_file are required", i)
		}
	}
	return nil
}
