package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Chapsvision-dev/etcd-backup-restore/internal/retry"
)

// Config is built once at startup and passed by value into every component.
type Config struct {
	Provider string
	Hostname string
	Cluster  string

	// Local artifacts
	BackupDir       string
	BackupPrefix    string
	TimestampFormat string
	RetentionDays   int
	Compress        bool
	Compression     string // gzip | zstd

	// Remote layout
	KeyPrefix string

	Etcd    EtcdConfig
	Service ServiceConfig
	Health  HealthConfig

	S3         S3Config
	Azure      AzureConfig
	Filesystem FilesystemConfig

	RestoreDir      string
	MetricsTextfile string

	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64
	RetryEnableJitter bool
}

type EtcdConfig struct {
	Endpoints []string
	CertDir   string
	CACert    string
	Cert      string
	Key       string

	CtlPath string // etcdctl
	UtlPath string // etcdutl

	DataDir      string
	Name         string
	ClusterToken string
	PeerURL      string
	DataOwner    string // user[:group], empty leaves ownership untouched
}

type ServiceConfig struct {
	Name         string
	StopTimeout  time.Duration
	StartTimeout time.Duration
	PollInterval time.Duration
}

type HealthConfig struct {
	Kubeconfig string
	Namespace  string
	Timeout    time.Duration
	Interval   time.Duration
}

type S3Config struct {
	Bucket       string
	Region       string
	Profile      string
	Endpoint     string // S3-compatible endpoints, path-style addressing
	StorageClass string
}

type AzureConfig struct {
	Account   string
	Container string
	SASToken  string

	ClientID     string
	ClientSecret string
	TenantID     string
}

type FilesystemConfig struct {
	Root string
}

// LoadFile merges a shell-style settings file (KEY=value or export KEY=value)
// into the process environment. Variables already set win.
func LoadFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load settings %q: %w", path, err)
	}
	return nil
}

// Load reads config from environment variables, applies defaults and validates.
func Load() (Config, error) {
	get := func(key, def string) string {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	parseInt := func(key string, def int) (int, error) {
		v, ok := os.LookupEnv(key)
		if !ok || strings.TrimSpace(v) == "" {
			return def, nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return n, nil
	}

	parseDur := func(key string, def time.Duration) (time.Duration, error) {
		v, ok := os.LookupEnv(key)
		if !ok || strings.TrimSpace(v) == "" {
			return def, nil
		}
		v = strings.TrimSpace(v)
		// bare integers are seconds, like the shell tooling this replaces
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second, nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return d, nil
	}

	parseFloat := func(key string, def float64) float64 {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				return f
			}
		}
		return def
	}

	parseBool := func(key string, def bool) bool {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "1", "true", "yes", "y", "on":
				return true
			case "0", "false", "no", "n", "off":
				return false
			}
		}
		return def
	}

	var errs []error
	intVal := func(key string, def int) int {
		n, err := parseInt(key, def)
		errs = append(errs, err)
		return n
	}
	durVal := func(key string, def time.Duration) time.Duration {
		d, err := parseDur(key, def)
		errs = append(errs, err)
		return d
	}

	hostname := get("BACKUP_HOSTNAME", "")
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return Config{}, fmt.Errorf("hostname: %w", err)
		}
		hostname = h
	}

	backupDir := get("BACKUP_DIR", "/var/backups/etcd")
	certDir := get("CERT_DIR", "/etc/kubernetes/pki/etcd")
	etcdName := get("ETCD_NAME", hostname)

	cfg := Config{
		Provider: strings.ToLower(get("BACKUP_PROVIDER", "s3")),
		Hostname: hostname,
		Cluster:  get("CLUSTER_NAME", "kubernetes"),

		BackupDir:       backupDir,
		BackupPrefix:    get("BACKUP_PREFIX", "etcd-backup"),
		TimestampFormat: get("TIMESTAMP_FORMAT", "20060102-150405"),
		RetentionDays:   intVal("RETENTION_DAYS", 7),
		Compress:        parseBool("COMPRESS", true),
		Compression:     strings.ToLower(get("COMPRESSION", "gzip")),

		KeyPrefix: strings.Trim(get("S3_PREFIX", "etcd-backups"), "/"),

		Etcd: EtcdConfig{
			Endpoints:    splitList(get("ETCD_ENDPOINTS", "https://127.0.0.1:2379")),
			CertDir:      certDir,
			CACert:       get("ETCD_CACERT", filepath.Join(certDir, "ca.crt")),
			Cert:         get("ETCD_CERT", filepath.Join(certDir, "server.crt")),
			Key:          get("ETCD_KEY", filepath.Join(certDir, "server.key")),
			CtlPath:      get("ETCDCTL_PATH", "etcdctl"),
			UtlPath:      get("ETCDUTL_PATH", "etcdutl"),
			DataDir:      filepath.Clean(get("ETCD_DATA_DIR", "/var/lib/etcd")),
			Name:         etcdName,
			ClusterToken: get("ETCD_INITIAL_CLUSTER_TOKEN", "etcd-cluster-restored"),
			PeerURL:      get("ETCD_PEER_URL", "https://127.0.0.1:2380"),
			DataOwner:    get("ETCD_DATA_OWNER", ""),
		},

		Service: ServiceConfig{
			Name:         get("SERVICE_NAME", "etcd"),
			StopTimeout:  durVal("SERVICE_STOP_TIMEOUT", 60*time.Second),
			StartTimeout: durVal("SERVICE_START_TIMEOUT", 60*time.Second),
			PollInterval: durVal("SERVICE_POLL_INTERVAL", 2*time.Second),
		},

		Health: HealthConfig{
			Kubeconfig: get("KUBECONFIG", ""),
			Namespace:  get("HEALTH_NAMESPACE", "kube-system"),
			Timeout:    durVal("HEALTH_TIMEOUT", 300*time.Second),
			Interval:   durVal("HEALTH_INTERVAL", 10*time.Second),
		},

		S3: S3Config{
			Bucket:       get("S3_BUCKET", ""),
			Region:       get("AWS_REGION", ""),
			Profile:      get("AWS_PROFILE", ""),
			Endpoint:     get("S3_ENDPOINT", ""),
			StorageClass: strings.ToUpper(get("S3_STORAGE_CLASS", "STANDARD_IA")),
		},

		Azure: AzureConfig{
			Account:      get("AZURE_STORAGE_ACCOUNT", ""),
			Container:    get("AZURE_STORAGE_CONTAINER", ""),
			SASToken:     get("AZURE_STORAGE_SAS", ""),
			ClientID:     get("AZURE_CLIENT_ID", ""),
			ClientSecret: get("AZURE_CLIENT_SECRET", ""),
			TenantID:     get("AZURE_TENANT_ID", ""),
		},

		Filesystem: FilesystemConfig{
			Root: get("FS_ROOT", ""),
		},

		RestoreDir:      get("RESTORE_DIR", filepath.Join(backupDir, "restore")),
		MetricsTextfile: get("METRICS_TEXTFILE", ""),

		RetryMaxAttempts:  intVal("RETRY_MAX_ATTEMPTS", retry.Default.MaxAttempts),
		RetryInitialDelay: durVal("RETRY_INITIAL_DELAY", retry.Default.InitialDelay),
		RetryMaxDelay:     durVal("RETRY_MAX_DELAY", retry.Default.MaxDelay),
		RetryMultiplier:   parseFloat("RETRY_MULTIPLIER", retry.Default.Multiplier),
		RetryEnableJitter: parseBool("RETRY_JITTER", retry.Default.Jitter),
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate checks numeric bounds and provider-specific requirements.
func (c *Config) validate() error {
	if c.RetentionDays < 1 {
		return errors.New("RETENTION_DAYS must be >= 1")
	}
	if len(c.Etcd.Endpoints) == 0 {
		return errors.New("ETCD_ENDPOINTS is empty")
	}
	if c.BackupPrefix == "" || strings.ContainsAny(c.BackupPrefix, "/*?[") {
		return fmt.Errorf("BACKUP_PREFIX %q is not a valid file name prefix", c.BackupPrefix)
	}
	switch c.Compression {
	case "gzip", "zstd":
	default:
		return errors.New("unsupported compression: " + c.Compression)
	}
	if c.Service.StopTimeout <= 0 || c.Service.StartTimeout <= 0 || c.Service.PollInterval <= 0 {
		return errors.New("service timeouts and poll interval must be positive")
	}
	if c.Health.Timeout < 0 || c.Health.Interval <= 0 {
		return errors.New("HEALTH_TIMEOUT must be >= 0 and HEALTH_INTERVAL positive")
	}

	switch c.Provider {
	case "s3":
		if c.S3.Bucket == "" {
			return errors.New("s3: S3_BUCKET is required")
		}
	case "azure":
		if c.Azure.Account == "" || c.Azure.Container == "" {
			return errors.New("azure: AZURE_STORAGE_ACCOUNT and AZURE_STORAGE_CONTAINER are required")
		}
		// Accept SAS or SP (ClientID/Secret/Tenant). If neither, the provider falls back to DefaultAzureCredential.
	case "filesystem":
		if c.Filesystem.Root == "" {
			return errors.New("filesystem: FS_ROOT is required")
		}
	default:
		return errors.New("unsupported provider: " + c.Provider)
	}
	return nil
}

// RetryOptions converts retry-related config values to retry.Options.
func (c Config) RetryOptions() retry.Options {
	return retry.Options{
		MaxAttempts:  c.RetryMaxAttempts,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Multiplier:   c.RetryMultiplier,
		Jitter:       c.RetryEnableJitter,
	}
}

// HostPrefix is the remote directory holding this host's artifacts.
func (c Config) HostPrefix() string {
	if c.KeyPrefix == "" {
		return c.Hostname + "/"
	}
	return c.KeyPrefix + "/" + c.Hostname + "/"
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
