package cfg

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	BackendFilesystem = "filesystem"
	BackendDatabase   = "database"
	BackendS3         = "s3"
	BackendBolt       = "bolt"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
// Wipe zeroes the backing bytes, so copies of s are cleared too.
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
	runtime.KeepAlive(s.value)
}
func (s Secret) String() string {
	return "***REDACTED***"
}
func (s *Secret) UnmarshalYAML(n *yaml.Node) error {
	var v string
	if err := n.Decode(&v); err != nil {
		return err
	}
	s.value = []byte(v)
	return nil
}

type ExpirePreset struct {
	Name     string        `yaml:"name"`
	Duration time.Duration `yaml:"duration"`
}

type S3Cfg struct {
	Bucket            string `yaml:"bucket"`
	Prefix            string `yaml:"prefix"`
	Region            string `yaml:"region"`
	Endpoint          string `yaml:"endpoint"`
	AccessKey         string `yaml:"access_key"`
	SecretKey         Secret `yaml:"secret_key"`
	PathStyle         bool   `yaml:"path_style"`
	ConditionalWrites bool   `yaml:"conditional_writes"`
}

type Cfg struct {
	Port        string `yaml:"port"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`

	StoreBackend   string        `yaml:"store_backend"`
	DataDir        string        `yaml:"data_dir"`
	DatabaseDriver string        `yaml:"database_driver"`
	DatabaseDSN    Secret        `yaml:"database_dsn"`
	DBMaxOpenConns int           `yaml:"db_max_open_conns"`
	DBMaxIdleConns int           `yaml:"db_max_idle_conns"`
	DBQueryTimeout time.Duration `yaml:"db_query_timeout"`
	BoltPath       string        `yaml:"bolt_path"`
	S3             S3Cfg         `yaml:"s3"`

	RedisURL      string        `yaml:"redis_url"`
	RedisTLS      bool          `yaml:"redis_tls"`
	RedisHostname string        `yaml:"redis_hostname"`
	RedisCACert   string        `yaml:"redis_tls_ca_cert"`
	RedisDevCA    string        `yaml:"redis_tls_dev_ca"`
	RedisUsername string        `yaml:"redis_username"`
	RedisPassword Secret        `yaml:"redis_password"`
	RedisTimeout  time.Duration `yaml:"redis_timeout"`

	TrafficLimit    time.Duration `yaml:"traffic_limit"`
	TrafficExempted []string      `yaml:"traffic_exempted"`
	TrafficCreators []string      `yaml:"traffic_creators"`
	TrafficHeader   string        `yaml:"traffic_header"`
	TrustedProxies  []string      `yaml:"trusted_proxies"`

	PurgeLimit     time.Duration `yaml:"purge_limit"`
	PurgeBatchSize int           `yaml:"purge_batch_size"`
	PurgeInterval  time.Duration `yaml:"purge_interval"`

	SizeLimit       int64          `yaml:"size_limit"`
	ExpireOptions   []ExpirePreset `yaml:"expire_options"`
	ExpireDefault   string         `yaml:"expire_default"`
	Discussion      bool           `yaml:"discussion"`
	IterationsFloor int            `yaml:"iterations_floor"`
	EntropyRatio    float64        `yaml:"entropy_ratio"`

	ContextTimeout time.Duration `yaml:"context_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ReadRPM        int           `yaml:"read_rpm"`
	ReadBurst      int           `yaml:"read_burst"`
	MetricsUser    string        `yaml:"metrics_user"`
	MetricsPass    Secret        `yaml:"metrics_pass"`
}

func DefaultExpireOptions() []ExpirePreset {
	return []ExpirePreset{
		{"5min", 5 * time.Minute},
		{"10min", 10 * time.Minute},
		{"1hour", time.Hour},
		{"1day", 24 * time.Hour},
		{"1week", 7 * 24 * time.Hour},
		{"1month", 30 * 24 * time.Hour},
		{"1year", 365 * 24 * time.Hour},
		{"never", 0},
	}
}

func Default() *Cfg {
	return &Cfg{
		Port:            "8080",
		Environment:     "development",
		LogLevel:        "info",
		StoreBackend:    BackendFilesystem,
		DataDir:         "data",
		DatabaseDriver:  "sqlite3",
		DatabaseDSN:     NewSecret("file:cipherbin.db?_busy_timeout=5000"),
		DBMaxOpenConns:  100,
		DBMaxIdleConns:  10,
		DBQueryTimeout:  5 * time.Second,
		BoltPath:        "cipherbin.bolt",
		S3:              S3Cfg{Region: "us-east-1"},
		RedisTimeout:    2 * time.Second,
		TrafficLimit:    10 * time.Second,
		PurgeLimit:      5 * time.Minute,
		PurgeBatchSize:  10,
		PurgeInterval:   10 * time.Minute,
		SizeLimit:       10 * 1024 * 1024,
		ExpireOptions:   DefaultExpireOptions(),
		ExpireDefault:   "1week",
		Discussion:      true,
		IterationsFloor: 10000,
		EntropyRatio:    0.95,
		ContextTimeout:  10 * time.Second,
		ReadRPM:         600,
		ReadBurst:       60,
	}
}

// Load layers defaults, the optional CONFIG_FILE (YAML) and the environment,
// in that order.
func Load() (*Cfg, error) {
	c := Default()
	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := c.loadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := c.loadFromEnv(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cfg) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading config file")
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, "parsing config file")
	}
	return nil
}

func (c *Cfg) loadFromEnv() error {
	var err error
	c.Port = getEnv("PORT", c.Port)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.StoreBackend = getEnv("STORE_BACKEND", c.StoreBackend)
	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.DatabaseDriver = getEnv("DATABASE_DRIVER", c.DatabaseDriver)
	if v := getEnv("DATABASE_DSN", ""); v != "" {
		c.DatabaseDSN = NewSecret(v)
	}
	if c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", c.DBMaxOpenConns); err != nil {
		return err
	}
	if c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", c.DBMaxIdleConns); err != nil {
		return err
	}
	if c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", c.DBQueryTimeout); err != nil {
		return err
	}
	c.BoltPath = getEnv("BOLT_PATH", c.BoltPath)

	c.S3.Bucket = getEnv("S3_BUCKET", c.S3.Bucket)
	c.S3.Prefix = getEnv("S3_PREFIX", c.S3.Prefix)
	c.S3.Region = getEnv("S3_REGION", c.S3.Region)
	c.S3.Endpoint = getEnv("S3_ENDPOINT", c.S3.Endpoint)
	c.S3.AccessKey = getEnv("S3_ACCESS_KEY", c.S3.AccessKey)
	if v := getEnv("S3_SECRET_KEY", ""); v != "" {
		c.S3.SecretKey = NewSecret(v)
	}
	if c.S3.PathStyle, err = getBool("S3_PATH_STYLE", c.S3.PathStyle); err != nil {
		return err
	}
	if c.S3.ConditionalWrites, err = getBool("S3_CONDITIONAL_WRITES", c.S3.ConditionalWrites); err != nil {
		return err
	}

	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	if c.RedisTLS, err = getBool("REDIS_TLS", c.RedisTLS); err != nil {
		return err
	}
	c.RedisHostname = getEnv("REDIS_HOSTNAME", c.RedisHostname)
	c.RedisCACert = getEnv("REDIS_TLS_CA_CERT", c.RedisCACert)
	c.RedisDevCA = getEnv("REDIS_TLS_DEV_CA", c.RedisDevCA)
	c.RedisUsername = getEnv("REDIS_USERNAME", c.RedisUsername)
	if v := getEnv("REDIS_PASSWORD", ""); v != "" {
		c.RedisPassword = NewSecret(v)
	}
	if c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", c.RedisTimeout); err != nil {
		return err
	}

	if c.TrafficLimit, err = getDuration("TRAFFIC_LIMIT", c.TrafficLimit); err != nil {
		return err
	}
	c.TrafficExempted = getSlice("TRAFFIC_EXEMPTED", c.TrafficExempted)
	c.TrafficCreators = getSlice("TRAFFIC_CREATORS", c.TrafficCreators)
	c.TrafficHeader = getEnv("TRAFFIC_HEADER", c.TrafficHeader)
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", c.TrustedProxies)

	if c.PurgeLimit, err = getDuration("PURGE_LIMIT", c.PurgeLimit); err != nil {
		return err
	}
	if c.PurgeBatchSize, err = getInt("PURGE_BATCH_SIZE", c.PurgeBatchSize); err != nil {
		return err
	}
	if c.PurgeInterval, err = getDuration("PURGE_INTERVAL", c.PurgeInterval); err != nil {
		return err
	}

	if c.SizeLimit, err = getInt64("SIZE_LIMIT", c.SizeLimit); err != nil {
		return err
	}
	if v := getEnv("EXPIRE_OPTIONS", ""); v != "" {
		if c.ExpireOptions, err = parseExpireOptions(v); err != nil {
			return err
		}
	}
	c.ExpireDefault = getEnv("EXPIRE_DEFAULT", c.ExpireDefault)
	if c.Discussion, err = getBool("DISCUSSION", c.Discussion); err != nil {
		return err
	}
	if c.IterationsFloor, err = getInt("ITERATIONS_FLOOR", c.IterationsFloor); err != nil {
		return err
	}
	if c.EntropyRatio, err = getFloat("ENTROPY_RATIO", c.EntropyRatio); err != nil {
		return err
	}

	if c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", c.ContextTimeout); err != nil {
		return err
	}
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", c.AllowedOrigins)
	if c.ReadRPM, err = getInt("READ_RPM", c.ReadRPM); err != nil {
		return err
	}
	if c.ReadBurst, err = getInt("READ_BURST", c.ReadBurst); err != nil {
		return err
	}
	c.MetricsUser = getEnv("METRICS_USER", c.MetricsUser)
	if v := getEnv("METRICS_PASS", ""); v != "" {
		c.MetricsPass = NewSecret(v)
	}
	return nil
}

// parseExpireOptions reads "5min=5m,1day=24h,never=0".
func parseExpireOptions(s string) ([]ExpirePreset, error) {
	var out []ExpirePreset
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, dur, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("invalid expire option %q", item)
		}
		var d time.Duration
		if dur = strings.TrimSpace(dur); dur != "0" {
			var err error
			if d, err = time.ParseDuration(dur); err != nil {
				return nil, fmt.Errorf("invalid expire option %q: %w", item, err)
			}
		}
		out = append(out, ExpirePreset{Name: strings.TrimSpace(name), Duration: d})
	}
	return out, nil
}

func (c *Cfg) IsProduction() bool {
	return c.Environment == "production"
}

// Expire returns the lifetime for a preset name; zero means never.
func (c *Cfg) Expire(name string) (time.Duration, bool) {
	for _, p := range c.ExpireOptions {
		if p.Name == name {
			return p.Duration, true
		}
	}
	return 0, false
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	switch c.StoreBackend {
	case BackendFilesystem:
		if c.DataDir == "" {
			return errors.New("DATA_DIR is required for the filesystem backend")
		}
	case BackendDatabase:
		if c.DatabaseDriver != "sqlite3" && c.DatabaseDriver != "pgx" {
			return errors.New("DATABASE_DRIVER must be sqlite3 or pgx")
		}
		if c.DatabaseDSN.Value() == "" {
			return errors.New("DATABASE_DSN is required for the database backend")
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return errors.New("S3_BUCKET is required for the s3 backend")
		}
		if c.S3.AccessKey != "" && c.S3.SecretKey.Value() == "" {
			return errors.New("S3_SECRET_KEY is required when S3_ACCESS_KEY is set")
		}
	case BackendBolt:
		if c.BoltPath == "" {
			return errors.New("BOLT_PATH is required for the bolt backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.TrafficLimit < 0 {
		return errors.New("TRAFFIC_LIMIT must not be negative")
	}
	if c.PurgeLimit < 0 {
		return errors.New("PURGE_LIMIT must not be negative")
	}
	if c.PurgeBatchSize < 0 {
		return errors.New("PURGE_BATCH_SIZE must not be negative")
	}
	if c.PurgeInterval < time.Second {
		return errors.New("PURGE_INTERVAL must be at least 1s")
	}
	if c.SizeLimit <= 0 {
		return errors.New("SIZE_LIMIT must be positive")
	}
	if len(c.ExpireOptions) == 0 {
		return errors.New("EXPIRE_OPTIONS must not be empty")
	}
	if _, ok := c.Expire(c.ExpireDefault); !ok {
		return fmt.Errorf("EXPIRE_DEFAULT %q is not one of EXPIRE_OPTIONS", c.ExpireDefault)
	}
	if c.IterationsFloor < 0 {
		return errors.New("ITERATIONS_FLOOR must not be negative")
	}
	if c.EntropyRatio < 0 || c.EntropyRatio > 1 {
		return errors.New("ENTROPY_RATIO must be between 0 and 1")
	}
	if c.ReadRPM <= 0 || c.ReadBurst <= 0 {
		return errors.New("READ_RPM and READ_BURST must be positive")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	if c.IsProduction() {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.DatabaseDSN.Wipe()
	c.S3.SecretKey.Wipe()
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getFloat(key string, fallback float64) (float64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number for %s: %w", key, err)
	}
	return v, nil
}
func getBool(key string, fallback bool) (bool, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid boolean for %s: %w", key, err)
	}
	return v, nil
}

// getDuration accepts Go durations and plain seconds.
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
