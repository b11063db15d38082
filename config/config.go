// Package config carrega a configuração do transferd: defaults, arquivo YAML
// opcional e variáveis de ambiente com prefixo TRANSFER_ (nessa ordem de
// precedência crescente).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "TRANSFER"

type Config struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Log          Log          `mapstructure:"log"`
	Dependencies Dependencies `mapstructure:"dependencies"`
	Breaker      Breaker      `mapstructure:"breaker"`
	Saga         Saga         `mapstructure:"saga"`
	RateLimit    RateLimit    `mapstructure:"ratelimit"`
	Concurrency  Concurrency  `mapstructure:"concurrency"`
	Redis        Redis        `mapstructure:"redis"`
	Stats        Stats        `mapstructure:"stats"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Endpoint struct {
	URL string `mapstructure:"url"`
}

type Dependencies struct {
	User         Endpoint `mapstructure:"user"`
	Account      Endpoint `mapstructure:"account"`
	FundTransfer Endpoint `mapstructure:"fundtransfer"`
	Transaction  Endpoint `mapstructure:"transaction"`
	Notification Endpoint `mapstructure:"notification"`

	Timeout      time.Duration `mapstructure:"timeout"`
	ReadRetries  int           `mapstructure:"read_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// URLs devolve nome lógico -> URL base.
func (d Dependencies) URLs() map[string]string {
	return map[string]string{
		"user":         d.User.URL,
		"account":      d.Account.URL,
		"fundtransfer": d.FundTransfer.URL,
		"transaction":  d.Transaction.URL,
		"notification": d.Notification.URL,
	}
}

type Breaker struct {
	WindowSize           int           `mapstructure:"window_size"`
	MinimumCalls         int           `mapstructure:"minimum_calls"`
	FailureRateThreshold float64       `mapstructure:"failure_rate_threshold"`
	OpenDuration         time.Duration `mapstructure:"open_duration"`
	HalfOpenProbes       int           `mapstructure:"half_open_probes"`
}

type Saga struct {
	StepTimeout           time.Duration `mapstructure:"step_timeout"`
	Timeout               time.Duration `mapstructure:"timeout"`
	Compensate            bool          `mapstructure:"compensate"`
	CompensationTimeout   time.Duration `mapstructure:"compensation_timeout"`
	LockAccounts          bool          `mapstructure:"lock_accounts"`
	ParallelAccountLookup bool          `mapstructure:"parallel_account_lookup"`
}

const (
	AlgorithmFixedWindow = "fixed-window"
	AlgorithmTokenBucket = "token-bucket"
)

// LockTTL é a validade do lock de conta no redis: cobre a saga inteira mais
// uma chamada de dependência em andamento quando o prazo da saga estoura.
func (c Config) LockTTL() time.Duration {
	return c.Saga.Timeout + c.Dependencies.Timeout
}

type RateLimit struct {
	Enabled         bool          `mapstructure:"enabled"`
	Algorithm       string        `mapstructure:"algorithm"`
	Limit           int           `mapstructure:"limit"`
	Window          time.Duration `mapstructure:"window"`
	RPS             float64       `mapstructure:"rps"`
	Burst           int           `mapstructure:"burst"`
	PrincipalHeader string        `mapstructure:"principal_header"`
	TrustXFF        bool          `mapstructure:"trust_xff"`
	FailOpen        bool          `mapstructure:"fail_open"`
	RetryAfter      time.Duration `mapstructure:"retry_after"`
	AddHeaders      bool          `mapstructure:"add_headers"`
}

type Concurrency struct {
	Max     int           `mapstructure:"max"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Redis vazio (Addr == "") mantém contadores, locks e stats em memória.
type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type Stats struct {
	Enabled   bool          `mapstructure:"enabled"`
	Bucket    string        `mapstructure:"bucket"`
	TTL       time.Duration `mapstructure:"ttl"`
	TrackKeys bool          `mapstructure:"track_keys"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	for _, name := range []string{"user", "account", "fundtransfer", "transaction", "notification"} {
		v.SetDefault("dependencies."+name+".url", "http://localhost:8081")
	}
	v.SetDefault("dependencies.timeout", 5*time.Second)
	v.SetDefault("dependencies.read_retries", 1)
	v.SetDefault("dependencies.retry_backoff", 100*time.Millisecond)

	v.SetDefault("breaker.window_size", 20)
	v.SetDefault("breaker.minimum_calls", 10)
	v.SetDefault("breaker.failure_rate_threshold", 50.0)
	v.SetDefault("breaker.open_duration", 30*time.Second)
	v.SetDefault("breaker.half_open_probes", 1)

	v.SetDefault("saga.step_timeout", 1*time.Second)
	v.SetDefault("saga.timeout", 30*time.Second)
	v.SetDefault("saga.compensate", false)
	v.SetDefault("saga.compensation_timeout", 10*time.Second)
	v.SetDefault("saga.lock_accounts", false)
	v.SetDefault("saga.parallel_account_lookup", false)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.algorithm", AlgorithmFixedWindow)
	v.SetDefault("ratelimit.limit", 100)
	v.SetDefault("ratelimit.window", time.Hour)
	v.SetDefault("ratelimit.rps", 10.0)
	v.SetDefault("ratelimit.burst", 20)
	v.SetDefault("ratelimit.principal_header", "X-User-Id")
	// identidade: principal, depois o primeiro X-Forwarded-For, depois o peer.
	// Desligar quando o serviço recebe tráfego direto (o header é forjável).
	v.SetDefault("ratelimit.trust_xff", true)
	v.SetDefault("ratelimit.fail_open", true)
	v.SetDefault("ratelimit.retry_after", 1*time.Second)
	v.SetDefault("ratelimit.add_headers", false)

	v.SetDefault("concurrency.max", 100)
	v.SetDefault("concurrency.timeout", time.Duration(0))

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "transfer")

	v.SetDefault("stats.enabled", false)
	v.SetDefault("stats.bucket", "minute")
	v.SetDefault("stats.ttl", 24*time.Hour)
	v.SetDefault("stats.track_keys", false)
}

// Load lê a configuração. path vazio usa só defaults + ambiente.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// LOG_LEVEL/LOG_FORMAT sem prefixo também valem
	_ = v.BindEnv("log.level", EnvPrefix+"_LOG_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("log.format", EnvPrefix+"_LOG_FORMAT", "LOG_FORMAT")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate junta todos os problemas encontrados num único erro.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("config: "+format, args...))
		}
	}

	check(c.ListenAddr != "", "listen_addr is required")
	for name, raw := range c.Dependencies.URLs() {
		u, err := url.Parse(raw)
		check(err == nil && u.Scheme != "" && u.Host != "", "dependencies.%s.url %q is not an absolute URL", name, raw)
	}
	check(c.Dependencies.Timeout > 0, "dependencies.timeout must be > 0")
	check(c.Dependencies.ReadRetries >= 0, "dependencies.read_retries must be >= 0")
	check(c.Dependencies.ReadRetries == 0 || c.Dependencies.RetryBackoff > 0, "dependencies.retry_backoff must be > 0 when retries are enabled")

	check(c.Breaker.WindowSize > 0, "breaker.window_size must be > 0")
	check(c.Breaker.MinimumCalls > 0 && c.Breaker.MinimumCalls <= c.Breaker.WindowSize, "breaker.minimum_calls must be in [1, window_size]")
	check(c.Breaker.FailureRateThreshold > 0 && c.Breaker.FailureRateThreshold <= 100, "breaker.failure_rate_threshold must be in (0, 100]")
	check(c.Breaker.OpenDuration > 0, "breaker.open_duration must be > 0")
	check(c.Breaker.HalfOpenProbes > 0, "breaker.half_open_probes must be > 0")

	check(c.Saga.StepTimeout > 0, "saga.step_timeout must be > 0")
	check(c.Saga.Timeout >= 0, "saga.timeout must be >= 0")
	check(!c.Saga.Compensate || c.Saga.CompensationTimeout > 0, "saga.compensation_timeout must be > 0 when compensation is enabled")
	check(!c.Saga.LockAccounts || c.Saga.Timeout > 0, "saga.lock_accounts requires saga.timeout > 0 (the lock TTL derives from it)")

	if c.RateLimit.Enabled {
		switch c.RateLimit.Algorithm {
		case AlgorithmFixedWindow:
			check(c.RateLimit.Limit > 0, "ratelimit.limit must be > 0")
			check(c.RateLimit.Window > 0, "ratelimit.window must be > 0")
		case AlgorithmTokenBucket:
			check(c.RateLimit.RPS > 0, "ratelimit.rps must be > 0")
			check(c.RateLimit.Burst > 0, "ratelimit.burst must be > 0")
		default:
			check(false, "ratelimit.algorithm %q is not one of %s, %s", c.RateLimit.Algorithm, AlgorithmFixedWindow, AlgorithmTokenBucket)
		}
	}

	check(c.Concurrency.Max >= 0, "concurrency.max must be >= 0")
	switch c.Stats.Bucket {
	case "minute", "none":
	default:
		check(false, "stats.bucket %q is not one of minute, none", c.Stats.Bucket)
	}

	return errors.Join(errs...)
}
