package config

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env              string `yaml:"env" env:"ENV" env-default:"development"`
	PostgresConfig   `yaml:"database"`
	RedisConfig      `yaml:"redis"`
	JWTConfig        `yaml:"jwt"`
	SessionConfig    `yaml:"session"`
	Server           `yaml:"server"`
	GrpcServer       `yaml:"grpc"`
	RateLimitConfig  `yaml:"rate_limiter"`
	ReputationConfig `yaml:"reputation"`
	WebAuthnConfig   `yaml:"webauthn"`
	CORSConfig       `yaml:"cors"`
}

func (cfg *Config) Production() bool {
	return cfg.Env == "production"
}

type PostgresConfig struct {
	Host     string `yaml:"host" env:"DB_HOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"DB_PORT" env-default:"5432"`
	Username string `yaml:"username" env:"DB_USER" env-default:"postgres"`
	Password string `yaml:"password" env:"DB_PASSWORD" env-default:"postgres"`
	Name     string `yaml:"name" env:"DB_NAME" env-default:"authdb"`
}

func (cfg *PostgresConfig) DSN() string {
	return "postgres://" +
		cfg.Username + ":" +
		cfg.Password + "@" +
		cfg.Host + ":" +
		strconv.Itoa(cfg.Port) + "/" +
		cfg.Name + "?sslmode=disable"
}

type RedisConfig struct {
	// Enabled selects the shared Redis backend for reputation scores and
	// WebAuthn ceremony state. Leave false for single-instance deployments,
	// which fall back to in-process stores.
	Enabled  bool   `yaml:"enabled" env:"REDIS_ENABLED" env-default:"false"`
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD" env-default:""`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

type JWTConfig struct {
	Secret         string        `yaml:"secret" env:"JWT_SECRET"`
	Issuer         string        `yaml:"issuer" env:"JWT_ISSUER" env-default:"authgate"`
	Audience       string        `yaml:"audience" env:"JWT_AUDIENCE" env-default:"authgate-web"`
	AccessExpiry   string        `yaml:"access_expiry" env:"ACCESS_TOKEN_EXPIRY" env-default:"15m"`
	RefreshExpiry  string        `yaml:"refresh_expiry" env:"REFRESH_TOKEN_EXPIRY" env-default:"7d"`
	RememberExpiry string        `yaml:"remember_expiry" env:"REMEMBER_ME_EXPIRY" env-default:"30d"`
	ClockSkew      time.Duration `yaml:"clock_skew" env:"JWT_CLOCK_SKEW" env-default:"0s"`
}

type SessionConfig struct {
	MaxAge         time.Duration `yaml:"max_age" env:"SESSION_MAX_AGE" env-default:"24h"`
	RememberMaxAge time.Duration `yaml:"remember_max_age" env:"SESSION_REMEMBER_MAX_AGE" env-default:"720h"`
	CookieDomain   string        `yaml:"cookie_domain" env:"COOKIE_DOMAIN" env-default:""`
	CookieSecure   bool          `yaml:"cookie_secure" env:"COOKIE_SECURE" env-default:"false"`
}

type Server struct {
	Port        int           `yaml:"port" env:"SERVER_PORT" env-default:"8082"`
	Host        string        `yaml:"host" env:"SERVER_HOST" env-default:"localhost"`
	Timeout     time.Duration `yaml:"timeout" env:"SERVER_TIMEOUT" env-default:"15s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT" env-default:"60s"`
}

type GrpcServer struct {
	Host string `yaml:"host" env:"GRPC_HOST" env-default:"0.0.0.0"`
	Port int    `yaml:"port" env:"GRPC_PORT" env-default:"50052"`
}

// RateLimitConfig holds the per-tier limits. Zero block duration means the
// tier rejects without escalating to a block.
type RateLimitConfig struct {
	AttemptRetention time.Duration `yaml:"attempt_retention" env:"ATTEMPT_RETENTION" env-default:"24h"`
	SweepInterval    time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL" env-default:"1h"`
	Login            TierConfig    `yaml:"login"`
	Register         TierConfig    `yaml:"register"`
	API              TierConfig    `yaml:"api"`
	Health           TierConfig    `yaml:"health"`
}

type TierConfig struct {
	Name           string        `yaml:"-"`
	Window         time.Duration `yaml:"window"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BlockDuration  time.Duration `yaml:"block_duration"`
	SkipSuccessful bool          `yaml:"skip_successful"`
}

type ReputationConfig struct {
	Whitelist []string `yaml:"whitelist" env:"IP_WHITELIST"`
	Blacklist []string `yaml:"blacklist" env:"IP_BLACKLIST"`
}

type WebAuthnConfig struct {
	RPID          string   `yaml:"rp_id" env:"WEBAUTHN_RP_ID" env-default:"localhost"`
	RPDisplayName string   `yaml:"rp_display_name" env:"WEBAUTHN_RP_DISPLAY_NAME" env-default:"AuthGate"`
	RPOrigins     []string `yaml:"rp_origins" env:"WEBAUTHN_RP_ORIGINS" env-default:"http://localhost:8082"`
}

type CORSConfig struct {
	AllowOrigins []string `yaml:"allow_origins" env:"CORS_ALLOW_ORIGINS" env-default:"http://localhost:3000"`
}

// -------------Get Config Path from Flag or Env --------------
var configPath string

func init() {
	flag.StringVar(&configPath, "config", "", "Path to the config file")
}

func fetchConfigPath() string {
	var res string

	if !flag.Parsed() {
		flag.Parse()
	}

	res = configPath

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	if res == "" {
		panic("config path is not provided")
	}

	return res
}

func LoadConfig() Config {
	path := fetchConfigPath()
	if path == "" {
		panic("config path is empty")
	}
	return LoadConfigFromPath(path)
}

func LoadConfigFromPath(path string) Config {
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		panic(err)
	}
	cfg.applyTierDefaults()
	return cfg
}

func (cfg *Config) applyTierDefaults() {
	if cfg.RateLimitConfig.Login.MaxAttempts == 0 {
		cfg.RateLimitConfig.Login = TierConfig{
			Window: 15 * time.Minute, MaxAttempts: 5,
			BlockDuration: 30 * time.Minute, SkipSuccessful: true,
		}
	}
	if cfg.RateLimitConfig.Register.MaxAttempts == 0 {
		cfg.RateLimitConfig.Register = TierConfig{
			Window: time.Hour, MaxAttempts: 3, BlockDuration: time.Hour,
		}
	}
	if cfg.RateLimitConfig.API.MaxAttempts == 0 {
		cfg.RateLimitConfig.API = TierConfig{
			Window: 15 * time.Minute, MaxAttempts: 100,
		}
	}
	if cfg.RateLimitConfig.Health.MaxAttempts == 0 {
		cfg.RateLimitConfig.Health = TierConfig{
			Window: time.Minute, MaxAttempts: 60,
		}
	}
	cfg.RateLimitConfig.Login.Name = "login"
	cfg.RateLimitConfig.Register.Name = "register"
	cfg.RateLimitConfig.API.Name = "api"
	cfg.RateLimitConfig.Health.Name = "health"
}
