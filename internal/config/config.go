package config

import (
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Log      LogConfig
	Auth     AuthConfig
	Admin    AdminConfig
	Worker   WorkerConfig
}

type ServerConfig struct {
	Port           string        `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
	IdleTimeout    time.Duration `mapstructure:"idleTimeout"`
	ShutdownPeriod time.Duration `mapstructure:"shutdownPeriod"`
	CORSOrigins    []string      `mapstructure:"corsOrigins"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"maxOpenConns"`
	MaxIdleConns    int           `mapstructure:"maxIdleConns"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"poolSize"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// AuthConfig carries the key verification and quota enforcement tunables.
// Explicit configuration instead of package-level globals, so multiple
// policies can be instantiated side by side in tests.
type AuthConfig struct {
	TrialQuota      int           `mapstructure:"trialQuota"`
	StateTTL        time.Duration `mapstructure:"stateTTL"`
	FlushEvery      int           `mapstructure:"flushEvery"`
	CounterTTL      time.Duration `mapstructure:"counterTTL"`
	PrefixScanLimit int           `mapstructure:"prefixScanLimit"`
	// BypassToken is a development escape hatch: a static token admitted
	// with a synthetic non-persistent context. Empty (the default) means
	// disabled; it must stay empty in production.
	BypassToken string `mapstructure:"bypassToken"`
}

type AdminConfig struct {
	Username     string        `mapstructure:"username"`
	PasswordHash string        `mapstructure:"passwordHash"`
	JWTSecret    string        `mapstructure:"jwtSecret"`
	TokenTTL     time.Duration `mapstructure:"tokenTTL"`
}

type WorkerConfig struct {
	Concurrency   int    `mapstructure:"concurrency"`
	FlushSchedule string `mapstructure:"flushSchedule"`
	SweepLimit    int    `mapstructure:"sweepLimit"`
}

func LoadConfig(configPath string) (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found or error loading it, relying on environment variables and config file")
	}

	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.readTimeout", 5*time.Second)
	viper.SetDefault("server.writeTimeout", 10*time.Second)
	viper.SetDefault("server.idleTimeout", 120*time.Second)
	viper.SetDefault("server.shutdownPeriod", 15*time.Second)
	viper.SetDefault("server.corsOrigins", []string{"http://localhost:3000"})

	viper.SetDefault("database.maxOpenConns", 25)
	viper.SetDefault("database.maxIdleConns", 25)
	viper.SetDefault("database.connMaxLifetime", 5*time.Minute)

	viper.SetDefault("redis.db", "0")
	viper.SetDefault("redis.poolSize", 10)

	viper.SetDefault("log.level", "info")

	viper.SetDefault("auth.trialQuota", 10)
	viper.SetDefault("auth.stateTTL", 10*time.Minute)
	viper.SetDefault("auth.flushEvery", 10)
	viper.SetDefault("auth.counterTTL", 30*24*time.Hour)
	viper.SetDefault("auth.prefixScanLimit", 20)
	viper.SetDefault("auth.bypassToken", "")

	viper.SetDefault("admin.tokenTTL", 1*time.Hour)

	viper.SetDefault("worker.concurrency", 10)
	viper.SetDefault("worker.flushSchedule", "@every 10m")
	viper.SetDefault("worker.sweepLimit", 1000)

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AllowEmptyEnv(true)

	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			log.Printf("Warning: could not read config file: %s. Error: %v\n", configPath, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
