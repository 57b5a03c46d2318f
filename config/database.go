package config

import "time"

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"                    envDefault:"localhost"`
	Port     int    `env:"PORT"                    envDefault:"5432"`
	User     string `env:"USER"                    envDefault:"docketwatch"`
	Password string `env:"PASSWORD"                envDefault:"docketwatch"`
	Name     string `env:"NAME"                    envDefault:"docketwatch"`
	SSLMode  string `env:"SSL_MODE"                envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// RedisConfig contains Redis configuration.
type RedisConfig struct {
	URI      string `env:"URI"      envDefault:"localhost:6379"`
	Password string `env:"PASSWORD" envDefault:""`
	DB       int    `env:"DB"       envDefault:"0"`
}

// CacheConfig contains cache behaviour configuration (Redis-backed).
type CacheConfig struct {
	// AuthorityTTL is the TTL for cached legal search results per case.
	AuthorityTTL time.Duration `env:"CACHE_AUTHORITY_TTL" envDefault:"6h"`
}
