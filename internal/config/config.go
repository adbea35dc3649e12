// Package config binds the recognized configuration surface. Settings come
// from a .env file with environment variables taking precedence.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Init points viper at the .env file, wires environment overrides, and sets
// defaults for every recognized option.
func Init() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.ReadInConfig()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("vault.master_key", "VAULT_MASTER_KEY")
	viper.BindEnv("vault.salt", "VAULT_SALT")
	viper.BindEnv("vault.key_store_path", "VAULT_KEY_STORE_PATH")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")

	viper.BindEnv("ledger.enforce_double_entry", "LEDGER_ENFORCE_DOUBLE_ENTRY")
	viper.BindEnv("ledger.precision_decimals", "LEDGER_PRECISION_DECIMALS")
	viper.BindEnv("ledger.allow_negative_balances", "LEDGER_ALLOW_NEGATIVE_BALANCES")
	viper.BindEnv("identity.ephemeral_ttl_seconds", "IDENTITY_EPHEMERAL_TTL_SECONDS")
	viper.BindEnv("policy.cache_ttl_seconds", "POLICY_CACHE_TTL_SECONDS")
	viper.BindEnv("policy.velocity_limit_per_hour", "POLICY_VELOCITY_LIMIT_PER_HOUR")
	viper.BindEnv("policy.file", "POLICY_FILE")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", "5432")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.name", "gledger")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", "6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// enforce_double_entry must not be disabled in production; the switch
	// exists for integrity-fault testing only.
	viper.SetDefault("ledger.enforce_double_entry", true)
	viper.SetDefault("ledger.precision_decimals", 18)
	viper.SetDefault("ledger.allow_negative_balances", false)
	viper.SetDefault("identity.ephemeral_ttl_seconds", 3600)
	viper.SetDefault("policy.cache_ttl_seconds", 30)
	viper.SetDefault("policy.velocity_limit_per_hour", 0)
	viper.SetDefault("policy.file", "policies.yaml")
	viper.SetDefault("jwt.expiry_hours", 24)
}

// EphemeralTTL returns the configured ephemeral identity lifetime.
func EphemeralTTL() time.Duration {
	return time.Duration(viper.GetInt("identity.ephemeral_ttl_seconds")) * time.Second
}

// PolicyCacheTTL returns the configured decision cache lifetime.
func PolicyCacheTTL() time.Duration {
	return time.Duration(viper.GetInt("policy.cache_ttl_seconds")) * time.Second
}
