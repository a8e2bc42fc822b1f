package config

import "time"

// DaemonConfig holds runtime configuration for the deployer daemon.
type DaemonConfig struct {
	Environment        string
	Addr               string
	LogLevel           string
	Workdir            string
	Shell              string
	BuildFailurePolicy string
	OperatorToken      string
	LogBuffer          int
	ShallowClone       bool
	ShutdownGrace      time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadDaemonConfig constructs a DaemonConfig from environment variables.
func LoadDaemonConfig() DaemonConfig {
	return DaemonConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("DEPLOYER_ADDR", ":8080"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		Workdir:            GetString("DEPLOYER_WORKDIR", "/tmp/bot-deployer"),
		Shell:              GetString("DEPLOYER_SHELL", "/bin/sh"),
		BuildFailurePolicy: GetString("BUILD_FAILURE_POLICY", "continue"),
		OperatorToken:      GetString("OPERATOR_TOKEN", ""),
		LogBuffer:          GetInt("WS_LOG_BUFFER", 100),
		ShallowClone:       GetBool("GIT_SHALLOW_CLONE", true),
		ShutdownGrace:      GetSeconds("SHUTDOWN_GRACE_SECONDS", 10),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
