package config

import (
	"os"
)

const (
	appNameVar     = "APP_NAME"
	identityURLVar = "IDENTITY_URL"
	storePathVar   = "STORE_PATH"
	redisAddrVar   = "REDIS_ADDR"
)

type EnvVars struct{}

var _ EnvConfig = EnvVars{}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameVar, "Auth Session Demo")
}

// GetIdentityURL returns the base URL of the identity service the demo signs
// in against.
func (EnvVars) GetIdentityURL() string {
	return GetEnv(identityURLVar, "http://localhost:4000")
}

// GetStorePath returns the bbolt file the demo persists its session to.
// Empty selects the in-memory store.
func (EnvVars) GetStorePath() string {
	return GetEnv(storePathVar, "./authdemo.db")
}

// GetRedisAddr returns the Redis address used for the shared store and
// cross-process broadcast. Empty disables Redis and runs single-instance.
func (EnvVars) GetRedisAddr() string {
	return GetEnv(redisAddrVar, "")
}

func (EnvVars) GetDemoEmail() string {
	return GetEnv("DEMO_EMAIL", "")
}

func (EnvVars) GetDemoPassword() string {
	return GetEnv("DEMO_PASSWORD", "")
}

func (EnvVars) GetEnv() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "DEV"
	}
	return env
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}
