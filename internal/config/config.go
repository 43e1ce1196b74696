package config

type Config interface {
	EnvConfig
	TuningConfig
}

type EnvConfig interface {
	GetAppName() string
	GetIdentityURL() string
	GetStorePath() string
	GetRedisAddr() string
	GetDemoEmail() string
	GetDemoPassword() string
	GetEnv() string
}

type mainConfig struct {
	EnvVars
	Tuning
}

func New() Config {
	return mainConfig{}
}
