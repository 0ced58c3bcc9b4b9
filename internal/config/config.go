package config

import "time"

type Config interface {
	EnvConfig
	SessionConfig
	AutomationConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetEnv() string
	GetPostgresURL() string
}

// SessionConfig governs token/session lifetime and the per-connection
// protocol timeouts.
type SessionConfig interface {
	GetSessionIdleTTL() time.Duration
	GetSessionAbsoluteTTL() time.Duration
	GetAuthReadTimeout() time.Duration
	GetSecondFactorTimeout() time.Duration
	GetHeartbeatInterval() time.Duration
}

type AutomationConfig interface {
	GetAdapterPoolSize() int
	GetHeadless() bool
	GetProfileDir() string
}

type mainConfig struct {
	EnvVars
}

func New() Config {
	return mainConfig{}
}
