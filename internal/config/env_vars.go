package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	portEnvVar    = "QG_PORT"
	appNameVar    = "APP_NAME"
	postgresVar   = "QG_POSTGRES_URL"
	idleTTLVar    = "QG_SESSION_IDLE_TTL"
	absTTLVar     = "QG_SESSION_ABSOLUTE_TTL"
	poolSizeVar   = "QG_ADAPTER_POOL_SIZE"
	authReadVar   = "QG_AUTH_READ_TIMEOUT"
	secondFacVar  = "QG_SECOND_FACTOR_TIMEOUT"
	heartbeatVar  = "QG_HEARTBEAT_INTERVAL"
	headlessVar   = "QG_HEADLESS"
	profileDirVar = "QG_PROFILE_DIR"
)

type EnvVars struct{}

var _ EnvConfig = EnvVars{}
var _ SessionConfig = EnvVars{}
var _ AutomationConfig = EnvVars{}

func (EnvVars) GetPort() string {
	port := GetEnv(portEnvVar, "8089")
	if port != "" && port[0] != ':' {
		port = fmt.Sprintf(":%s", port)
	}
	return port
}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameVar, "Quest Gateway")
}

func (EnvVars) GetEnv() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "DEV"
	}
	return env
}

// GetPostgresURL returns the course-cache database URL. Empty means the
// in-memory cache is used instead.
func (EnvVars) GetPostgresURL() string {
	return GetEnv(postgresVar, "")
}

func (EnvVars) GetSessionIdleTTL() time.Duration {
	return getDuration(idleTTLVar, 30*time.Minute)
}

func (EnvVars) GetSessionAbsoluteTTL() time.Duration {
	return getDuration(absTTLVar, 12*time.Hour)
}

func (EnvVars) GetAuthReadTimeout() time.Duration {
	return getDuration(authReadVar, 3*time.Second)
}

func (EnvVars) GetSecondFactorTimeout() time.Duration {
	return getDuration(secondFacVar, 60*time.Second)
}

func (EnvVars) GetHeartbeatInterval() time.Duration {
	return getDuration(heartbeatVar, 60*time.Second)
}

func (EnvVars) GetAdapterPoolSize() int {
	return getInt(poolSizeVar, 4)
}

func (EnvVars) GetHeadless() bool {
	return GetEnv(headlessVar, "true") == "true"
}

func (EnvVars) GetProfileDir() string {
	return GetEnv(profileDirVar, "./profiles")
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}

func getDuration(envVar string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func getInt(envVar string, defaultValue int) int {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}
