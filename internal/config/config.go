package config

import (
	"log"
	"os"
	"strconv"
)

type Config struct {
	Port             string
	ConsulAddress    string
	ServiceName      string
	ServiceID        string
	ServiceAddress   string
	RabbitMQUser     string
	RabbitMQPassword string
	RabbitMQPort     string
	JWTSecret        string

	SessionTTLHours       int64
	ChallengeTTLMinutes   int64
	LockoutThreshold      int64
	LockoutWindowMinutes  int64
	LockoutCooldownMin    int64
	BackupCodeCount       int
	MandatorySecondFactor bool
}

func init() {
	ServiceConfig = New()
}

var ServiceConfig *Config

func New() *Config {
	return &Config{
		Port:             getEnv("PORT", "9100"),
		RabbitMQUser:     getEnv("RABBITMQ_USER", ""),
		RabbitMQPassword: getEnv("RABBITMQ_PASSWORD", ""),
		RabbitMQPort:     getEnv("RABBITMQ_PORT", ""),
		ConsulAddress:    "consul-server:" + getEnv("CONSUL_PORT", "8500"),
		ServiceName:      getEnv("ACCESS_SERVICE_NAME", "access-service"),
		ServiceID:        getEnv("ACCESS_SERVICE_NAME", "access-service") + "-" + getEnv("ACCESS_HOSTNAME", "1"),
		ServiceAddress:   getEnv("ACCESS_SERVICE_ADDRESS", "access-service"),
		JWTSecret:        getEnv("JWT_SECRET", ""),

		SessionTTLHours:       getEnvInt("SESSION_TTL_HOURS", 24),
		ChallengeTTLMinutes:   getEnvInt("CHALLENGE_TTL_MINUTES", 5),
		LockoutThreshold:      getEnvInt("LOCKOUT_THRESHOLD", 5),
		LockoutWindowMinutes:  getEnvInt("LOCKOUT_WINDOW_MINUTES", 15),
		LockoutCooldownMin:    getEnvInt("LOCKOUT_COOLDOWN_MINUTES", 10),
		BackupCodeCount:       int(getEnvInt("BACKUP_CODE_COUNT", 10)),
		MandatorySecondFactor: getEnv("MANDATORY_SECOND_FACTOR", "false") == "true",
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	log.Printf("Error Retriving ENV: %s not exist", key)
	return fallback
}

func getEnvInt(key string, fallback int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return parsed
		}
		log.Printf("Error parsing ENV %s=%s, fallback to %d", key, value, fallback)
	}
	return fallback
}
