package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Security SecurityConfig
	Network  NetworkConfig
	Runner   RunnerConfig
	Health   HealthConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки операционного HTTP сервера (metrics, ws)
type ServerConfig struct {
	Port int
	Host string
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// SecurityConfig - настройки резервного хранилища учётных данных
type SecurityConfig struct {
	// Мастер-секрет для вывода ключа AES-256 (PBKDF2)
	EncryptionSecret string
	// Салт вывода ключа; фиксирован на уровне развёртывания
	EncryptionSalt string
}

// NetworkConfig - сетевые настройки для всех подписывающих клиентов
//
// Биржи привязывают allow-list к одному IP, поэтому на dual-stack
// хостах исходящие соединения принудительно идут по IPv4, а при
// необходимости - через явный форвард-прокси. Настройки применяются
// единообразно ко ВСЕМ биржевым клиентам.
type NetworkConfig struct {
	ProxyURL  string // форвард-прокси для исходящих запросов ("" = без прокси)
	ForceIPv4 bool   // принудительно tcp4 для исходящих соединений
}

// RunnerConfig - настройки супервизора ботов
type RunnerConfig struct {
	Interval time.Duration // период сверки желаемого и фактического набора ботов
}

// HealthConfig - настройки монитора здоровья
type HealthConfig struct {
	Interval         time.Duration // период цикла проверок
	HeartbeatTimeout time.Duration // свежий heartbeat => healthy без проверки
	TradeLookback    time.Duration // окно поиска сделок
	StaleThreshold   time.Duration // давность сделки => stale
	StoppedThreshold time.Duration // давность сделки => stopped
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvAsInt("SERVER_PORT", 8080),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "tradebridge"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Security: SecurityConfig{
			EncryptionSecret: getEnv("ENCRYPTION_SECRET", ""),
			EncryptionSalt:   getEnv("ENCRYPTION_SALT", "tradebridge-credentials"),
		},
		Network: NetworkConfig{
			ProxyURL:  getEnv("PROXY_URL", ""),
			ForceIPv4: getEnvAsBool("FORCE_IPV4", true),
		},
		Runner: RunnerConfig{
			Interval: getEnvAsDuration("RUNNER_INTERVAL", 30*time.Second),
		},
		Health: HealthConfig{
			Interval:         getEnvAsDuration("HEALTH_INTERVAL", 5*time.Minute),
			HeartbeatTimeout: getEnvAsDuration("HEALTH_HEARTBEAT_TIMEOUT", 15*time.Minute),
			TradeLookback:    getEnvAsDuration("HEALTH_TRADE_LOOKBACK", 3*time.Hour),
			StaleThreshold:   getEnvAsDuration("HEALTH_STALE_THRESHOLD", 90*time.Minute),
			StoppedThreshold: getEnvAsDuration("HEALTH_STOPPED_THRESHOLD", 3*time.Hour),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate проверяет критичные параметры
func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	// ENCRYPTION_SECRET обязателен для резервного хранилища ключей бирж
	if c.Security.EncryptionSecret == "" {
		return fmt.Errorf("ENCRYPTION_SECRET is required for the credential fallback store")
	}

	if len(c.Security.EncryptionSecret) < 16 {
		return fmt.Errorf("ENCRYPTION_SECRET must be at least 16 characters")
	}

	if c.Runner.Interval <= 0 {
		return fmt.Errorf("RUNNER_INTERVAL must be positive, got %v", c.Runner.Interval)
	}

	if c.Health.Interval <= 0 {
		return fmt.Errorf("HEALTH_INTERVAL must be positive, got %v", c.Health.Interval)
	}

	// stale порог всегда раньше stopped порога
	if c.Health.StaleThreshold >= c.Health.StoppedThreshold {
		return fmt.Errorf("HEALTH_STALE_THRESHOLD (%v) must be below HEALTH_STOPPED_THRESHOLD (%v)",
			c.Health.StaleThreshold, c.Health.StoppedThreshold)
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
