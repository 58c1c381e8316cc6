package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/KevinKickass/SorterBridge/internal/types"
	"github.com/spf13/viper"
)

type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Slave      SlaveConfig      `mapstructure:"slave"`
	Controller ControllerConfig `mapstructure:"controller"`
	Modbus     ModbusConfig     `mapstructure:"modbus"`
	Sorter     SorterConfig     `mapstructure:"sorter"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`

	// effektive Einstellungen, für YAML()
	settings map[string]any
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// SlaveConfig describes the Modbus unit carrying the sensor inputs.
type SlaveConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	UnitID           uint8  `mapstructure:"unit_id"`
	InputBaseAddress uint16 `mapstructure:"input_base_address"`
	InputCount       int    `mapstructure:"input_count"`
}

// ControllerConfig describes the PLC driving the diverters. Channel i is
// written to OutputAddresses[i].
type ControllerConfig struct {
	Host                 string   `mapstructure:"host"`
	Port                 int      `mapstructure:"port"`
	UnitID               uint8    `mapstructure:"unit_id"`
	OutputAddresses      []uint16 `mapstructure:"output_addresses"`
	CleaningModeRegister uint16   `mapstructure:"cleaning_mode_register"`
}

type ModbusConfig struct {
	Driver  string        `mapstructure:"driver"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SorterConfig struct {
	CyclePeriod time.Duration `mapstructure:"cycle_period"`
	Trigger     string        `mapstructure:"trigger"`
	Routes      []types.Route `mapstructure:"routes"`
}

type BridgeConfig struct {
	FailureLogInterval time.Duration `mapstructure:"failure_log_interval"`
}

type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Auth Configuration
type AuthConfig struct {
	Enabled        bool                 `mapstructure:"enabled"`
	JWTSecretEnv   string               `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration        `mapstructure:"access_token_ttl"`
	Operators      []OperatorConfig     `mapstructure:"operators"`
	MachineTokens  []MachineTokenConfig `mapstructure:"machine_tokens"`
}

type OperatorConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// MachineTokenConfig is a static API token for a machine client. Only the
// SHA-256 hash of the token is configured.
type MachineTokenConfig struct {
	Name      string `mapstructure:"name"`
	TokenHash string `mapstructure:"token_hash"`
	Role      string `mapstructure:"role"`
}

type DatabaseConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Database       string        `mapstructure:"database"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	MaxConnections int           `mapstructure:"max_connections"`
	JournalBuffer  int           `mapstructure:"journal_buffer"`
	JournalBatch   int           `mapstructure:"journal_batch"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// defaultRoutes is the conveyor layout the bridge was commissioned with:
// input 0 releases on channel 1 after 4s, inputs 1..5 on channel i+1 after 5s.
func defaultRoutes() []map[string]any {
	routes := []map[string]any{{"input": 0, "channel": 1, "delay": "4s"}}
	for i := 1; i <= 5; i++ {
		routes = append(routes, map[string]any{"input": i, "channel": i + 1, "delay": "5s"})
	}
	return routes
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("slave.host", "192.168.5.254")
	v.SetDefault("slave.port", 504)
	v.SetDefault("slave.unit_id", 1)
	v.SetDefault("slave.input_base_address", 1)
	v.SetDefault("slave.input_count", 7)

	v.SetDefault("controller.host", "192.168.5.25")
	v.SetDefault("controller.port", 504)
	v.SetDefault("controller.unit_id", 1)
	v.SetDefault("controller.output_addresses", []int{6, 7, 8, 9, 10, 11, 12})
	v.SetDefault("controller.cleaning_mode_register", 20)

	v.SetDefault("modbus.driver", "native")
	v.SetDefault("modbus.timeout", "5s")

	v.SetDefault("sorter.cycle_period", "300ms")
	v.SetDefault("sorter.trigger", "level")
	v.SetDefault("sorter.routes", defaultRoutes())

	v.SetDefault("bridge.failure_log_interval", "10s")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")

	// Auth Defaults
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret_env", "SORTER_JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "sorterbridge")
	v.SetDefault("database.user", "sorter")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_connections", 4)
	v.SetDefault("database.journal_buffer", 1024)
	v.SetDefault("database.journal_batch", 64)
	v.SetDefault("database.flush_interval", "1s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads the YAML file at path, checks it against the embedded schema,
// applies defaults and SORTER_* environment overrides, and validates the
// result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment Variables automatisch binden, z.B. SORTER_SLAVE_HOST
	v.SetEnvPrefix("SORTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := ValidateDocument(raw); err != nil {
			return nil, err
		}

		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.settings = v.AllSettings()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

func (c *SlaveConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *ControllerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

const devJWTSecret = "dev-secret-change-in-production-min-32-chars"

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "SORTER_JWT_SECRET" // Fallback
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		// Development Fallback (MIT WARNING!)
		return devJWTSecret
	}
	return secret
}

// Helper um zu prüfen ob Production-Ready
func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devJWTSecret && len(secret) >= 32
}
