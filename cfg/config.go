package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// ListenConfiguration controls the sync protocol listener. The admin HTTP
// API and metrics share the same port via connection multiplexing.
type ListenConfiguration struct {
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// DatabaseConfiguration for the backing SQL store
type DatabaseConfiguration struct {
	Driver   string `toml:"driver"` // "mysql" or "sqlite3"
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Name     string `toml:"name"`
	Path     string `toml:"path"` // sqlite3 only; ":memory:" works for testing
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose     bool     `toml:"verbose"`
	Format      string   `toml:"format"`       // "console" or "json"
	TraceTables []string `toml:"trace_tables"` // glob patterns; matching tables get change tracing
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	ServerID uint64 `toml:"server_id"`
	Password string `toml:"password"`
	Debug    bool   `toml:"debug"` // substitute an embedded sqlite store

	Listen     ListenConfiguration     `toml:"listen"`
	Database   DatabaseConfiguration   `toml:"database"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	PortFlag       = flag.Int("port", 0, "Listen port (overrides config)")
	PasswordFlag   = flag.String("password", "", "Shared-secret password (overrides config)")
	DebugFlag      = flag.Bool("debug", false, "Use an embedded sqlite store instead of the configured database")
	DBDriverFlag   = flag.String("db-driver", "", "Database driver, mysql or sqlite3 (overrides config)")
	DBHostFlag     = flag.String("db-host", "", "Database host (overrides config)")
	DBPortFlag     = flag.Int("db-port", 0, "Database port (overrides config)")
	DBUserFlag     = flag.String("db-user", "", "Database user (overrides config)")
	DBPassFlag     = flag.String("db-pass", "", "Database password (overrides config)")
	DBNameFlag     = flag.String("db-name", "", "Database name (overrides config)")
)

// Default configuration
var Config = &Configuration{
	ServerID: 0, // Auto-generate
	Password: "password",

	Listen: ListenConfiguration{
		BindAddress: "0.0.0.0",
		Port:        4829,
	},

	Database: DatabaseConfiguration{
		Driver: "mysql",
		Host:   "localhost",
		Port:   3306,
		User:   "root",
		Name:   "sportsed",
		Path:   "sportsed.db",
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *PortFlag != 0 {
		Config.Listen.Port = *PortFlag
	}
	if *PasswordFlag != "" {
		Config.Password = *PasswordFlag
	}
	if *DebugFlag {
		Config.Debug = true
	}
	if *DBDriverFlag != "" {
		Config.Database.Driver = *DBDriverFlag
	}
	if *DBHostFlag != "" {
		Config.Database.Host = *DBHostFlag
	}
	if *DBPortFlag != 0 {
		Config.Database.Port = *DBPortFlag
	}
	if *DBUserFlag != "" {
		Config.Database.User = *DBUserFlag
	}
	if *DBPassFlag != "" {
		Config.Database.Password = *DBPassFlag
	}
	if *DBNameFlag != "" {
		Config.Database.Name = *DBNameFlag
	}

	// Auto-generate server ID if not set
	if Config.ServerID == 0 {
		var err error
		Config.ServerID, err = generateServerID()
		if err != nil {
			return fmt.Errorf("failed to generate server ID: %w", err)
		}
		log.Info().Uint64("server_id", Config.ServerID).Msg("Auto-generated server ID")
	}

	return nil
}

// generateServerID creates a stable server ID based on machine ID
func generateServerID() (uint64, error) {
	id, err := machineid.ProtectedID("sportsed")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Listen.Port < 1 || Config.Listen.Port > 65535 {
		return fmt.Errorf("invalid listen port: %d", Config.Listen.Port)
	}

	if Config.Password == "" {
		return fmt.Errorf("password must not be empty")
	}

	driver := Config.Database.Driver
	if Config.Debug {
		driver = "sqlite3"
	}
	switch driver {
	case "mysql":
		if Config.Database.Port < 1 || Config.Database.Port > 65535 {
			return fmt.Errorf("invalid database port: %d", Config.Database.Port)
		}
		if Config.Database.Name == "" {
			return fmt.Errorf("database name must not be empty")
		}
	case "sqlite3":
		if Config.Database.Path == "" {
			return fmt.Errorf("database path must not be empty")
		}
	default:
		return fmt.Errorf("invalid database driver %q, should be one of 'mysql' or 'sqlite3'", driver)
	}

	switch Config.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging format %q, should be 'console' or 'json'", Config.Logging.Format)
	}

	return nil
}

// EffectiveDriver returns the SQL driver honoring debug mode.
func EffectiveDriver() string {
	if Config.Debug {
		return "sqlite3"
	}
	return Config.Database.Driver
}

// DSN builds the connection string for the effective driver.
func DSN() string {
	if EffectiveDriver() == "sqlite3" {
		return Config.Database.Path
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=false",
		Config.Database.User,
		Config.Database.Password,
		Config.Database.Host,
		Config.Database.Port,
		Config.Database.Name,
	)
}
