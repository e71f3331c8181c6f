package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withConfig(t *testing.T, mutate func(c *Configuration)) {
	t.Helper()
	saved := *Config
	t.Cleanup(func() { *Config = saved })
	mutate(Config)
}

func TestValidateDefaults(t *testing.T) {
	withConfig(t, func(c *Configuration) {})
	require.NoError(t, Validate())
}

func TestValidateListenPort(t *testing.T) {
	withConfig(t, func(c *Configuration) { c.Listen.Port = 0 })
	assert.Error(t, Validate())

	withConfig(t, func(c *Configuration) { c.Listen.Port = 70000 })
	assert.Error(t, Validate())
}

func TestValidateEmptyPassword(t *testing.T) {
	withConfig(t, func(c *Configuration) { c.Password = "" })
	assert.Error(t, Validate())
}

func TestValidateDriver(t *testing.T) {
	withConfig(t, func(c *Configuration) { c.Database.Driver = "psql" })
	assert.Error(t, Validate())

	withConfig(t, func(c *Configuration) {
		c.Database.Driver = "sqlite3"
		c.Database.Path = ""
	})
	assert.Error(t, Validate())

	withConfig(t, func(c *Configuration) {
		c.Database.Driver = "sqlite3"
		c.Database.Path = ":memory:"
	})
	assert.NoError(t, Validate())
}

func TestDebugForcesSqlite(t *testing.T) {
	withConfig(t, func(c *Configuration) {
		c.Debug = true
		c.Database.Driver = "mysql"
	})
	assert.Equal(t, "sqlite3", EffectiveDriver())
	assert.Equal(t, Config.Database.Path, DSN())
}

func TestMySQLDSN(t *testing.T) {
	withConfig(t, func(c *Configuration) {
		c.Database.Driver = "mysql"
		c.Database.User = "u"
		c.Database.Password = "p"
		c.Database.Host = "db"
		c.Database.Port = 3307
		c.Database.Name = "sportsed"
	})
	assert.Equal(t, "u:p@tcp(db:3307)/sportsed?parseTime=false", DSN())
}

func TestValidateLoggingFormat(t *testing.T) {
	withConfig(t, func(c *Configuration) { c.Logging.Format = "xml" })
	assert.Error(t, Validate())
}
