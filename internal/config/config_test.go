package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		JWTSecret:  "secure-secret-at-least-32-chars-long",
		DBPassword: "secure-password",
		DBDriver:   "postgres",
		Port:       "8080",
		RedisURL:   "redis://localhost:6379",
	}
}

func TestConfig_ValidateSSLMode(t *testing.T) {
	tests := []struct {
		name        string
		env         string
		sslMode     string
		expectError bool
	}{
		{"Production with empty SSL mode", "production", "", true},
		{"Production with disable SSL mode", "production", "disable", true},
		{"Production with require SSL mode", "production", "require", false},
		{"Prod with verify-full SSL mode", "prod", "verify-full", false},
		{"Development with disable SSL mode", "development", "disable", false},
		{"Test with empty SSL mode", "test", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			c.Env = tt.env
			c.DBSSLMode = tt.sslMode

			err := c.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateDriver(t *testing.T) {
	c := validConfig()
	c.DBDriver = "mysql"
	assert.Error(t, c.Validate())

	c.DBDriver = "sqlite"
	c.DBPath = ""
	assert.Error(t, c.Validate())

	c.DBPath = "chat.db"
	assert.NoError(t, c.Validate())

	c.Env = "production"
	c.DBSSLMode = "require"
	assert.Error(t, c.Validate(), "sqlite is refused in production")
}

func TestConfig_Durations(t *testing.T) {
	c := validConfig()
	assert.Equal(t, 5*time.Second, c.CommandTimeout())
	assert.Equal(t, 30*time.Second, c.TicketTTL())

	c.ChatCommandTimeoutMS = 250
	c.WSTicketTTLSeconds = 10
	c.ChatSendWindowSeconds = 60
	assert.Equal(t, 250*time.Millisecond, c.CommandTimeout())
	assert.Equal(t, 10*time.Second, c.TicketTTL())
	assert.Equal(t, time.Minute, c.SendWindow())
}

func TestLoadConfig_Normalization(t *testing.T) {
	defer viper.Reset()

	t.Setenv("APP_ENV", "development")
	t.Setenv("DB_SSLMODE", "  DISABLE  ")
	t.Setenv("DB_DRIVER", " SQLite ")

	c, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "disable", c.DBSSLMode)
	assert.Equal(t, "sqlite", c.DBDriver)
	assert.Equal(t, "gizchat-api", c.JWTIssuer)
	assert.Equal(t, 4096, c.ChatMaxMessageLength)
}
