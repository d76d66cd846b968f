package config

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Example returns a complete configuration with every section filled in.
func Example() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeoutMS:  30000,
			WriteTimeoutMS: 0,
			IdleTimeoutMS:  120000,
			StaticDir:      "./static",
			FrontendURL:    "http://localhost:3000",
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"http://localhost:3000"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
			MaxAgeSeconds:  3600,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "recipebox",
			Password: "changeme",
			DBName:   "recipebox",
			SSLMode:  "disable",
			Pool: PoolConfig{
				MaxConns:                 20,
				MinConns:                 2,
				MaxConnLifetimeMinutes:   90,
				MaxConnIdleTimeMinutes:   20,
				HealthCheckPeriodSeconds: 45,
			},
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
			DB:   0,
		},
		Auth: AuthConfig{
			AdminUsername:     "admin",
			AdminPasswordHash: "$2a$10$replace.with.output.of.recipebox.config.hash-password",
			JWTSecret:         "your-secret-key-minimum-32-chars-required",
			JWTExpiryHours:    24,
		},
		Supervisor: SupervisorConfig{
			MinBackoffMS:      500,
			MaxBackoffMS:      30000,
			Multiplier:        2,
			ResetAfterSeconds: 60,
		},
		Shutdown: ShutdownConfig{
			GracePeriodMS: 5000,
		},
		Events: EventsConfig{
			SubscriberCapacity: 16,
			KeepAliveSeconds:   15,
			LagPolicy:          "close",
		},
		Queue: QueueConfig{
			Enabled:                  true,
			PollIntervalMS:           1000,
			BatchSize:                10,
			RatePerSecond:            20,
			Burst:                    5,
			VisibilityTimeoutSeconds: 300,
			RetryBaseMS:              1000,
		},
		Search: SearchConfig{
			Enabled:          true,
			URL:              "http://localhost:7700",
			APIKey:           "changeme",
			Index:            "recipes",
			IntervalSeconds:  30,
			BatchSize:        500,
			RequestTimeoutMS: 10000,
		},
		Blocking: BlockingConfig{
			MaxConcurrent: 4,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "stdout",
			FilePath: "/var/log/recipebox/recipebox.log",
		},
		Sentry: SentryConfig{
			DSN:         "",
			Environment: "development",
			SampleRate:  1,
		},
	}
}

// DumpExampleConfig writes an example configuration to the provided writer
func DumpExampleConfig(w io.Writer) error {
	var node yaml.Node
	if err := node.Encode(Example()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	header := `# =============================================================================
# recipebox example configuration
# =============================================================================
# Copy this file to config.yaml and adjust it. The running server reloads it
# on change; listener address and database settings need a restart.
#
# Environment variable overrides follow the pattern: RECIPEBOX_<SECTION>_<KEY>
# Example: RECIPEBOX_DATABASE_HOST, RECIPEBOX_AUTH_JWT_SECRET
# =============================================================================

`
	if _, err := fmt.Fprint(w, header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(&node); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("failed to close encoder: %w", err)
	}

	return nil
}
