package devenv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultPostgresImage = "postgres:16-alpine"
	DefaultRedisImage    = "redis:7-alpine"
)

// PostgresConfig configures the Postgres container.
type PostgresConfig struct {
	ContainerName string `mapstructure:"container_name"`
	Image         string `mapstructure:"image"`
	HostPort      string `mapstructure:"host_port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	Database      string `mapstructure:"database"`
	DataPath      string `mapstructure:"data_path"`
	Labels        map[string]string
}

func (c *PostgresConfig) defaults() {
	if c.ContainerName == "" {
		c.ContainerName = "codex-postgres"
	}
	if c.Image == "" {
		c.Image = DefaultPostgresImage
	}
	if c.HostPort == "" {
		c.HostPort = "5432"
	}
	if c.User == "" {
		c.User = "codex"
	}
	if c.Password == "" {
		c.Password = "codex"
	}
	if c.Database == "" {
		c.Database = "codex"
	}
}

// DSN returns the connection string for the container.
func (c PostgresConfig) DSN() string {
	c.defaults()
	return fmt.Sprintf("postgres://%s:%s@127.0.0.1:%s/%s?sslmode=disable", c.User, c.Password, c.HostPort, c.Database)
}

// Postgres returns the service definition for a Postgres container.
func Postgres(cfg PostgresConfig) Service {
	cfg.defaults()
	dsn := cfg.DSN()
	return Service{
		ContainerName: cfg.ContainerName,
		Image:         cfg.Image,
		ContainerPort: "5432/tcp",
		HostPort:      cfg.HostPort,
		Env: []string{
			"POSTGRES_USER=" + cfg.User,
			"POSTGRES_PASSWORD=" + cfg.Password,
			"POSTGRES_DB=" + cfg.Database,
		},
		DataPath: cfg.DataPath,
		DataDir:  "/var/lib/postgresql/data",
		Labels:   cfg.Labels,
		Ready: func(ctx context.Context) error {
			conn, err := pgx.Connect(ctx, dsn)
			if err != nil {
				return err
			}
			defer conn.Close(context.WithoutCancel(ctx))
			return conn.Ping(ctx)
		},
	}
}

// RedisConfig configures the Redis container.
type RedisConfig struct {
	ContainerName string `mapstructure:"container_name"`
	Image         string `mapstructure:"image"`
	HostPort      string `mapstructure:"host_port"`
	Labels        map[string]string
}

func (c *RedisConfig) defaults() {
	if c.ContainerName == "" {
		c.ContainerName = "codex-redis"
	}
	if c.Image == "" {
		c.Image = DefaultRedisImage
	}
	if c.HostPort == "" {
		c.HostPort = "6379"
	}
}

// Addr returns the host address of the container.
func (c RedisConfig) Addr() string {
	c.defaults()
	return "127.0.0.1:" + c.HostPort
}

// Redis returns the service definition for a Redis container.
func Redis(cfg RedisConfig) Service {
	cfg.defaults()
	addr := cfg.Addr()
	return Service{
		ContainerName: cfg.ContainerName,
		Image:         cfg.Image,
		ContainerPort: "6379/tcp",
		HostPort:      cfg.HostPort,
		Cmd:           []string{"redis-server", "--appendonly", "yes"},
		Labels:        cfg.Labels,
		Ready: func(ctx context.Context) error {
			rdb := redis.NewClient(&redis.Options{Addr: addr})
			defer rdb.Close()
			return rdb.Ping(ctx).Err()
		},
	}
}

// ContainerName derives a stable per-installation container name from the
// codex home directory, so two checkouts do not share a database.
func ContainerName(prefix, homePath string) string {
	sum := sha256.Sum256([]byte(homePath))
	return prefix + "-" + hex.EncodeToString(sum[:])[:8]
}
