package store

import (
	"fmt"
	"os"
	"time"
)

// Config holds document store connection parameters.
type Config struct {
	URI             string `toml:"uri"`
	Database        string `toml:"database"`
	Collection      string `toml:"collection"`
	BreedCollection string `toml:"breed_collection"`
	UserCollection  string `toml:"user_collection"`
	ConnectTimeout  string `toml:"connect_timeout"`
}

// Env maps config fields to environment variable names for override injection.
type Env struct {
	URI             string
	Database        string
	Collection      string
	BreedCollection string
	UserCollection  string
	ConnectTimeout  string
}

func (c *Config) Finalize(env *Env) error {
	c.loadDefaults()
	if env != nil {
		c.loadEnv(env)
	}
	return c.validate()
}

// Merge overwrites non-zero fields from overlay.
func (c *Config) Merge(overlay *Config) {
	if overlay.URI != "" {
		c.URI = overlay.URI
	}
	if overlay.Database != "" {
		c.Database = overlay.Database
	}
	if overlay.Collection != "" {
		c.Collection = overlay.Collection
	}
	if overlay.BreedCollection != "" {
		c.BreedCollection = overlay.BreedCollection
	}
	if overlay.UserCollection != "" {
		c.UserCollection = overlay.UserCollection
	}
	if overlay.ConnectTimeout != "" {
		c.ConnectTimeout = overlay.ConnectTimeout
	}
}

// ConnectTimeoutDuration returns ConnectTimeout as a time.Duration.
func (c *Config) ConnectTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.ConnectTimeout)
	return d
}

func (c *Config) loadDefaults() {
	if c.URI == "" {
		c.URI = "mongodb://localhost:27017"
	}
	if c.Database == "" {
		c.Database = "mockDB"
	}
	if c.Collection == "" {
		c.Collection = "mockCollection"
	}
	if c.BreedCollection == "" {
		c.BreedCollection = "breeds"
	}
	if c.UserCollection == "" {
		c.UserCollection = "users"
	}
	if c.ConnectTimeout == "" {
		c.ConnectTimeout = "10s"
	}
}

func (c *Config) loadEnv(env *Env) {
	set := func(key string, field *string) {
		if key == "" {
			return
		}
		if v := os.Getenv(key); v != "" {
			*field = v
		}
	}
	set(env.URI, &c.URI)
	set(env.Database, &c.Database)
	set(env.Collection, &c.Collection)
	set(env.BreedCollection, &c.BreedCollection)
	set(env.UserCollection, &c.UserCollection)
	set(env.ConnectTimeout, &c.ConnectTimeout)
}

func (c *Config) validate() error {
	if c.URI == "" {
		return fmt.Errorf("uri required")
	}
	if c.Database == "" {
		return fmt.Errorf("database required")
	}
	if _, err := time.ParseDuration(c.ConnectTimeout); err != nil {
		return fmt.Errorf("invalid connect_timeout: %w", err)
	}
	return nil
}
