package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// InferenceConfig tunes the prediction pipeline.
type InferenceConfig struct {
	TopK      int    `toml:"top_k"`
	ImageSize int    `toml:"image_size"`
	MaxPixels int    `toml:"max_pixels"`
	Timeout   string `toml:"timeout"`
}

func (c *InferenceConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	return d
}

func (c *InferenceConfig) Finalize() error {
	if c.TopK == 0 {
		c.TopK = 3
	}
	if c.MaxPixels == 0 {
		c.MaxPixels = 25_000_000
	}
	if c.Timeout == "" {
		c.Timeout = "15s"
	}
	if v := os.Getenv(EnvTopK); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TopK = n
		}
	}
	if v := os.Getenv(EnvMaxPixels); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxPixels = n
		}
	}
	if v := os.Getenv(EnvInferenceTimeout); v != "" {
		c.Timeout = v
	}

	if c.TopK < 1 {
		return fmt.Errorf("top_k must be positive")
	}
	if c.ImageSize < 0 {
		return fmt.Errorf("image_size must not be negative")
	}
	if c.MaxPixels < 1 {
		return fmt.Errorf("max_pixels must be positive")
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return fmt.Errorf("invalid timeout: %w", err)
	}
	if d < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// Merge overwrites non-zero fields from overlay.
func (c *InferenceConfig) Merge(overlay *InferenceConfig) {
	if overlay.TopK != 0 {
		c.TopK = overlay.TopK
	}
	if overlay.ImageSize != 0 {
		c.ImageSize = overlay.ImageSize
	}
	if overlay.MaxPixels != 0 {
		c.MaxPixels = overlay.MaxPixels
	}
	if overlay.Timeout != "" {
		c.Timeout = overlay.Timeout
	}
}
