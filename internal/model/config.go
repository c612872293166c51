package model

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// Config locates the classifier assets and selects the execution device.
type Config struct {
	ModelPath      string `toml:"model_path"`
	MetadataPath   string `toml:"metadata_path"`
	LibraryPath    string `toml:"library_path"`
	Device         string `toml:"device"`
	CUDADeviceID   int    `toml:"cuda_device_id"`
	IntraOpThreads int    `toml:"intra_op_threads"`
	ClassCount     int    `toml:"class_count"`
}

// Env maps config fields to environment variable names for override injection.
type Env struct {
	ModelPath      string
	MetadataPath   string
	LibraryPath    string
	Device         string
	IntraOpThreads string
	ClassCount     string
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
	if overlay.ModelPath != "" {
		c.ModelPath = overlay.ModelPath
	}
	if overlay.MetadataPath != "" {
		c.MetadataPath = overlay.MetadataPath
	}
	if overlay.LibraryPath != "" {
		c.LibraryPath = overlay.LibraryPath
	}
	if overlay.Device != "" {
		c.Device = overlay.Device
	}
	if overlay.CUDADeviceID != 0 {
		c.CUDADeviceID = overlay.CUDADeviceID
	}
	if overlay.IntraOpThreads != 0 {
		c.IntraOpThreads = overlay.IntraOpThreads
	}
	if overlay.ClassCount != 0 {
		c.ClassCount = overlay.ClassCount
	}
}

func (c *Config) loadDefaults() {
	if c.ModelPath == "" {
		c.ModelPath = "models/breed_classifier.onnx"
	}
	if c.MetadataPath == "" {
		c.MetadataPath = "models/model_metadata.json"
	}
	if c.Device == "" {
		c.Device = DeviceAuto
	}
}

func (c *Config) loadEnv(env *Env) {
	if v := lookup(env.ModelPath); v != "" {
		c.ModelPath = v
	}
	if v := lookup(env.MetadataPath); v != "" {
		c.MetadataPath = v
	}
	if v := lookup(env.LibraryPath); v != "" {
		c.LibraryPath = v
	}
	if v := lookup(env.Device); v != "" {
		c.Device = v
	}
	if v := lookup(env.IntraOpThreads); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.IntraOpThreads = n
		}
	}
	if v := lookup(env.ClassCount); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.ClassCount = n
		}
	}
}

func (c *Config) validate() error {
	c.Device = strings.ToLower(strings.TrimSpace(c.Device))
	switch c.Device {
	case DeviceAuto, DeviceCPU, DeviceCUDA:
	default:
		return fmt.Errorf("unsupported device %q", c.Device)
	}
	if c.IntraOpThreads < 0 {
		return fmt.Errorf("intra_op_threads must be >= 0")
	}
	return nil
}

func lookup(key string) string {
	if key == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(key))
}
