package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config represents the service configuration
type Config struct {
	Cameras  []CameraConfig `toml:"cameras" json:"cameras"`
	Pool     PoolConfig     `toml:"pool" json:"pool"`
	View     ViewConfig     `toml:"view" json:"view"`
	Server   ServerConfig   `toml:"server" json:"server"`
	Logging  LoggingConfig  `toml:"logging" json:"logging"`
	Timeouts TimeoutConfig  `toml:"timeouts" json:"timeouts"`
}

// CameraConfig holds the capability description of one physical camera
type CameraConfig struct {
	ID     string   `toml:"id" json:"id"`
	Device string   `toml:"device" json:"device"`
	Width  int      `toml:"width" json:"width"`
	Height int      `toml:"height" json:"height"`
	FPS    int      `toml:"fps" json:"fps"`
	Format string   `toml:"format" json:"format"`
	Serves []string `toml:"serves" json:"serves"`
}

// PoolConfig holds frame buffer pool settings
type PoolConfig struct {
	DefaultFrames int `toml:"default_frames" json:"default_frames"`
	MaxFrames     int `toml:"max_frames" json:"max_frames"`
}

// ViewConfig holds view state controller settings
type ViewConfig struct {
	SignalPollIntervalMs int `toml:"signal_poll_interval_ms" json:"signal_poll_interval_ms"`
	CommandQueueSize     int `toml:"command_queue_size" json:"command_queue_size"`
}

// ServerConfig holds diagnostics web server settings
type ServerConfig struct {
	WebPort int    `toml:"web_port" json:"web_port"`
	BindIP  string `toml:"bind_ip" json:"bind_ip"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level       string `toml:"level" json:"level"`
	MaxLogFiles int    `toml:"max_log_files" json:"max_log_files"`
}

// TimeoutConfig holds timeout and delay settings
type TimeoutConfig struct {
	ShutdownTimeout     int `toml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
	HTTPShutdownTimeout int `toml:"http_shutdown_timeout_seconds" json:"http_shutdown_timeout_seconds"`
	DeviceStopTimeout   int `toml:"device_stop_timeout_seconds" json:"device_stop_timeout_seconds"`
}

// LoadConfig loads configuration from a TOML file
func LoadConfig(configPath string) (*Config, error) {
	// Set default values
	config := &Config{
		Cameras: []CameraConfig{
			{
				ID:     "rear",
				Device: "synthetic",
				Width:  640,
				Height: 480,
				FPS:    30,
				Format: "YUYV",
				Serves: []string{"reverse"},
			},
			{
				ID:     "left",
				Device: "synthetic",
				Width:  640,
				Height: 480,
				FPS:    30,
				Format: "YUYV",
				Serves: []string{"left"},
			},
			{
				ID:     "right",
				Device: "synthetic",
				Width:  640,
				Height: 480,
				FPS:    30,
				Format: "YUYV",
				Serves: []string{"right"},
			},
		},
		Pool: PoolConfig{
			DefaultFrames: 2,
			MaxFrames:     100,
		},
		View: ViewConfig{
			SignalPollIntervalMs: 100,
			CommandQueueSize:     16,
		},
		Server: ServerConfig{
			WebPort: 8080,
			BindIP:  "0.0.0.0",
		},
		Logging: LoggingConfig{
			Level:       "info",
			MaxLogFiles: 20,
		},
		Timeouts: TimeoutConfig{
			ShutdownTimeout:     30,
			HTTPShutdownTimeout: 5,
			DeviceStopTimeout:   5,
		},
	}

	// Load from file if it exists
	if _, err := os.Stat(configPath); err == nil {
		// A camera list in the file replaces the defaults rather than
		// appending to them.
		config.Cameras = nil
		if _, err := toml.DecodeFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the configuration for internally inconsistent values
func (c *Config) Validate() error {
	if len(c.Cameras) == 0 {
		return fmt.Errorf("no cameras configured")
	}

	seen := make(map[string]bool)
	for _, cam := range c.Cameras {
		if cam.ID == "" {
			return fmt.Errorf("camera with empty id")
		}
		if seen[cam.ID] {
			return fmt.Errorf("duplicate camera id %q", cam.ID)
		}
		seen[cam.ID] = true

		if cam.Width <= 0 || cam.Height <= 0 {
			return fmt.Errorf("camera %q has invalid dimensions %dx%d", cam.ID, cam.Width, cam.Height)
		}
		if cam.FPS <= 0 {
			return fmt.Errorf("camera %q has invalid fps %d", cam.ID, cam.FPS)
		}
		for _, state := range cam.Serves {
			switch state {
			case "reverse", "left", "right":
			default:
				return fmt.Errorf("camera %q serves unknown vehicle state %q", cam.ID, state)
			}
		}
	}

	if c.Pool.DefaultFrames < 1 {
		return fmt.Errorf("pool default_frames must be at least 1, got %d", c.Pool.DefaultFrames)
	}
	if c.Pool.MaxFrames < c.Pool.DefaultFrames {
		return fmt.Errorf("pool max_frames %d is below default_frames %d", c.Pool.MaxFrames, c.Pool.DefaultFrames)
	}
	if c.View.SignalPollIntervalMs < 1 {
		return fmt.Errorf("signal_poll_interval_ms must be positive, got %d", c.View.SignalPollIntervalMs)
	}
	if c.View.CommandQueueSize < 1 {
		return fmt.Errorf("command_queue_size must be positive, got %d", c.View.CommandQueueSize)
	}

	return nil
}

// CameraByID returns the configuration for the named camera
func (c *Config) CameraByID(id string) (CameraConfig, bool) {
	for _, cam := range c.Cameras {
		if cam.ID == id {
			return cam, true
		}
	}
	return CameraConfig{}, false
}

// CameraForState returns the id of the camera serving the given vehicle
// state ("reverse", "left" or "right"). The first match wins.
func (c *Config) CameraForState(state string) (string, bool) {
	for _, cam := range c.Cameras {
		for _, s := range cam.Serves {
			if s == state {
				return cam.ID, true
			}
		}
	}
	return "", false
}

// SaveConfig saves the current configuration to a file
func SaveConfig(config *Config, configPath string) error {
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}
