package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const DefaultPort = 3389

// MaxRtspDimension is the largest frame side the RTP/JPEG header can carry
// (255 blocks of 8 pixels).
const MaxRtspDimension = 2040

type Config struct {
	Port            int             `mapstructure:"port"`
	BindAddress     string          `mapstructure:"bindAddress"`
	Subsystem       string          `mapstructure:"subsystem"`
	DisplayIndex    int             `mapstructure:"displayIndex"`
	FrameRate       int             `mapstructure:"frameRate"`
	ResizeWidth     uint            `mapstructure:"resizeWidth"`
	ResizeHeight    uint            `mapstructure:"resizeHeight"`
	JpegQuality     int             `mapstructure:"jpegQuality"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdownTimeout"`
	Log             LogConfig       `mapstructure:"log"`
	Rtsp            RtspConfig      `mapstructure:"rtsp"`
	Metrics         MetricsConfig   `mapstructure:"metrics"`
	VirtualMonitors []MonitorConfig `mapstructure:"virtualMonitors"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// RtspConfig controls the optional RTSP mirror of the encoded screen.
type RtspConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Port              int    `mapstructure:"port"`
	Path              string `mapstructure:"path"`
	RtpPayloadMaxSize int    `mapstructure:"rtpPayloadMaxSize"`
	Debug             bool   `mapstructure:"debug"`
}

type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

// MonitorConfig describes one display of the virtual backend.
type MonitorConfig struct {
	Left    int  `mapstructure:"left"`
	Top     int  `mapstructure:"top"`
	Width   int  `mapstructure:"width"`
	Height  int  `mapstructure:"height"`
	Primary bool `mapstructure:"primary"`
}

func Default() *Config {
	return &Config{
		Port:        DefaultPort,
		Subsystem:   "screenshot",
		FrameRate:   15,
		JpegQuality: 80,
		Log: LogConfig{
			Level: "info",
		},
		Rtsp: RtspConfig{
			Port:              8554,
			Path:              "screen",
			RtpPayloadMaxSize: 1460,
		},
		VirtualMonitors: []MonitorConfig{
			{Width: 1920, Height: 1080, Primary: true},
		},
	}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("port", d.Port)
	v.SetDefault("bindAddress", d.BindAddress)
	v.SetDefault("subsystem", d.Subsystem)
	v.SetDefault("displayIndex", d.DisplayIndex)
	v.SetDefault("frameRate", d.FrameRate)
	v.SetDefault("resizeWidth", d.ResizeWidth)
	v.SetDefault("resizeHeight", d.ResizeHeight)
	v.SetDefault("jpegQuality", d.JpegQuality)
	v.SetDefault("shutdownTimeout", d.ShutdownTimeout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
	v.SetDefault("rtsp.enabled", d.Rtsp.Enabled)
	v.SetDefault("rtsp.port", d.Rtsp.Port)
	v.SetDefault("rtsp.path", d.Rtsp.Path)
	v.SetDefault("rtsp.rtpPayloadMaxSize", d.Rtsp.RtpPayloadMaxSize)
	v.SetDefault("rtsp.debug", d.Rtsp.Debug)
	v.SetDefault("metrics.address", d.Metrics.Address)
}

// LoadConfig reads config.yaml from path, or from the working directory
// when path is empty, and applies SHADOW_ environment overrides. A
// missing config.yaml in the working directory is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	cfg := Default()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SHADOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	// Slices decode element-wise into existing values, so a configured
	// monitor list must replace the default one rather than merge into it.
	if v.IsSet("virtualMonitors") {
		cfg.VirtualMonitors = nil
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.FrameRate <= 0 {
		return fmt.Errorf("invalid frameRate %d", c.FrameRate)
	}
	if c.JpegQuality < 1 || c.JpegQuality > 100 {
		return fmt.Errorf("invalid jpegQuality %d", c.JpegQuality)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdownTimeout %s", c.ShutdownTimeout)
	}
	if c.Rtsp.Enabled {
		if c.Rtsp.Port < 1 || c.Rtsp.Port > 65535 {
			return fmt.Errorf("invalid rtsp.port %d", c.Rtsp.Port)
		}
		if c.Rtsp.RtpPayloadMaxSize <= 8 {
			return fmt.Errorf("invalid rtsp.rtpPayloadMaxSize %d", c.Rtsp.RtpPayloadMaxSize)
		}
		if c.ResizeWidth == 0 || c.ResizeHeight == 0 || c.ResizeWidth > MaxRtspDimension || c.ResizeHeight > MaxRtspDimension {
			return fmt.Errorf("rtsp needs resizeWidth and resizeHeight between 1 and %d, got %dx%d",
				MaxRtspDimension, c.ResizeWidth, c.ResizeHeight)
		}
	}
	return nil
}
