package serialport

import (
	"flag"
	"os"
	"time"
)

// Config defines the host serial device.
type Config struct {
	Device      string        `yaml:"device"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

var defaultConfig = Config{
	Device:      "/dev/ttyUSB0",
	ReadTimeout: 20 * time.Millisecond,
}

func init() {
	if val := os.Getenv("UARTCON_DEVICE"); val != "" {
		defaultConfig.Device = val
	}
}

// SetupFlags sets up command line flags.
func SetupFlags() {
	flag.StringVar(&defaultConfig.Device, "device", defaultConfig.Device, "Serial device path.")
	flag.DurationVar(&defaultConfig.ReadTimeout, "read-timeout", defaultConfig.ReadTimeout, "Serial read timeout, used as idle-line detection.")
}

// Default gets the default config.
func Default() *Config {
	return &defaultConfig
}

// NewConfig creates a Config with defaults.
func NewConfig() *Config {
	conf := defaultConfig
	return &conf
}
