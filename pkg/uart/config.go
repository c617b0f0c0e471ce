package uart

import (
	"flag"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/robotalks/uartdma/pkg/hal"
)

// Config defines the build-time sizing and tuning of a Channel.
type Config struct {
	Baud          int           `yaml:"baud"`
	RxCapacity    int           `yaml:"rx_capacity"`
	TxCapacity    int           `yaml:"tx_capacity"`
	DMARegionSize int           `yaml:"dma_region"`
	MaxAttempts   int           `yaml:"tx_attempts"`
	RetryDelay    time.Duration `yaml:"tx_retry_delay"`
}

var defaultConfig = Config{
	Baud:          DefaultBaud,
	RxCapacity:    DefaultRxCapacity,
	TxCapacity:    DefaultTxCapacity,
	DMARegionSize: DefaultDMARegionSize,
	MaxAttempts:   DefaultMaxAttempts,
	RetryDelay:    DefaultRetryDelay,
}

func init() {
	if val := os.Getenv("UARTCON_BAUD"); val != "" {
		if baud, err := strconv.Atoi(val); err == nil {
			defaultConfig.Baud = baud
		}
	}
}

// SetupFlags sets up command line flags.
func SetupFlags() {
	flag.IntVar(&defaultConfig.Baud, "baud", defaultConfig.Baud, "UART baud rate.")
	flag.IntVar(&defaultConfig.RxCapacity, "rx-cap", defaultConfig.RxCapacity, "RX ring capacity in bytes.")
	flag.IntVar(&defaultConfig.TxCapacity, "tx-cap", defaultConfig.TxCapacity, "TX ring capacity in bytes.")
	flag.IntVar(&defaultConfig.DMARegionSize, "dma-region", defaultConfig.DMARegionSize, "Circular DMA receive region in bytes.")
	flag.IntVar(&defaultConfig.MaxAttempts, "tx-attempts", defaultConfig.MaxAttempts, "Transmit attempts while hardware is busy.")
	flag.DurationVar(&defaultConfig.RetryDelay, "tx-retry-delay", defaultConfig.RetryDelay, "Delay between busy transmit attempts.")
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

// LoadFile overlays the YAML file at path onto c and validates the result.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return err
	}
	return c.Validate()
}

// Validate checks every size and count is usable.
func (c *Config) Validate() error {
	switch {
	case c.Baud <= 0:
		return &ConfigError{Field: "baud", Value: c.Baud}
	case c.RxCapacity <= 0:
		return &ConfigError{Field: "rx_capacity", Value: c.RxCapacity}
	case c.TxCapacity <= 0:
		return &ConfigError{Field: "tx_capacity", Value: c.TxCapacity}
	case c.DMARegionSize <= 0:
		return &ConfigError{Field: "dma_region", Value: c.DMARegionSize}
	case c.MaxAttempts <= 0:
		return &ConfigError{Field: "tx_attempts", Value: c.MaxAttempts}
	case c.RetryDelay < 0:
		return &ConfigError{Field: "tx_retry_delay", Value: c.RetryDelay}
	}
	return nil
}

// NewChannel creates a Channel on hw using the config.
func (c *Config) NewChannel(hw hal.UART) (*Channel, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	ch := NewChannel(hw, c.RxCapacity, c.TxCapacity, c.DMARegionSize)
	ch.Baud = c.Baud
	ch.MaxAttempts = c.MaxAttempts
	ch.RetryDelay = c.RetryDelay
	return ch, nil
}
