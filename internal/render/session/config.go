package session

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
)

// Config holds the configuration for the session pool and its sessions
type Config struct {
	// Pool configuration
	PoolSize        string        // "auto" or integer string
	AcquireTimeout  time.Duration // How long Acquire waits for a free slot
	MaxSessionAge   time.Duration // Sessions older than this are force-released
	ReapInterval    time.Duration // Background reaper tick
	ShutdownTimeout time.Duration // Graceful shutdown timeout

	// Viewer page configuration
	ViewerURL    string        // Base URL of the rendering engine page
	ReadyTimeout time.Duration // How long to wait for the engine readiness flag
	PollInterval time.Duration // Readiness poll interval
}

// DefaultConfig is used in tests to avoid constructing full Config structs
func DefaultConfig() *Config {
	return &Config{
		PoolSize:        "auto",
		AcquireTimeout:  60 * time.Second,
		MaxSessionAge:   5 * time.Minute,
		ReapInterval:    time.Minute,
		ShutdownTimeout: 30 * time.Second,
		ViewerURL:       "http://localhost:3000/viewer",
		ReadyTimeout:    12 * time.Second,
		PollInterval:    250 * time.Millisecond,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Pool size must be "auto" or a positive integer string
	if c.PoolSize != "auto" {
		size, err := strconv.Atoi(c.PoolSize)
		if err != nil {
			return fmt.Errorf("pool size must be 'auto' or valid integer")
		}
		if size <= 0 {
			return fmt.Errorf("pool size must be positive")
		}
	}

	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("acquire timeout must be positive")
	}

	if c.MaxSessionAge <= 0 {
		return fmt.Errorf("max session age must be positive")
	}

	if c.ViewerURL == "" {
		return fmt.Errorf("viewer URL cannot be empty")
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}

	return nil
}

// CalculatePoolSize determines the session pool capacity based on available RAM
// Formula: (Total RAM - 2GB) / 500MB per browser
func (c *Config) CalculatePoolSize() int {
	if c.PoolSize == "auto" {
		return c.calculateAutoPoolSize()
	}

	size, err := strconv.Atoi(c.PoolSize)
	if err != nil || size <= 0 {
		// Fallback to auto if invalid
		return c.calculateAutoPoolSize()
	}

	return size
}

// calculateAutoPoolSize calculates pool capacity based on system RAM
func (c *Config) calculateAutoPoolSize() int {
	v, err := mem.VirtualMemory()
	var totalRAMBytes int64

	if err != nil {
		// Conservative estimate if we can't read system memory
		totalRAMBytes = int64(8 * 1024 * 1024 * 1024)
	} else {
		totalRAMBytes = int64(v.Total)
	}

	// Reserve 2GB for the service and the OS
	reservedBytes := int64(2 * 1024 * 1024 * 1024)
	availableBytes := totalRAMBytes - reservedBytes

	// Each browser session uses approximately 500MB
	sessionBytes := int64(500 * 1024 * 1024)

	poolSize := int(availableBytes / sessionBytes)

	// Safety limits
	if poolSize < 2 {
		poolSize = 2
	}
	if poolSize > 50 {
		poolSize = 50
	}

	return poolSize
}
