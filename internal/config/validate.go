package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/bluelightgit/roubao/capture"
	"github.com/bluelightgit/roubao/internal/display"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

const (
	minFrameTimeout    = 50 * time.Millisecond
	maxFrameTimeout    = time.Minute
	minQuitTimeout     = 50 * time.Millisecond
	minRefreshInterval = 10 * time.Millisecond
)

// Validate checks the config and returns every problem found. Values that
// would break the capture path are clamped to safe defaults.
func (c *Config) Validate() []error {
	var errs []error

	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend != BackendPortal && c.Backend != BackendDesktop {
		errs = append(errs, fmt.Errorf("backend %q must be %q or %q", c.Backend, BackendPortal, BackendDesktop))
	}

	if c.FrameTimeout < minFrameTimeout {
		errs = append(errs, fmt.Errorf("frame_timeout %s is below minimum %s, clamping", c.FrameTimeout, minFrameTimeout))
		c.FrameTimeout = minFrameTimeout
	} else if c.FrameTimeout > maxFrameTimeout {
		errs = append(errs, fmt.Errorf("frame_timeout %s exceeds maximum %s, clamping", c.FrameTimeout, maxFrameTimeout))
		c.FrameTimeout = maxFrameTimeout
	}

	if c.WorkerQuitTimeout < minQuitTimeout {
		errs = append(errs, fmt.Errorf("worker_quit_timeout %s is below minimum %s, clamping", c.WorkerQuitTimeout, minQuitTimeout))
		c.WorkerQuitTimeout = minQuitTimeout
	}

	if c.RefreshInterval < minRefreshInterval {
		errs = append(errs, fmt.Errorf("refresh_interval %s is below minimum %s, clamping", c.RefreshInterval, minRefreshInterval))
		c.RefreshInterval = minRefreshInterval
	}

	if c.DisplayIndex < 0 {
		errs = append(errs, fmt.Errorf("display_index %d is negative, using 0", c.DisplayIndex))
		c.DisplayIndex = 0
	}

	if c.DensityDPI <= 0 {
		errs = append(errs, fmt.Errorf("density_dpi %d must be positive, using %d", c.DensityDPI, display.DefaultDensityDPI))
		c.DensityDPI = display.DefaultDensityDPI
	}

	if strings.TrimSpace(c.GrantFile) == "" {
		errs = append(errs, fmt.Errorf("grant_file is empty"))
	}

	if strings.TrimSpace(c.DisplayName) == "" {
		c.DisplayName = capture.DefaultDisplayName
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid", c.LogLevel))
	}

	return errs
}
