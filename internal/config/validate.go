package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate checks the loaded configuration for values that would only
// fail later at runtime. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}

	if c.Gateway.Configured() {
		u, err := url.Parse(strings.ReplaceAll(c.Gateway.URL, "{token}", "token"))
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("gateway.url %q is not an absolute URL", c.Gateway.URL))
		}
		if strings.Contains(c.Gateway.URL, "{token}") && c.Gateway.Token == "" {
			errs = append(errs, errors.New("gateway.url references {token} but gateway.token is empty"))
		}
	}
	if c.Gateway.TimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("gateway.timeout_sec %d must not be negative", c.Gateway.TimeoutSec))
	}
	if c.Gateway.SendRate < 0 || c.Gateway.SendBurst < 0 {
		errs = append(errs, errors.New("gateway.send_rate and gateway.send_burst must not be negative"))
	}

	remindSched, err := ParseSchedule(c.Reminders.Schedule)
	if err != nil {
		errs = append(errs, fmt.Errorf("reminders.schedule %q: %w", c.Reminders.Schedule, err))
	}
	if _, err := ParseSchedule(c.Linking.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("linking.schedule %q: %w", c.Linking.Schedule, err))
	}
	if c.Reminders.WindowMinutes < 1 || c.Reminders.WindowMinutes > 60 {
		errs = append(errs, fmt.Errorf("reminders.window_minutes %d must be between 1 and 60", c.Reminders.WindowMinutes))
	} else if remindSched != nil {
		// Each run covers one window; a longer gap between runs skips habits.
		if gap := longestGap(remindSched, time.Now()); gap > c.Reminders.Window() {
			errs = append(errs, fmt.Errorf("reminders.schedule %q leaves gaps of %s, longer than window_minutes %d",
				c.Reminders.Schedule, gap, c.Reminders.WindowMinutes))
		}
	}

	if c.MQTT.Configured() {
		if _, err := url.Parse(c.MQTT.Broker); err != nil {
			errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
		}
		if c.MQTT.PublishIntervalSec < 1 {
			errs = append(errs, fmt.Errorf("mqtt.publish_interval_sec %d must be positive", c.MQTT.PublishIntervalSec))
		}
	}

	return errors.Join(errs...)
}
