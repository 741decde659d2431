package config

import (
	"errors"
	"fmt"
)

// Validation errors for required fields.
var (
	ErrMissingInstanceID = errors.New("instance.id is required")
	ErrMissingWSURL      = errors.New("feed.ws_url is required")
	ErrMissingUnderlying = errors.New("feed.underlying is required")
	ErrMissingDBHost     = errors.New("database.host is required")
	ErrMissingDBName     = errors.New("database.name is required")
	ErrMissingDBUser     = errors.New("database.user is required")
	ErrNoServices        = errors.New("supervisor.services must not be empty")
)

// Validate checks the sections every process depends on. Configuration errors
// fail fast at startup; nothing is silently skipped.
func (c *PipelineConfig) Validate() error {
	if c.Instance.ID == "" {
		return ErrMissingInstanceID
	}
	if c.Broker.Addr == "" {
		return errors.New("broker.addr is required")
	}
	return nil
}

// ValidateFeed checks the sections feedd needs.
func (c *PipelineConfig) ValidateFeed() error {
	if c.Feed.WSURL == "" {
		return ErrMissingWSURL
	}
	if c.Feed.Underlying == "" {
		return ErrMissingUnderlying
	}
	if c.Feed.StrikeWindow < 0 {
		return fmt.Errorf("feed.strike_window must be >= 0, got %d", c.Feed.StrikeWindow)
	}
	return c.validateDatabase()
}

// ValidateWriter checks the sections writerd needs.
func (c *PipelineConfig) ValidateWriter() error {
	if c.Writer.BatchSize < 1 {
		return fmt.Errorf("writer.batch_size must be >= 1, got %d", c.Writer.BatchSize)
	}
	if c.Writer.HardCap < c.Writer.BatchSize {
		return fmt.Errorf("writer.hard_cap (%d) must be >= writer.batch_size (%d)",
			c.Writer.HardCap, c.Writer.BatchSize)
	}
	return c.validateDatabase()
}

// ValidateSupervisor checks the sections pipelined needs. Malformed service
// descriptors are a startup failure, never skipped.
func (c *PipelineConfig) ValidateSupervisor() error {
	if len(c.Supervisor.Services) == 0 {
		return ErrNoServices
	}

	seen := make(map[string]struct{}, len(c.Supervisor.Services))
	for i, svc := range c.Supervisor.Services {
		if svc.Name == "" {
			return fmt.Errorf("supervisor.services[%d]: name is required", i)
		}
		if _, dup := seen[svc.Name]; dup {
			return fmt.Errorf("supervisor.services[%d]: duplicate name %q", i, svc.Name)
		}
		seen[svc.Name] = struct{}{}

		if svc.Command == "" {
			return fmt.Errorf("supervisor service %q: command is required", svc.Name)
		}
		switch svc.Criticality {
		case "critical", "optional":
		default:
			return fmt.Errorf("supervisor service %q: criticality must be \"critical\" or \"optional\", got %q",
				svc.Name, svc.Criticality)
		}
		if svc.MaxRestarts < 0 {
			return fmt.Errorf("supervisor service %q: max_restarts must be >= 0", svc.Name)
		}
		if svc.RestartBackoff <= 0 {
			return fmt.Errorf("supervisor service %q: restart_backoff must be > 0", svc.Name)
		}
	}
	return nil
}

func (c *PipelineConfig) validateDatabase() error {
	if c.Database.Host == "" {
		return ErrMissingDBHost
	}
	if c.Database.Name == "" {
		return ErrMissingDBName
	}
	if c.Database.User == "" {
		return ErrMissingDBUser
	}
	return nil
}
