package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/SOG-web/reauth-sub001/internal/policy/engine"
)

// MinTTL is the shortest lifetime a session may be created with.
const MinTTL = 30 * time.Second

// Config controls session issuance. It is validated once by NewManager.
type Config struct {
	// DefaultTTL applies when a create request carries no TTL. Zero means
	// sessions never expire by default.
	DefaultTTL time.Duration
	// MinTTL is raised to the package MinTTL when lower.
	MinTTL time.Duration
	// MaxConcurrentSessions caps live sessions per subject; zero disables the cap.
	MaxConcurrentSessions int
	// OnLimit is applied when a subject is at MaxConcurrentSessions.
	OnLimit engine.Action
	// TrackDevices records client device details on create and verify.
	TrackDevices bool
	// UpdateAge throttles last-seen writes on verify. Zero writes on every verify.
	UpdateAge time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:   24 * time.Hour,
		MinTTL:       MinTTL,
		OnLimit:      engine.ActionEvictOldest,
		TrackDevices: true,
		UpdateAge:    time.Minute,
	}
}

// Validate normalizes c and rejects settings that cannot be honored.
func (c *Config) Validate() error {
	if c.MinTTL < MinTTL {
		c.MinTTL = MinTTL
	}
	if c.DefaultTTL < 0 {
		return errors.New("default session TTL must not be negative")
	}
	if c.DefaultTTL != 0 && c.DefaultTTL < c.MinTTL {
		return fmt.Errorf("default session TTL %s is below the minimum %s", c.DefaultTTL, c.MinTTL)
	}
	if c.MaxConcurrentSessions < 0 {
		return errors.New("max concurrent sessions must not be negative")
	}
	if c.OnLimit == "" {
		c.OnLimit = engine.ActionEvictOldest
	}
	if c.OnLimit != engine.ActionReject && c.OnLimit != engine.ActionEvictOldest {
		return fmt.Errorf("on-limit action must be %q or %q, got %q", engine.ActionReject, engine.ActionEvictOldest, c.OnLimit)
	}
	if c.UpdateAge < 0 {
		return errors.New("update age must not be negative")
	}
	return nil
}
