// Package session holds the session model and its durable registry.
package session

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a browser session.
type Status string

const (
	Pending Status = "pending"
	Running Status = "running"
	Stopped Status = "stopped"
	Error   Status = "error"
)

var ErrNotFound = errors.New("session not found")
var ErrBadTransition = errors.New("illegal status transition")
var ErrUnknownBrowser = errors.New("unknown browser variant")

// CanTransition tells if a status change is legal.
// Stopped and Error are terminal.
func (s Status) CanTransition(to Status) bool {
	if s == to {
		return true
	}
	switch s {
	case Pending:
		return to == Running || to == Stopped || to == Error
	case Running:
		return to == Stopped || to == Error
	}
	return false
}

func (s Status) Terminal() bool { return s == Stopped || s == Error }

// Session is one end-to-end unit of work: one container, one
// framebuffer connection, one streaming peer, one user.
type Session struct {
	ID           string    `json:"session_id"`
	Browser      string    `json:"browser_type"`
	Status       Status    `json:"status"`
	ContainerID  string    `json:"container_id,omitempty"`
	Endpoint     string    `json:"endpoint,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"-"`
}

// Container is the environment record paired with a session.
type Container struct {
	ID          string    `json:"container_id"`
	SessionID   string    `json:"session_id"`
	Browser     string    `json:"browser_type"`
	Status      string    `json:"status"`
	VncPort     int       `json:"vnc_port"`
	CpuUsage    int64     `json:"cpu_usage"`
	MemoryUsage int64     `json:"memory_usage"`
	CreatedAt   time.Time `json:"created_at"`
	LastHealth  time.Time `json:"last_health_check"`
}

var browsers = map[string]struct{}{"chrome": {}, "firefox": {}, "edge": {}}

// KnownBrowser reports whether the variant tag has a container image.
func KnownBrowser(variant string) bool {
	_, ok := browsers[variant]
	return ok
}
