package supervisor

import (
	"fmt"
	"time"

	"github.com/mcphost/mcphost/pkg/transport"
)

// Status is the lifecycle state of a managed provider.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// Provider describes a configured capability source. The supervisor treats
// Auth as an opaque blob; it is carried for the management surface only.
type Provider struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
	Transport   transport.Kind    `json:"transport_type"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Host        string            `json:"host,omitempty"`
	Port        int               `json:"port,omitempty"`
	Auth        map[string]any    `json:"auth_config,omitempty"`

	// HealthCheckInterval is the minimum gap between liveness probes for
	// this provider. Zero selects the monitor's default.
	HealthCheckInterval time.Duration `json:"-"`

	// AutoRestart enables supervised restarts after failed health checks,
	// bounded by MaxRestarts per failure streak.
	AutoRestart bool `json:"auto_restart,omitempty"`
	MaxRestarts int  `json:"max_restarts,omitempty"`
}

// Validate checks the fields the provider's transport kind requires.
func (p Provider) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("supervisor: provider missing id")
	}
	switch p.Transport {
	case transport.KindStdio:
		if p.Command == "" {
			return fmt.Errorf("supervisor: provider %q: stdio transport requires a command", p.ID)
		}
	case transport.KindHTTP, transport.KindSSE, transport.KindStreamableHTTP:
		if p.Host == "" || p.Port == 0 {
			return fmt.Errorf("supervisor: provider %q: %s transport requires host and port", p.ID, p.Transport)
		}
	default:
		return fmt.Errorf("supervisor: provider %q: unsupported transport %q", p.ID, p.Transport)
	}
	return nil
}

// Snapshot is a point-in-time view of a managed provider.
type Snapshot struct {
	Provider        Provider  `json:"provider"`
	Status          Status    `json:"status"`
	RestartCount    int       `json:"restart_count"`
	LastHealthCheck time.Time `json:"last_health_check,omitzero"`
}
