// Package tunnel exposes the local server through a public URL. Providers
// are external collaborators behind a capability interface.
package tunnel

import "time"

// Status of a tunnel provider.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Info describes the current tunnel.
type Info struct {
	URL         string    `json:"url"`
	Status      Status    `json:"status"`
	ConnectedAt time.Time `json:"connectedAt,omitempty"`
	Error       string    `json:"error,omitempty"`
	LocalURL    string    `json:"localUrl"`
}

// Provider is the capability the server programs against.
type Provider interface {
	// Start brings the tunnel up toward the given local port. It
	// returns once the connection attempt is underway; readiness is
	// observable via Info.
	Start(localPort int) error
	// Stop tears the tunnel down.
	Stop() error
	// PublicURL is the current public URL, empty until connected.
	PublicURL() string
	// Info reports the current state.
	Info() Info
}
