package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the single gateway protocol revision this client speaks.
// The connect request advertises it as both minProtocol and maxProtocol.
const Version = 3

// ConnectHello is the payload of the first successful response on a
// connection. Open-ended sections stay as AnyValue maps so unknown server
// fields survive a round trip.
type ConnectHello struct {
	Protocol      int                 `json:"protocol"`
	Server        map[string]AnyValue `json:"server"`
	Features      map[string]AnyValue `json:"features,omitempty"`
	Snapshot      *HelloSnapshot      `json:"snapshot,omitempty"`
	CanvasHostURL string              `json:"canvasHostUrl,omitempty"`
	Auth          *IssuedAuth         `json:"auth,omitempty"`
	Policy        map[string]AnyValue `json:"policy"`
}

// HelloSnapshot is the server state snapshot included in the hello.
type HelloSnapshot struct {
	Presence        AnyValue            `json:"presence,omitempty"`
	Health          AnyValue            `json:"health,omitempty"`
	StateVersion    map[string]int64    `json:"stateVersion,omitempty"`
	UptimeMs        int64               `json:"uptimeMs,omitempty"`
	ConfigPath      string              `json:"configPath,omitempty"`
	StateDir        string              `json:"stateDir,omitempty"`
	SessionDefaults map[string]AnyValue `json:"sessionDefaults,omitempty"`
}

// IssuedAuth carries a device token minted by the server during connect.
type IssuedAuth struct {
	DeviceToken string   `json:"deviceToken"`
	Role        string   `json:"role,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
}

// DecodeHello parses a connect response payload.
func DecodeHello(payload json.RawMessage) (*ConnectHello, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("connect hello: empty payload")
	}
	var hello ConnectHello
	if err := json.Unmarshal(payload, &hello); err != nil {
		return nil, fmt.Errorf("connect hello: %w", err)
	}
	return &hello, nil
}

// TickInterval extracts policy.tickIntervalMs. Returns zero when the server
// did not announce one.
func (h *ConnectHello) TickInterval() time.Duration {
	if h == nil || h.Policy == nil {
		return 0
	}
	if ms, ok := h.Policy["tickIntervalMs"].Float(); ok && ms > 0 {
		return time.Duration(ms * float64(time.Millisecond))
	}
	return 0
}
