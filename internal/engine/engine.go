package engine

import (
	"context"
	"time"
)

// State is the coarse connection state an engine reports on demand.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateLoggedIn     State = "logged_in"
)

// AccountInfo describes the platform account an engine is bound to once
// authenticated.
type AccountInfo struct {
	Phone    string `json:"phone"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
}

// Kind tags the closed set of events an engine emits.
type Kind string

const (
	KindQR            Kind = "qr"
	KindAuthenticated Kind = "authenticated"
	KindAuthFailure   Kind = "auth_failure"
	KindReady         Kind = "ready"
	KindDisconnected  Kind = "disconnected"
	KindMessage       Kind = "message"
)

// Event is the typed ingress the lifecycle manager consumes. The external
// engine's ad hoc callbacks are translated into this union so internal state
// transitions never depend on the engine's exact event names.
type Event struct {
	Kind    Kind
	QRCode  string       // KindQR: renderable QR payload (PNG data URI)
	Account *AccountInfo // KindAuthenticated / KindReady
	Reason  string       // KindAuthFailure / KindDisconnected
	From    string       // KindMessage
	Body    string       // KindMessage
	Time    time.Time
}

// Client drives one authenticated connection to the external chat platform.
// Implementations must be safe for concurrent use; Events must be closed by
// Destroy and never block the emitter (drop, do not stall).
type Client interface {
	// Initialize starts the connection attempt. For an unauthenticated
	// account this begins the QR pairing flow; QR codes arrive as events.
	Initialize(ctx context.Context) error

	// Send delivers one message and returns the provider-assigned message id.
	Send(ctx context.Context, destination string, body string) (string, error)

	// Logout unlinks the account on the platform side.
	Logout(ctx context.Context) error

	// Destroy tears down the connection and closes the event channel.
	// Idempotent.
	Destroy()

	State() State
	Events() <-chan Event
}

// Factory creates one engine client for a session key. dataDir is the
// session's isolated working directory for authentication artifacts.
type Factory func(key string, dataDir string) (Client, error)
