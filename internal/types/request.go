package types

// RequestCreateSession registers a new managed session.
type RequestCreateSession struct {
	Key      string            `json:"key"`
	Label    string            `json:"label,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RequestRecipient is one destination plus its substitution data.
type RequestRecipient struct {
	To   string            `json:"to"`
	Data map[string]string `json:"data,omitempty"`
}

// RequestDispatch submits a batched send. Mode is optional: "queue" forces
// the durable path, anything else lets the size threshold decide.
type RequestDispatch struct {
	Message    string             `json:"message"`
	Recipients []RequestRecipient `json:"recipients"`
	Mode       string             `json:"mode,omitempty"`
	Priority   int                `json:"priority,omitempty"`
}

// RequestAccessToken mints a JWT bound to one session key.
type RequestAccessToken struct {
	Name       string `json:"name"`
	SessionKey string `json:"session_key"`
}

// ResponseCreateSession carries the new session plus its access token.
type ResponseCreateSession struct {
	Key         string `json:"key"`
	Status      string `json:"status"`
	AccessToken string `json:"access_token"`
}

// ResponseQR is the active pairing challenge for one session.
type ResponseQR struct {
	Key      string `json:"key"`
	QR       string `json:"qr"`
	Attempts int    `json:"attempts"`
	Max      int    `json:"max_attempts"`
}

// ResponseStats is the admin overview.
type ResponseStats struct {
	Sessions      []SessionStat `json:"sessions"`
	SessionCount  int           `json:"session_count"`
	BridgeClients int           `json:"bridge_clients"`
	QueuePaused   bool          `json:"queue_paused"`
	UptimeSeconds int64         `json:"uptime_seconds"`
}

type SessionStat struct {
	Key    string `json:"key"`
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
}
