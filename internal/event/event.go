package event

import (
	"time"
)

// Topic names a category of realtime events. Subscribers filter on these.
type Topic string

const (
	TopicSessionState         Topic = "session_state"
	TopicQRCode               Topic = "qr_code"
	TopicQRMaxRetries         Topic = "qr_max_retries"
	TopicSessionAuthenticated Topic = "session_authenticated"
	TopicClientReady          Topic = "client_ready"
	TopicClientDisconnected   Topic = "client_disconnected"
	TopicAuthFailure          Topic = "auth_failure"
	TopicJobQueued            Topic = "job_queued"
	TopicJobProgress          Topic = "job_progress"
	TopicJobCompleted         Topic = "job_completed"
	TopicJobFailed            Topic = "job_failed"
	TopicMessageSent          Topic = "message_sent"
	TopicMessageFailed        Topic = "message_failed"
)

// TopicAll subscribes a connection to every topic.
const TopicAll = "all"

// Envelope is the wire shape pushed to every subscriber.
type Envelope struct {
	Type      Topic       `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Sink receives events from the lifecycle manager, dispatch pipeline and job
// queue. The event bridge implements it; tests substitute a recorder.
type Sink interface {
	Broadcast(topic Topic, data interface{})
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Broadcast(Topic, interface{}) {}

// Fanout delivers every event to each of its sinks in order. Sinks must not
// block; slow consumers buffer or drop internally.
type Fanout []Sink

func (f Fanout) Broadcast(topic Topic, data interface{}) {
	for _, sink := range f {
		sink.Broadcast(topic, data)
	}
}

// Payload types form a closed set so the bridge fans out without inspecting
// untyped data.

type SessionState struct {
	Key       string `json:"key"`
	Status    string `json:"status"`
	Ready     bool   `json:"ready"`
	Phone     string `json:"phone,omitempty"`
	Name      string `json:"name,omitempty"`
	Platform  string `json:"platform,omitempty"`
	HasQR     bool   `json:"has_qr"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type QRCode struct {
	Key        string `json:"key"`
	QR         string `json:"qr"`
	Attempt    int    `json:"attempt"`
	MaxAttempt int    `json:"max_attempt"`
	ExpiresIn  int    `json:"expires_in_seconds"`
}

type QRMaxRetries struct {
	Key            string `json:"key"`
	Attempts       int    `json:"attempts"`
	ElapsedSeconds int64  `json:"elapsed_seconds"`
}

type JobProgress struct {
	JobID     string `json:"job_id"`
	Key       string `json:"key"`
	Progress  int    `json:"progress"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Status    string `json:"status"`
}

type MessageOutcome struct {
	Key       string `json:"key"`
	JobID     string `json:"job_id,omitempty"`
	To        string `json:"to"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}
