package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mkarsa/wa-dispatch-gateway/internal/event"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/env"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/log"
)

// Forwarder POSTs realtime events to a configured HTTP endpoint, signed with
// an HMAC so the receiver can verify origin. It implements event.Sink next to
// the WebSocket bridge for consumers that cannot hold a socket open.
type Forwarder struct {
	endpoint   string
	secret     string
	topics     map[string]struct{}
	httpClient *http.Client
	queue      chan event.Envelope
	retryLimit int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFromEnv builds a forwarder from WEBHOOK_URL, WEBHOOK_SECRET and
// WEBHOOK_TOPICS (comma separated, empty means every topic). Returns nil when
// no endpoint is configured; callers treat a nil forwarder as disabled.
func NewFromEnv() *Forwarder {
	endpoint := env.GetEnvStringOrDefault("WEBHOOK_URL", "")
	if endpoint == "" {
		return nil
	}
	if err := validateURL(endpoint); err != nil {
		log.SysErr("wh-config", err)
		return nil
	}

	workers := env.GetEnvIntOrDefault("WEBHOOK_WORKERS", 4)
	retryLimit := env.GetEnvIntOrDefault("WEBHOOK_RETRY_LIMIT", 3)

	topics := make(map[string]struct{})
	for _, topic := range strings.Split(env.GetEnvStringOrDefault("WEBHOOK_TOPICS", ""), ",") {
		topic = strings.TrimSpace(topic)
		if topic != "" {
			topics[topic] = struct{}{}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Forwarder{
		endpoint:   endpoint,
		secret:     env.GetEnvStringOrDefault("WEBHOOK_SECRET", ""),
		topics:     topics,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan event.Envelope, 1000),
		retryLimit: retryLimit,
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := 0; i < workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
	log.Evt("wh", "enabled", "workers", fmt.Sprint(workers))
	return f
}

// Broadcast implements event.Sink. Enqueue only, never blocks a producer.
func (f *Forwarder) Broadcast(topic event.Topic, data interface{}) {
	if len(f.topics) > 0 {
		if _, ok := f.topics[string(topic)]; !ok {
			return
		}
	}
	envelope := event.Envelope{Type: topic, Data: data, Timestamp: time.Now().UTC()}
	select {
	case f.queue <- envelope:
	default:
		log.Evt("wh", "queue-full", "topic", string(topic))
	}
}

func (f *Forwarder) Shutdown() {
	f.cancel()
	close(f.queue)
	f.wg.Wait()
}

func (f *Forwarder) worker() {
	defer f.wg.Done()
	for {
		select {
		case <-f.ctx.Done():
			return
		case envelope, ok := <-f.queue:
			if !ok {
				return
			}
			f.deliver(envelope)
		}
	}
}

func (f *Forwarder) deliver(envelope event.Envelope) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		log.SysErr("wh-marshal", err)
		return
	}
	signature := f.sign(payload)

	var lastErr error
	for attempt := 1; attempt <= f.retryLimit; attempt++ {
		req, err := http.NewRequestWithContext(f.ctx, "POST", f.endpoint, bytes.NewReader(payload))
		if err != nil {
			lastErr = err
			break
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Webhook-Signature", signature)
		req.Header.Set("X-Hub-Signature-256", signature)
		req.Header.Set("X-Webhook-Event", string(envelope.Type))
		req.Header.Set("User-Agent", "WA-Dispatch-Gateway/1.0")

		resp, err := f.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < f.retryLimit {
				time.Sleep(time.Duration(attempt*2) * time.Second)
			}
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
		if attempt < f.retryLimit {
			time.Sleep(time.Duration(attempt*2) * time.Second)
		}
	}
	if lastErr != nil {
		log.Evt("wh", "delivery-failed", "topic", string(envelope.Type), "error", lastErr.Error())
	}
}

func (f *Forwarder) sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(f.secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("endpoint has no host")
	}
	return nil
}
