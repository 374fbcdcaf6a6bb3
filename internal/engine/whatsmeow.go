package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	qrCode "github.com/skip2/go-qrcode"
	"google.golang.org/protobuf/proto"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/mkarsa/wa-dispatch-gateway/pkg/env"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/log"
)

const (
	logoutRequestTimeout = 30 * time.Second
	eventBufferSize      = 64
)

// NewWhatsmeowFactory opens the shared whatsmeow datastore and returns a
// Factory producing one whatsmeow client per session key. The datastore is
// process-wide; each session gets its own device row inside it.
func NewWhatsmeowFactory(ctx context.Context) (Factory, error) {
	driver, err := env.GetEnvString("WHATSAPP_DATASTORE_TYPE")
	if err != nil {
		return nil, fmt.Errorf("parsing WHATSAPP_DATASTORE_TYPE: %w", err)
	}
	dsn, err := env.GetEnvString("WHATSAPP_DATASTORE_URI")
	if err != nil {
		return nil, fmt.Errorf("parsing WHATSAPP_DATASTORE_URI: %w", err)
	}

	driver = normalizeDatastoreDriver(driver)
	dsn = normalizeDatastoreDSN(driver, dsn)

	log.Print(nil).Info("Initializing WhatsApp datastore with driver=" + driver)

	container, err := sqlstore.New(ctx, driver, dsn, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing whatsmeow datastore: %w", err)
	}
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("upgrading whatsmeow datastore schema: %w", err)
	}

	proxyURL, _ := env.GetEnvString("WHATSAPP_CLIENT_PROXY_URL")

	return func(key string, dataDir string) (Client, error) {
		return newWhatsmeowClient(key, container, proxyURL), nil
	}, nil
}

func normalizeDatastoreDriver(driver string) string {
	switch strings.ToLower(driver) {
	case "postgresql", "postgres", "pgx":
		return "pgx"
	default:
		return strings.ToLower(driver)
	}
}

func normalizeDatastoreDSN(driver string, dsn string) string {
	if driver != "pgx" {
		return dsn
	}
	appendParam := func(current string, key string, value string) string {
		if strings.Contains(current, key+"=") {
			return current
		}
		separator := "?"
		if strings.Contains(current, "?") {
			if strings.HasSuffix(current, "?") || strings.HasSuffix(current, "&") {
				separator = ""
			} else {
				separator = "&"
			}
		}
		return current + separator + key + "=" + value
	}
	dsn = appendParam(dsn, "prefer_simple_protocol", "true")
	dsn = appendParam(dsn, "statement_cache_capacity", "0")
	dsn = appendParam(dsn, "default_query_exec_mode", "simple_protocol")
	return dsn
}

type whatsmeowClient struct {
	key       string
	container *sqlstore.Container
	proxyURL  string

	mu        sync.Mutex
	client    *whatsmeow.Client
	events    chan Event
	destroyed bool
}

func newWhatsmeowClient(key string, container *sqlstore.Container, proxyURL string) *whatsmeowClient {
	return &whatsmeowClient{
		key:       key,
		container: container,
		proxyURL:  proxyURL,
		events:    make(chan Event, eventBufferSize),
	}
}

func (w *whatsmeowClient) Initialize(ctx context.Context) error {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return errors.New("engine client already destroyed")
	}
	if w.client == nil {
		device := w.container.NewDevice()

		store.DeviceProps.Os = proto.String(runtime.GOOS)
		store.DeviceProps.PlatformType = waCompanionReg.DeviceProps_CHROME.Enum()
		store.DeviceProps.RequireFullSync = proto.Bool(false)

		client := whatsmeow.NewClient(device, nil)
		if len(w.proxyURL) > 0 {
			client.SetProxyAddress(w.proxyURL)
		}
		client.EnableAutoReconnect = true
		client.AutoTrustIdentity = true
		client.AddEventHandler(w.handleEvent)

		w.client = client
	}
	client := w.client
	w.mu.Unlock()

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			return err
		}
		if err := client.Connect(); err != nil {
			return err
		}
		go w.forwardQRChannel(qrChan)
		return nil
	}

	return client.Connect()
}

// forwardQRChannel turns whatsmeow QR channel items into engine events. The
// channel delivers a fresh code roughly every short interval until scanned,
// a success marker, or a terminal error.
func (w *whatsmeowClient) forwardQRChannel(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch {
		case evt.Event == "code":
			qrPNG, err := qrCode.Encode(evt.Code, qrCode.Medium, 256)
			if err != nil {
				w.emit(Event{Kind: KindAuthFailure, Reason: "qr encode failed: " + err.Error()})
				return
			}
			w.emit(Event{
				Kind:   KindQR,
				QRCode: "data:image/png;base64," + base64.StdEncoding.EncodeToString(qrPNG),
			})
		case evt.Event == whatsmeow.QRChannelSuccess.Event:
			// PairSuccess arrives separately via the event handler.
			return
		case evt.Event == whatsmeow.QRChannelTimeout.Event:
			w.emit(Event{Kind: KindAuthFailure, Reason: "qr pairing timed out"})
			return
		case evt.Event == "error":
			reason := "qr channel error"
			if evt.Error != nil {
				reason = evt.Error.Error()
			}
			w.emit(Event{Kind: KindAuthFailure, Reason: reason})
			return
		default:
			w.emit(Event{Kind: KindAuthFailure, Reason: "qr pairing failed: " + evt.Event})
			return
		}
	}
}

func (w *whatsmeowClient) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		w.emit(Event{
			Kind: KindAuthenticated,
			Account: &AccountInfo{
				Phone:    e.ID.User,
				Name:     e.BusinessName,
				Platform: e.Platform,
			},
		})
	case *events.Connected:
		w.emit(Event{Kind: KindReady, Account: w.accountInfo()})
	case *events.LoggedOut:
		w.emit(Event{Kind: KindAuthFailure, Reason: fmt.Sprintf("logged out by platform: %s", e.Reason)})
	case *events.StreamReplaced:
		w.emit(Event{Kind: KindAuthFailure, Reason: "stream replaced by another connection"})
	case *events.Disconnected:
		w.emit(Event{Kind: KindDisconnected, Reason: "connection lost"})
	case *events.ConnectFailure:
		w.emit(Event{Kind: KindDisconnected, Reason: fmt.Sprintf("connect failure: %s", e.Reason)})
	case *events.TemporaryBan:
		w.emit(Event{Kind: KindDisconnected, Reason: fmt.Sprintf("temporarily banned: %s until %s", e.Code, e.Expire)})
	case *events.KeepAliveTimeout:
		log.SessionOp(w.key, "keepalive").Warn(fmt.Sprintf("keepalive timeout, errors=%d", e.ErrorCount))
	case *events.Message:
		if e.Message.GetConversation() != "" {
			w.emit(Event{
				Kind: KindMessage,
				From: e.Info.Sender.String(),
				Body: e.Message.GetConversation(),
			})
		}
	}
}

func (w *whatsmeowClient) accountInfo() *AccountInfo {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()
	if client == nil || client.Store.ID == nil {
		return nil
	}
	return &AccountInfo{
		Phone:    client.Store.ID.User,
		Name:     client.Store.PushName,
		Platform: client.Store.Platform,
	}
}

// emit never blocks: a slow consumer drops the oldest pending event.
func (w *whatsmeowClient) emit(evt Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.destroyed {
		return
	}
	evt.Time = time.Now()
	select {
	case w.events <- evt:
	default:
		select {
		case <-w.events:
		default:
		}
		select {
		case w.events <- evt:
		default:
		}
	}
}

func (w *whatsmeowClient) Send(ctx context.Context, destination string, body string) (string, error) {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()
	if client == nil {
		return "", errors.New("engine client is not initialized")
	}
	if !client.IsConnected() || !client.IsLoggedIn() {
		return "", errors.New("engine client is not connected and logged in")
	}

	remoteJID, err := composeJID(destination)
	if err != nil {
		return "", err
	}

	msgExtra := whatsmeow.SendRequestExtra{ID: client.GenerateMessageID()}
	msgContent := &waE2E.Message{
		Conversation: proto.String(body),
	}
	if _, err := client.SendMessage(ctx, remoteJID, msgContent, msgExtra); err != nil {
		return "", err
	}
	return string(msgExtra.ID), nil
}

func (w *whatsmeowClient) Logout(ctx context.Context) error {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()
	if client == nil {
		return errors.New("engine client is not initialized")
	}
	if client.Store.ID == nil {
		return nil
	}

	logoutCtx, cancel := context.WithTimeout(ctx, logoutRequestTimeout)
	defer cancel()

	if err := client.Logout(logoutCtx); err != nil {
		// Platform refused or unreachable: drop local credentials so the next
		// cycle starts a fresh pairing instead of looping on dead state.
		client.Disconnect()
		return client.Store.Delete(logoutCtx)
	}
	return nil
}

func (w *whatsmeowClient) Destroy() {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return
	}
	w.destroyed = true
	client := w.client
	events := w.events
	w.mu.Unlock()

	if client != nil {
		client.RemoveEventHandlers()
		client.Disconnect()
	}
	close(events)
}

func (w *whatsmeowClient) State() State {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()
	switch {
	case client == nil || !client.IsConnected():
		return StateDisconnected
	case client.IsLoggedIn():
		return StateLoggedIn
	default:
		return StateConnected
	}
}

func (w *whatsmeowClient) Events() <-chan Event {
	return w.events
}

// composeJID normalizes a destination identifier ("+628123...", bare number,
// or full JID) into a whatsmeow JID.
func composeJID(id string) (types.JID, error) {
	if strings.ContainsRune(id, '@') {
		if parsed, err := types.ParseJID(id); err == nil && parsed.Server != "" {
			return parsed, nil
		}
	}
	id = decomposeJID(id)
	if id == "" {
		return types.EmptyJID, errors.New("destination is empty")
	}
	if strings.ContainsRune(id, '-') || len(id) >= 18 {
		return types.NewJID(id, types.GroupServer), nil
	}
	return types.NewJID(id, types.DefaultUserServer), nil
}

func decomposeJID(id string) string {
	if strings.ContainsRune(id, '@') {
		buffers := strings.Split(id, "@")
		id = buffers[0]
	}
	if len(id) > 0 && id[0] == '+' {
		id = id[1:]
	}
	return strings.TrimSpace(id)
}
