// Package bus carries gateway events over NATS as JSON messages.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/soullab/kernel-gateway/core/infra/logging"
)

const (
	// SubjectMemoryPrefix prefixes every memory event subject.
	SubjectMemoryPrefix  = "sys.memory."
	SubjectMemorySaved   = "sys.memory.saved"
	SubjectMemoryDeleted = "sys.memory.deleted"
	// SubjectMemoryAll matches every memory event.
	SubjectMemoryAll = "sys.memory.>"

	envUseJetStream = "NATS_USE_JETSTREAM"
	envJSMaxAge     = "NATS_JS_MAX_AGE"

	defaultMaxAge = 7 * 24 * time.Hour
	streamMemory  = "KERNEL_GATEWAY_MEMORY"
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errEmptyTopic = errors.New("empty subject")
)

// NatsBus publishes and subscribes to JSON events.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNatsBus dials NATS at url. TLS and JetStream are configured from env.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("kernel-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "nats connection closed")
		}),
	}
	tlsCfg, err := natsTLSConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("nats tls: %w", err)
	}
	if tlsCfg != nil {
		opts = append(opts, nats.Secure(tlsCfg))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	b := &NatsBus{nc: nc}
	b.initJetStreamFromEnv()
	return b, nil
}

// PublishJSON encodes v and publishes it on subject. Memory subjects go
// through JetStream when it is enabled.
func (b *NatsBus) PublishJSON(subject string, v any) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if strings.TrimSpace(subject) == "" {
		return errEmptyTopic
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if b.jsEnabled && isDurableSubject(subject) {
		_, err = b.js.Publish(subject, data)
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe delivers raw message bodies on subject to handler. Handler errors
// are logged; delivery is at-most-once.
func (b *NatsBus) Subscribe(subject string, handler func(subject string, data []byte) error) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if strings.TrimSpace(subject) == "" {
		return errEmptyTopic
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		if err := handler(msg.Subject, msg.Data); err != nil {
			logging.Error("bus", "handler error", "subject", msg.Subject, "error", err)
		}
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Close drains subscriptions and closes the connection.
func (b *NatsBus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()
	b.nc.Close()
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func initJetStreamEnabled() bool {
	return parseBool(os.Getenv(envUseJetStream))
}

func jetStreamMaxAge() time.Duration {
	if v := strings.TrimSpace(os.Getenv(envJSMaxAge)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return defaultMaxAge
}

func (b *NatsBus) initJetStreamFromEnv() {
	if b == nil || b.nc == nil || !initJetStreamEnabled() {
		return
	}
	js, err := b.nc.JetStream()
	if err != nil {
		logging.Warn("bus", "jetstream init failed", "error", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		logging.Warn("bus", "jetstream not available", "error", err)
		return
	}
	maxAge := jetStreamMaxAge()
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      streamMemory,
		Subjects:  []string{SubjectMemoryAll},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		// Stream may already exist; treat that as success.
		if _, infoErr := js.StreamInfo(streamMemory); infoErr != nil {
			logging.Warn("bus", "jetstream ensure stream failed", "stream", streamMemory, "error", err)
			return
		}
	}
	b.js = js
	b.jsEnabled = true
	logging.Info("bus", "jetstream enabled", "stream", streamMemory, "max_age", maxAge)
}

func isDurableSubject(subject string) bool {
	return strings.HasPrefix(subject, SubjectMemoryPrefix)
}
