package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Package events publishes analysis outcomes on NATS so other services
// (alerting, dashboards) can react without polling the HTTP API.

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "anomalyd.analysis"

// AnalysisEvent is published after a fresh analysis that found anomalies.
type AnalysisEvent struct {
	ID          string    `json:"id"`
	ServerID    string    `json:"server_id"`
	Fingerprint string    `json:"fingerprint"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Provider    string    `json:"provider"`
	Outliers    int       `json:"outliers"`
	HighBands   []string  `json:"high_bands,omitempty"`
	LowBands    []string  `json:"low_bands,omitempty"`
	Narrative   string    `json:"narrative"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Publisher sends analysis events.
type Publisher interface {
	Publish(ctx context.Context, evt AnalysisEvent) error
	Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(ctx context.Context, evt AnalysisEvent) error { return nil }

func (Nop) Close() {}

// conn is the subset of *nats.Conn the publisher uses.
type conn interface {
	Publish(subj string, data []byte) error
	Drain() error
	Close()
}

// DrainTimeout bounds how long Close waits for buffered messages to flush.
const DrainTimeout = 10 * time.Second

// NATSPublisher publishes JSON-encoded events to one subject.
type NATSPublisher struct {
	conn         conn
	subject      string
	closed       <-chan struct{}
	drainTimeout time.Duration
}

// NewNATSPublisher connects to url.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	closed := make(chan struct{})
	c, err := nats.Connect(url, connectOptions("anomalyd", closed)...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return newPublisher(c, subject, closed), nil
}

func newPublisher(c conn, subject string, closed <-chan struct{}) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{conn: c, subject: subject, closed: closed, drainTimeout: DrainTimeout}
}

// connectOptions names the connection and closes closed once the client
// has fully shut down, which after Drain means pending data was flushed.
func connectOptions(name string, closed chan struct{}) []nats.Option {
	return []nats.Option{
		nats.Name(name),
		nats.DrainTimeout(DrainTimeout),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
	}
}

// drain flushes c and blocks until it reports closed. The connection is
// closed outright when Drain fails or the flush outlasts timeout.
func drain(c conn, closed <-chan struct{}, timeout time.Duration) {
	if err := c.Drain(); err != nil {
		c.Close()
		return
	}
	if closed == nil {
		return
	}
	select {
	case <-closed:
	case <-time.After(timeout):
		c.Close()
	}
}

// Subject returns the subject events are published to.
func (p *NATSPublisher) Subject() string { return p.subject }

func (p *NATSPublisher) Publish(ctx context.Context, evt AnalysisEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	return nil
}

// Close flushes buffered events before releasing the connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		drain(p.conn, p.closed, p.drainTimeout)
	}
}

// Subscriber receives analysis events.
type Subscriber struct {
	Conn   *nats.Conn
	closed chan struct{}
}

// NewSubscriber connects to url.
func NewSubscriber(url string) (*Subscriber, error) {
	closed := make(chan struct{})
	c, err := nats.Connect(url, connectOptions("anomalyd-watch", closed)...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &Subscriber{Conn: c, closed: closed}, nil
}

// Subscribe calls handler for every event on subject. Undecodable messages
// are passed to onError and skipped.
func (s *Subscriber) Subscribe(subject string, handler func(AnalysisEvent), onError func(error)) (*nats.Subscription, error) {
	return s.Conn.Subscribe(subject, func(msg *nats.Msg) {
		evt, err := Decode(msg.Data)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		handler(evt)
	})
}

// Close lets in-flight messages reach their handlers, then disconnects.
func (s *Subscriber) Close() {
	if s.Conn != nil {
		drain(s.Conn, s.closed, DrainTimeout)
	}
}

// Decode parses an event payload.
func Decode(data []byte) (AnalysisEvent, error) {
	var evt AnalysisEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return AnalysisEvent{}, fmt.Errorf("decode event: %w", err)
	}
	return evt, nil
}
