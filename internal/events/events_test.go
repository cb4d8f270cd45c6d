package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	subjects []string
	payloads [][]byte
	err      error
	drainErr error
	drained  bool
	closed   bool

	// done is closed shortly after Drain, as the client does once the
	// flush completes. Nil leaves the drain hanging.
	done chan struct{}
}

func (c *recordingConn) Publish(subj string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subj)
	c.payloads = append(c.payloads, data)
	return nil
}

func (c *recordingConn) Drain() error {
	c.drained = true
	if c.drainErr != nil {
		return c.drainErr
	}
	if c.done != nil {
		go func() {
			time.Sleep(20 * time.Millisecond)
			close(c.done)
		}()
	}
	return nil
}

func (c *recordingConn) Close() { c.closed = true }

func TestNATSPublisherPublishesJSON(t *testing.T) {
	rc := &recordingConn{done: make(chan struct{})}
	p := newPublisher(rc, "", rc.done)
	assert.Equal(t, DefaultSubject, p.Subject())

	evt := AnalysisEvent{
		ID:          "evt-1",
		ServerID:    "vm-1",
		Fingerprint: "abc",
		Provider:    "local",
		Outliers:    2,
		HighBands:   []string{"cpu.usage.average"},
		GeneratedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.Publish(context.Background(), evt))

	require.Len(t, rc.payloads, 1)
	assert.Equal(t, DefaultSubject, rc.subjects[0])
	assert.Contains(t, string(rc.payloads[0]), `"server_id":"vm-1"`)

	got, err := Decode(rc.payloads[0])
	require.NoError(t, err)
	assert.Equal(t, evt, got)

	p.Close()
	assert.True(t, rc.drained)
	assert.False(t, rc.closed, "a completed drain closes the connection itself")
	select {
	case <-rc.done:
	default:
		t.Fatal("Close returned before the drain finished")
	}
}

func TestNATSPublisherCloseForcesAfterTimeout(t *testing.T) {
	rc := &recordingConn{}
	p := newPublisher(rc, "", make(chan struct{}))
	p.drainTimeout = 10 * time.Millisecond

	p.Close()
	assert.True(t, rc.drained)
	assert.True(t, rc.closed)
}

func TestNATSPublisherCloseAfterDrainError(t *testing.T) {
	rc := &recordingConn{drainErr: errors.New("nats: connection closed")}
	p := newPublisher(rc, "", make(chan struct{}))

	p.Close()
	assert.True(t, rc.closed)
}

func TestNATSPublisherErrors(t *testing.T) {
	rc := &recordingConn{err: errors.New("connection closed")}
	p := newPublisher(rc, "custom.subject", nil)

	err := p.Publish(context.Background(), AnalysisEvent{ID: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "custom.subject")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, newPublisher(&recordingConn{}, "s", nil).Publish(ctx, AnalysisEvent{}), context.Canceled)
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), AnalysisEvent{}))
	p.Close()
}

func TestDecodeInvalid(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.Error(t, err)
}
