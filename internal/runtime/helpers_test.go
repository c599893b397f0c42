package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/gpsflow/internal/runtime/config"
	errspkg "github.com/drblury/gpsflow/internal/runtime/errors"
	"github.com/drblury/gpsflow/internal/runtime/gps"
	loggingpkg "github.com/drblury/gpsflow/internal/runtime/logging"
	"github.com/drblury/gpsflow/internal/runtime/store"
)

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

type testPublisher struct {
	mu        sync.Mutex
	published []*message.Message
	topics    []string
	err       error
	calls     int
	block     chan struct{}
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return p.err
	}
	for _, m := range messages {
		p.topics = append(p.topics, topic)
		p.published = append(p.published, m)
	}
	return nil
}

func (p *testPublisher) Close() error { return nil }

func (p *testPublisher) Messages() []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.published...)
}

func (p *testPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

func (p *testPublisher) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type testSubscriber struct {
	err error
}

func (s *testSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (s *testSubscriber) Close() error { return nil }

// memStore is an in-memory storage gateway and dead-letter sink.
type memStore struct {
	mu          sync.Mutex
	records     []gps.Record
	nextID      int64
	insertErr   error
	purgeErr    error
	deadLetters []gps.DeadLetterEvent
	sinkErr     error
	closed      bool
}

var (
	_ store.Gateway  = (*memStore)(nil)
	_ DeadLetterSink = (*memStore)(nil)
)

func (m *memStore) Insert(_ context.Context, rec gps.Record) (gps.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return gps.Record{}, m.insertErr
	}
	m.nextID++
	rec.ID = m.nextID
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *memStore) Get(_ context.Context, id int64) (gps.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID == id {
			return r, nil
		}
	}
	return gps.Record{}, errspkg.ErrRecordNotFound
}

func (m *memStore) List(_ context.Context) ([]gps.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gps.Record{}, m.records...), nil
}

func (m *memStore) ListByPublisher(_ context.Context, publisherID string) ([]gps.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []gps.Record{}
	for _, r := range m.records {
		if r.PublisherID == publisherID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.records {
		if r.ID == id {
			m.records = append(m.records[:i], m.records[i+1:]...)
			return nil
		}
	}
	return errspkg.ErrRecordNotFound
}

func (m *memStore) DeleteOlderThan(_ context.Context, cutoff gps.LocalTime) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.purgeErr != nil {
		return 0, m.purgeErr
	}
	kept := m.records[:0]
	var deleted int64
	for _, r := range m.records {
		if r.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return deleted, nil
}

func (m *memStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memStore) RecordDeadLetter(_ context.Context, ev gps.DeadLetterEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sinkErr != nil {
		return m.sinkErr
	}
	m.deadLetters = append(m.deadLetters, ev)
	return nil
}

func (m *memStore) Records() []gps.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gps.Record(nil), m.records...)
}

func (m *memStore) DeadLetters() []gps.DeadLetterEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gps.DeadLetterEvent(nil), m.deadLetters...)
}

func validEnvelope() gps.IngestEnvelope {
	return gps.IngestEnvelope{
		PublisherID: "pub123",
		GpsSample: &gps.GpsSample{
			Latitude:  gps.Float(10.0),
			Longitude: gps.Float(20.0),
			Height:    gps.Float(50.0),
			Timestamp: "2023-10-27T10:15:30",
		},
	}
}

// testConfig returns a valid configuration for the in-process transport.
func testConfig() *configpkg.Config {
	cfg := configpkg.Default()
	cfg.PubSubSystem = "channel"
	cfg.SQLiteFile = ":memory:"
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = 5 * time.Millisecond
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg
}
