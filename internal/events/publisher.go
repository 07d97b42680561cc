package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"
)

// Publisher is an in-process event bus with typed envelopes. Emit fans out
// to subscriber channels without blocking; a subscriber that falls behind
// loses events rather than stalling the pipeline.
type Publisher struct {
	source string
	logger *slog.Logger

	subMu       sync.RWMutex
	subscribers map[string]chan Envelope
	closed      bool
}

// NewPublisher creates a publisher whose envelopes carry the given source name.
func NewPublisher(source string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		source:      source,
		logger:      logger,
		subscribers: make(map[string]chan Envelope),
	}
}

// Emit publishes a typed event to all local subscribers.
func (p *Publisher) Emit(eventType EventType, meetingID string, data interface{}) error {
	envelope := Envelope{
		ID:        xid.New().String(),
		Type:      eventType,
		Source:    p.source,
		MeetingID: meetingID,
		Timestamp: time.Now().UTC(),
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	envelope.Data = raw

	p.subMu.RLock()
	defer p.subMu.RUnlock()

	if p.closed {
		return nil
	}
	for id, ch := range p.subscribers {
		select {
		case ch <- envelope:
		default:
			p.logger.Warn("Event dropped: subscriber buffer full",
				slog.String("subscriber", id),
				slog.String("event_type", string(eventType)))
		}
	}
	return nil
}

// Subscribe creates a local subscription identified by id. The caller must
// call Unsubscribe with the same id to clean up.
func (p *Publisher) Subscribe(id string, bufSize int) <-chan Envelope {
	if bufSize <= 0 {
		bufSize = 64
	}
	ch := make(chan Envelope, bufSize)

	p.subMu.Lock()
	defer p.subMu.Unlock()

	if p.closed {
		close(ch)
		return ch
	}
	if old, ok := p.subscribers[id]; ok {
		close(old)
	}
	p.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (p *Publisher) Unsubscribe(id string) {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	if ch, ok := p.subscribers[id]; ok {
		close(ch)
		delete(p.subscribers, id)
	}
}

// Close shuts the bus down, closing every subscriber channel. Emit becomes
// a no-op afterwards.
func (p *Publisher) Close() {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.subscribers {
		close(ch)
		delete(p.subscribers, id)
	}
}
