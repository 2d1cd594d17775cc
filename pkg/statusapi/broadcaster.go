package statusapi

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/proxyd/pkg/connstate"
)

// EventBroadcaster fans daemon events out to every /events subscriber. It
// is a connstate.Listener so it can be registered on the supervisor.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64

	// LineFilter, when set, rewrites log lines before they are sent
	LineFilter func(string) string
}

// NewEventBroadcaster creates a broadcaster over clients
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

func (b *EventBroadcaster) OnStateChanged(state connstate.State) {
	b.Broadcast(EventState, StateData{State: state.String()})
}

func (b *EventBroadcaster) OnLogLine(line string) {
	if b.LineFilter != nil {
		line = b.LineFilter(line)
	}
	b.Broadcast(EventLog, LogData{Line: line})
}

// Broadcast sends an event to all subscribers
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	frame, err := b.frame(event, data)
	if err != nil {
		b.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal event")
		return
	}

	clients := b.clients.GetAll()
	if len(clients) == 0 {
		return
	}

	dropped := 0
	for _, client := range clients {
		if !client.enqueue(frame) {
			dropped++
		}
	}

	if dropped > 0 {
		b.logger.Warn().
			Str("event", event).
			Int("dropped", dropped).
			Int("clients", len(clients)).
			Msg("Event dropped for slow subscribers")
	}
}

// sendTo queues an event for a single client
func (b *EventBroadcaster) sendTo(client *Client, event string, data interface{}) {
	frame, err := b.frame(event, data)
	if err != nil {
		b.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal event")
		return
	}
	client.enqueue(frame)
}

func (b *EventBroadcaster) frame(event string, data interface{}) ([]byte, error) {
	return json.Marshal(EventMessage{
		Event:     event,
		Seq:       int64(atomic.AddUint64(&b.seq, 1)),
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}
