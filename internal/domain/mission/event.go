package mission

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle notification.
type EventType string

const (
	EventStarted    EventType = "mission.started"
	EventPhase      EventType = "mission.phase"
	EventAckDropped EventType = "mission.ack_dropped"
	EventCompleted  EventType = "mission.completed"
	EventEnded      EventType = "mission.ended"
)

// Event is fanned out to observers of mission sessions.
type Event struct {
	EventID      string    `json:"eventId"`
	Type         EventType `json:"type"`
	ConnectionID string    `json:"connectionId"`
	Sequence     uint64    `json:"sequence"`
	Phase        string    `json:"phase"`
	MissionFile  string    `json:"missionFile,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewEvent builds an event from the current session state.
func NewEvent(t EventType, s Session) *Event {
	return &Event{
		EventID:      uuid.New().String(),
		Type:         t,
		ConnectionID: s.ConnectionID,
		Sequence:     s.Sequence,
		Phase:        s.Phase.String(),
		MissionFile:  s.MissionFile,
		Timestamp:    time.Now().UTC(),
	}
}

// Subscriber is an observer attached to the event stream.
type Subscriber struct {
	SubscriberID string
	ConnectionID *string
	ConnectedAt  time.Time
	MessageChan  chan *Event
}

// NewSubscriber creates a subscriber, optionally scoped to one connection.
func NewSubscriber(subscriberID string, connectionID *string) *Subscriber {
	return &Subscriber{
		SubscriberID: subscriberID,
		ConnectionID: connectionID,
		ConnectedAt:  time.Now().UTC(),
		MessageChan:  make(chan *Event, 100),
	}
}

// Wants reports whether the subscriber should receive evt.
func (s *Subscriber) Wants(evt *Event) bool {
	return s.ConnectionID == nil || *s.ConnectionID == evt.ConnectionID
}

// Close closes the subscriber's message channel
func (s *Subscriber) Close() {
	close(s.MessageChan)
}
