package mission

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Outcome represents how a mission run finished.
type Outcome string

const (
	OutcomeRunning      Outcome = "RUNNING"
	OutcomeCompleted    Outcome = "COMPLETED"
	OutcomeEnded        Outcome = "ENDED"
	OutcomeDisconnected Outcome = "DISCONNECTED"
)

var ErrRunNotFound = errors.New("mission run not found")

// Run is the history record of one mission-loading attempt on a connection.
type Run struct {
	ID           int64      `json:"id"`
	RunID        uuid.UUID  `json:"runId"`
	ConnectionID string     `json:"connectionId"`
	MissionFile  string     `json:"missionFile"`
	Sequence     uint64     `json:"sequence"`
	Outcome      Outcome    `json:"outcome"`
	StartedAt    time.Time  `json:"startedAt"`
	LoadedAt     *time.Time `json:"loadedAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
}

// NewRun creates a running record for a freshly started session.
func NewRun(s Session) *Run {
	started := time.Now().UTC()
	if s.StartedAt != nil {
		started = *s.StartedAt
	}
	return &Run{
		RunID:        uuid.New(),
		ConnectionID: s.ConnectionID,
		MissionFile:  s.MissionFile,
		Sequence:     s.Sequence,
		Outcome:      OutcomeRunning,
		StartedAt:    started,
	}
}
