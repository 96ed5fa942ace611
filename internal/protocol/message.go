package protocol

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_sender.go -package=mocks . Sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mission-sync/mission-sync/internal/domain/mission"
)

// Type tags a command-channel message.
type Type string

const (
	TypePhase1    Type = "MissionStartPhase1"
	TypePhase2    Type = "MissionStartPhase2"
	TypePhase3    Type = "MissionStartPhase3"
	TypePhase1Ack Type = "MissionStartPhase1Ack"
	TypePhase2Ack Type = "MissionStartPhase2Ack"
	TypePhase3Ack Type = "MissionStartPhase3Ack"
	TypeStart     Type = "MissionStart"
	TypeEnd       Type = "MissionEnd"
)

// Direction tells which side may send a message type.
type Direction int

const (
	ServerToClient Direction = iota
	ClientToServer
)

type typeInfo struct {
	phase     mission.Phase
	direction Direction
}

var types = map[Type]typeInfo{
	TypePhase1:    {mission.PhaseDatablocks, ServerToClient},
	TypePhase2:    {mission.PhaseGhosts, ServerToClient},
	TypePhase3:    {mission.PhaseLighting, ServerToClient},
	TypePhase1Ack: {mission.PhaseDatablocks, ClientToServer},
	TypePhase2Ack: {mission.PhaseGhosts, ClientToServer},
	TypePhase3Ack: {mission.PhaseLighting, ClientToServer},
	TypeStart:     {mission.PhaseNone, ServerToClient},
	TypeEnd:       {mission.PhaseNone, ServerToClient},
}

var (
	ErrInvalidMessage = errors.New("invalid command message")
	ErrUnexpectedType = errors.New("unexpected message type")
)

// Message is the tagged envelope carried by the command channel.
type Message struct {
	Type        Type   `json:"type"`
	Seq         uint64 `json:"seq"`
	MissionPath string `json:"missionPath,omitempty"`
}

// Sender is the outbound half of a reliable, ordered command channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Announcement builds the server's start message for a handshake phase.
func Announcement(seq uint64, phase mission.Phase, missionPath string) (Message, error) {
	var t Type
	switch phase {
	case mission.PhaseDatablocks:
		t = TypePhase1
	case mission.PhaseGhosts:
		t = TypePhase2
	case mission.PhaseLighting:
		t = TypePhase3
	default:
		return Message{}, fmt.Errorf("%w: no announcement for phase %s", ErrInvalidMessage, phase)
	}
	return Message{Type: t, Seq: seq, MissionPath: missionPath}, nil
}

// Ack builds the client's acknowledgement for a handshake phase.
func Ack(seq uint64, phase mission.Phase) (Message, error) {
	var t Type
	switch phase {
	case mission.PhaseDatablocks:
		t = TypePhase1Ack
	case mission.PhaseGhosts:
		t = TypePhase2Ack
	case mission.PhaseLighting:
		t = TypePhase3Ack
	default:
		return Message{}, fmt.Errorf("%w: no ack for phase %s", ErrInvalidMessage, phase)
	}
	return Message{Type: t, Seq: seq}, nil
}

// Start builds the message that tells a client gameplay has begun.
func Start(seq uint64) Message {
	return Message{Type: TypeStart, Seq: seq}
}

// End builds the message that tears down a client's mission.
func End(seq uint64) Message {
	return Message{Type: TypeEnd, Seq: seq}
}

// Phase returns the handshake phase a message refers to, PhaseNone for the
// bracketing messages.
func (m Message) Phase() mission.Phase {
	return types[m.Type].phase
}

// Direction returns which side sends m.
func (m Message) Direction() Direction {
	return types[m.Type].direction
}

// IsAck reports whether m is one of the three phase acknowledgements.
func (m Message) IsAck() bool {
	info, ok := types[m.Type]
	return ok && info.direction == ClientToServer
}

// Validate checks the message is well formed.
func (m Message) Validate() error {
	if _, ok := types[m.Type]; !ok {
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidMessage, m.Type)
	}
	if m.Seq == 0 {
		return fmt.Errorf("%w: seq is required", ErrInvalidMessage)
	}
	if m.Type == TypePhase1 && strings.TrimSpace(m.MissionPath) == "" {
		return fmt.Errorf("%w: missionPath is required for %s", ErrInvalidMessage, m.Type)
	}
	return nil
}

// Encode serialises m for a text frame.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses and validates one frame.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (m Message) String() string {
	if m.MissionPath != "" {
		return fmt.Sprintf("%s(%d, %s)", m.Type, m.Seq, m.MissionPath)
	}
	return fmt.Sprintf("%s(%d)", m.Type, m.Seq)
}
