package progress

// Phase labels reported while a mission loads.
const (
	PhaseDatablocks = "LOADING DATABLOCKS"
	PhaseObjects    = "LOADING OBJECTS"
	PhaseLighting   = "LIGHTING MISSION"
)

// Sink receives loading progress. Implementations must tolerate calls from
// any goroutine.
type Sink interface {
	SetPhase(name string)
	SetProgress(fraction float64)
	Complete(text string)
}

// Nop discards every report. Used when no progress display is present.
type Nop struct{}

func (Nop) SetPhase(string)     {}
func (Nop) SetProgress(float64) {}
func (Nop) Complete(string)     {}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}

// Clamp keeps a fraction within [0,1].
func Clamp(f float64) float64 {
	if f < 0 || f != f {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
