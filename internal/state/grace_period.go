package state

import (
	"time"
)

// GraceState is either NoCooldown or CoolingDown.
type GraceState interface {
	isGraceState()
	String() string
}

// NoCooldown: the system was last observed outside Recovery Mode.
type NoCooldown struct{}

// CoolingDown: Recovery Mode was entered at Since and has held on every
// observation since.
type CoolingDown struct {
	Since time.Time
}

func (NoCooldown) isGraceState()  {}
func (CoolingDown) isGraceState() {}

func (NoCooldown) String() string    { return "NoCooldown" }
func (c CoolingDown) String() string { return "CoolingDown(" + c.Since.UTC().Format(time.RFC3339Nano) + ")" }

// GraceTransition is the observable outcome of a Sync.
type GraceTransition int

const (
	GraceUnchanged GraceTransition = iota
	GraceStarted
	GraceEnded
)

func (t GraceTransition) String() string {
	switch t {
	case GraceStarted:
		return "GracePeriodStarted"
	case GraceEnded:
		return "GracePeriodEnded"
	default:
		return "Unchanged"
	}
}

// GracePeriod gates Recovery Mode liquidations of positions with
// MCR <= ICR < TCR until Duration has passed since Recovery Mode was entered.
type GracePeriod struct {
	state    GraceState
	duration time.Duration
}

func NewGracePeriod(duration time.Duration) *GracePeriod {
	return &GracePeriod{state: NoCooldown{}, duration: duration}
}

// Sync records a Recovery Mode observation at the given time.
func (g *GracePeriod) Sync(recoveryMode bool, at time.Time) GraceTransition {
	switch g.state.(type) {
	case NoCooldown:
		if recoveryMode {
			g.state = CoolingDown{Since: at}
			return GraceStarted
		}
	case CoolingDown:
		if !recoveryMode {
			g.state = NoCooldown{}
			return GraceEnded
		}
	}
	return GraceUnchanged
}

// IsElapsed reports whether grace-gated liquidations are permitted at the
// given time. Outside Recovery Mode with no cooldown the gate is open.
func (g *GracePeriod) IsElapsed(at time.Time, recoveryMode bool) bool {
	switch s := g.state.(type) {
	case CoolingDown:
		return at.Sub(s.Since) >= g.duration
	default:
		return !recoveryMode
	}
}

// ElapsesAt returns when the current cooldown ends.
func (g *GracePeriod) ElapsesAt() (time.Time, bool) {
	if s, ok := g.state.(CoolingDown); ok {
		return s.Since.Add(g.duration), true
	}
	return time.Time{}, false
}

func (g *GracePeriod) State() GraceState       { return g.state }
func (g *GracePeriod) Duration() time.Duration { return g.duration }

// Restore sets the state directly (snapshot restore, rollback).
func (g *GracePeriod) Restore(s GraceState) {
	if s == nil {
		s = NoCooldown{}
	}
	g.state = s
}
