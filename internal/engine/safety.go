package engine

import (
	"sync"
	"time"

	"github.com/railyard-io/railyard/pkg/schema"
)

// SafetyLimits bounds runaway runs: total transitions, per-path transitions,
// consecutive resolution errors, and wall-clock time. Zero values disable
// the corresponding limit.
type SafetyLimits struct {
	// MaxSteps caps transitions across all paths of the run.
	MaxSteps int64 `json:"max_steps"`
	// MaxPathSteps caps transitions of a single path.
	MaxPathSteps int64 `json:"max_path_steps"`
	// MaxConsecutiveErrors opens the breaker after this many resolution
	// errors on one path without an intervening success.
	MaxConsecutiveErrors int `json:"max_consecutive_errors"`
	// MaxWallClock caps total run duration.
	MaxWallClock time.Duration `json:"max_wall_clock"`
	// Cooldown is how long an error-tripped breaker stays open before a
	// single probe is allowed through.
	Cooldown time.Duration `json:"cooldown"`
	// FailRun fails the whole run when any per-path limit trips, instead
	// of failing just the offending path.
	FailRun bool `json:"fail_run"`
}

// DefaultSafetyLimits returns the limits applied when a run configures none.
func DefaultSafetyLimits() SafetyLimits {
	return SafetyLimits{
		MaxSteps:             10000,
		MaxPathSteps:         1000,
		MaxConsecutiveErrors: 5,
		MaxWallClock:         10 * time.Minute,
		Cooldown:             30 * time.Second,
	}
}

// BreakerState represents the state of the safety breaker.
type BreakerState int

const (
	// BreakerClosed allows resolution normally.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects resolution. Error trips recover after the
	// cooldown; step and wall-clock trips are terminal.
	BreakerOpen
	// BreakerHalfOpen allows a single probe resolution through.
	BreakerHalfOpen
)

// String returns a human-readable state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker trip reasons.
const (
	TripMaxSteps          = "max_steps"
	TripMaxPathSteps      = "max_path_steps"
	TripConsecutiveErrors = "consecutive_errors"
	TripWallClock         = "wall_clock"
)

type pathBudget struct {
	Steps       int64 `json:"steps"`
	ErrorStreak int   `json:"error_streak"`
}

// Sentinel enforces SafetyLimits for one run. The driver calls Check before
// resolving a path, RecordStep on every transition, and RecordError /
// RecordSuccess after each oracle round. Safe for concurrent use, though in
// practice only the driver goroutine mutates it.
type Sentinel struct {
	mu          sync.Mutex
	limits      SafetyLimits
	startedAt   time.Time
	globalSteps int64
	budgets     map[int64]*pathBudget

	state       BreakerState
	reason      string
	trippedPath int64
	lastTrip    time.Time
	probing     bool
}

// NewSentinel creates a sentinel with the given limits. Unset limits fall
// back to defaults unless the struct is entirely zero, in which case the
// defaults apply wholesale.
func NewSentinel(limits SafetyLimits) *Sentinel {
	if limits == (SafetyLimits{}) {
		limits = DefaultSafetyLimits()
	}
	return &Sentinel{
		limits:    limits,
		startedAt: time.Now().UTC(),
		budgets:   make(map[int64]*pathBudget),
	}
}

// Check reports whether the path may resolve another transition. A nil
// return admits the path; a SAFETY_LIMIT error rejects it. When the breaker
// is open on consecutive errors and the cooldown elapsed, exactly one
// caller is admitted as a half-open probe.
func (s *Sentinel) Check(pathID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case BreakerOpen:
		if s.reason == TripConsecutiveErrors && s.limits.Cooldown > 0 &&
			time.Since(s.lastTrip) >= s.limits.Cooldown {
			s.state = BreakerHalfOpen
			s.probing = true
			return nil
		}
		return s.tripErrLocked(pathID)
	case BreakerHalfOpen:
		if s.probing {
			return s.tripErrLocked(pathID)
		}
		s.probing = true
		return nil
	}

	now := time.Now().UTC()
	if s.limits.MaxWallClock > 0 && now.Sub(s.startedAt) >= s.limits.MaxWallClock {
		s.openLocked(TripWallClock, pathID, now)
		return s.tripErrLocked(pathID)
	}
	if s.limits.MaxSteps > 0 && s.globalSteps >= s.limits.MaxSteps {
		s.openLocked(TripMaxSteps, pathID, now)
		return s.tripErrLocked(pathID)
	}

	b := s.budgetLocked(pathID)
	if s.limits.MaxPathSteps > 0 && b.Steps >= s.limits.MaxPathSteps {
		if s.limits.FailRun {
			s.openLocked(TripMaxPathSteps, pathID, now)
		}
		return schema.NewErrorf(schema.ErrCodeSafetyLimit,
			"path exceeded %d transitions", s.limits.MaxPathSteps).
			WithPath(pathID).
			WithDetails(map[string]any{"reason": TripMaxPathSteps, "steps": b.Steps})
	}
	if s.limits.MaxConsecutiveErrors > 0 && b.ErrorStreak >= s.limits.MaxConsecutiveErrors {
		s.openLocked(TripConsecutiveErrors, pathID, now)
		return s.tripErrLocked(pathID)
	}

	return nil
}

func (s *Sentinel) openLocked(reason string, pathID int64, now time.Time) {
	s.state = BreakerOpen
	s.reason = reason
	s.trippedPath = pathID
	s.lastTrip = now
	s.probing = false
}

func (s *Sentinel) tripErrLocked(pathID int64) error {
	return schema.NewErrorf(schema.ErrCodeSafetyLimit, "safety breaker %s: %s", s.state, s.reason).
		WithPath(pathID).
		WithDetails(map[string]any{
			"reason":       s.reason,
			"state":        s.state.String(),
			"tripped_path": s.trippedPath,
			"global_steps": s.globalSteps,
		})
}

func (s *Sentinel) budgetLocked(pathID int64) *pathBudget {
	b, ok := s.budgets[pathID]
	if !ok {
		b = &pathBudget{}
		s.budgets[pathID] = b
	}
	return b
}

// RecordStep counts one transition against the global and per-path budgets.
func (s *Sentinel) RecordStep(pathID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalSteps++
	s.budgetLocked(pathID).Steps++
}

// RecordError counts a resolution error on the path. A half-open probe that
// errors reopens the breaker for another cooldown.
func (s *Sentinel) RecordError(pathID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgetLocked(pathID).ErrorStreak++
	if s.state == BreakerHalfOpen {
		s.openLocked(TripConsecutiveErrors, pathID, time.Now().UTC())
	}
}

// RecordSuccess resets the path's error streak. A successful half-open
// probe closes the breaker.
func (s *Sentinel) RecordSuccess(pathID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgetLocked(pathID).ErrorStreak = 0
	if s.state == BreakerHalfOpen {
		s.state = BreakerClosed
		s.reason = ""
		s.trippedPath = 0
		s.probing = false
	}
}

// Tripped reports the breaker state and trip reason.
func (s *Sentinel) Tripped() (BreakerState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.reason
}

// Terminal reports whether the breaker tripped on a limit that cannot
// recover (steps or wall clock); the driver fails the run on these.
func (s *Sentinel) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != BreakerOpen {
		return false
	}
	switch s.reason {
	case TripMaxSteps, TripWallClock, TripMaxPathSteps:
		return true
	}
	return false
}

// GlobalSteps returns the total transitions recorded so far.
func (s *Sentinel) GlobalSteps() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalSteps
}

// SentinelState is the checkpointable form of a sentinel.
type SentinelState struct {
	StartedAt   time.Time             `json:"started_at"`
	GlobalSteps int64                 `json:"global_steps"`
	Budgets     map[int64]*pathBudget `json:"budgets,omitempty"`
	State       BreakerState          `json:"state"`
	Reason      string                `json:"reason,omitempty"`
	TrippedPath int64                 `json:"tripped_path,omitempty"`
	LastTrip    time.Time             `json:"last_trip,omitempty"`
}

// Snapshot captures the sentinel for a checkpoint.
func (s *Sentinel) Snapshot() SentinelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	budgets := make(map[int64]*pathBudget, len(s.budgets))
	for id, b := range s.budgets {
		cp := *b
		budgets[id] = &cp
	}
	return SentinelState{
		StartedAt:   s.startedAt,
		GlobalSteps: s.globalSteps,
		Budgets:     budgets,
		State:       s.state,
		Reason:      s.reason,
		TrippedPath: s.trippedPath,
		LastTrip:    s.lastTrip,
	}
}

// Restore replaces the sentinel's counters and breaker with the snapshot.
func (s *Sentinel) Restore(state SentinelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startedAt = state.StartedAt
	if s.startedAt.IsZero() {
		s.startedAt = time.Now().UTC()
	}
	s.globalSteps = state.GlobalSteps
	s.budgets = make(map[int64]*pathBudget, len(state.Budgets))
	for id, b := range state.Budgets {
		cp := *b
		s.budgets[id] = &cp
	}
	s.state = state.State
	s.reason = state.Reason
	s.trippedPath = state.TrippedPath
	s.lastTrip = state.LastTrip
	s.probing = false
}
