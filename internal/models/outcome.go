package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// OutcomeState represents where a symbol is in one ingestion run.
// It tracks the lifecycle from Pending through Fetching, Enriching and Writing to a terminal state.
type OutcomeState string

const (
	StatePending    OutcomeState = "pending"     // StatePending indicates the symbol is queued but not yet started
	StateFetching   OutcomeState = "fetching"    // StateFetching indicates pages are being pulled from the source
	StateEnriching  OutcomeState = "enriching"   // StateEnriching indicates indicators are being computed
	StateWriting    OutcomeState = "writing"     // StateWriting indicates the series is being persisted
	StateDone       OutcomeState = "done"        // StateDone indicates the full range was ingested
	StatePartialGap OutcomeState = "partial_gap" // StatePartialGap indicates bars were written but gaps or a stale page were detected
	StateFailed     OutcomeState = "failed"      // StateFailed indicates the symbol failed; Reason carries the cause
	StateCancelled  OutcomeState = "cancelled"   // StateCancelled indicates the run was cancelled before the symbol finished
)

var outcomeTransitions = map[OutcomeState][]OutcomeState{
	StatePending:   {StateFetching, StateFailed, StateCancelled},
	StateFetching:  {StateEnriching, StateFailed, StateCancelled},
	StateEnriching: {StateWriting, StateFailed, StateCancelled},
	StateWriting:   {StateDone, StatePartialGap, StateFailed, StateCancelled},
}

// IsTerminal reports whether no further transition is allowed.
func (s OutcomeState) IsTerminal() bool {
	_, ok := outcomeTransitions[s]
	return !ok
}

// Succeeded reports whether bars were written for the symbol.
func (s OutcomeState) Succeeded() bool {
	return s == StateDone || s == StatePartialGap
}

// SymbolOutcome records the result of ingesting one symbol during a run.
type SymbolOutcome struct {
	RunID       string        `json:"run_id"`
	Symbol      string        `json:"symbol"`
	Interval    Interval      `json:"interval"`
	State       OutcomeState  `json:"state"`
	Reason      string        `json:"reason,omitempty"`
	BarsFetched int           `json:"bars_fetched"`
	BarsWritten int           `json:"bars_written"`
	Skipped     int           `json:"rows_skipped,omitempty"`
	Gaps        []Gap         `json:"gaps,omitempty"`
	Attempts    int           `json:"attempts"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at,omitempty"`
	Duration    time.Duration `json:"-"`
}

// NewSymbolOutcome creates an outcome in pending state.
func NewSymbolOutcome(runID, symbol string, interval Interval) *SymbolOutcome {
	return &SymbolOutcome{
		RunID:    runID,
		Symbol:   symbol,
		Interval: interval,
		State:    StatePending,
	}
}

// Transition moves the outcome to next. Returns an error if the move is not allowed from
// the current state. Entering Fetching stamps StartedAt; entering a terminal state stamps
// FinishedAt and Duration.
func (o *SymbolOutcome) Transition(next OutcomeState) error {
	allowed := outcomeTransitions[o.State]
	ok := false
	for _, s := range allowed {
		if s == next {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("cannot move %s outcome from %s to %s", o.Symbol, o.State, next)
	}

	now := time.Now().UTC()
	if next == StateFetching {
		o.StartedAt = now
	}
	o.State = next
	if next.IsTerminal() {
		o.FinishedAt = now
		if !o.StartedAt.IsZero() {
			o.Duration = now.Sub(o.StartedAt)
		}
	}
	return nil
}

// Fail moves the outcome to Failed and records reason.
func (o *SymbolOutcome) Fail(reason string) error {
	if err := o.Transition(StateFailed); err != nil {
		return err
	}
	o.Reason = reason
	return nil
}

// Cancel moves the outcome to Cancelled.
func (o *SymbolOutcome) Cancel(reason string) error {
	if err := o.Transition(StateCancelled); err != nil {
		return err
	}
	o.Reason = reason
	return nil
}

// Finish moves a writing outcome to Done, or to PartialGap when gaps were flagged or a
// non-empty reason (such as stale pagination) is given.
func (o *SymbolOutcome) Finish(reason string) error {
	next := StateDone
	if len(o.Gaps) > 0 || reason != "" {
		next = StatePartialGap
	}
	if err := o.Transition(next); err != nil {
		return err
	}
	o.Reason = reason
	return nil
}

// MarshalJSON adds the duration in milliseconds to the encoded outcome.
func (o SymbolOutcome) MarshalJSON() ([]byte, error) {
	type alias SymbolOutcome
	return json.Marshal(struct {
		alias
		DurationMs int64 `json:"duration_ms"`
	}{alias(o), o.Duration.Milliseconds()})
}

// UnmarshalJSON restores Duration from duration_ms.
func (o *SymbolOutcome) UnmarshalJSON(data []byte) error {
	type alias SymbolOutcome
	aux := struct {
		*alias
		DurationMs int64 `json:"duration_ms"`
	}{alias: (*alias)(o)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	o.Duration = time.Duration(aux.DurationMs) * time.Millisecond
	return nil
}

// String returns a human-readable summary.
func (o *SymbolOutcome) String() string {
	if o.Reason != "" {
		return fmt.Sprintf("%s[%s]: %s (%s) fetched=%d written=%d", o.Symbol, o.Interval, o.State, o.Reason, o.BarsFetched, o.BarsWritten)
	}
	return fmt.Sprintf("%s[%s]: %s fetched=%d written=%d", o.Symbol, o.Interval, o.State, o.BarsFetched, o.BarsWritten)
}
