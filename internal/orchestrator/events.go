package orchestrator

import (
	"github.com/lucasnoah/cihealer/internal/db"
	"github.com/lucasnoah/cihealer/internal/fixer"
)

// EventLog receives run events. Writes are best-effort; the run never
// fails because the log is unavailable.
type EventLog interface {
	LogRunEvent(runID, event, phase string, iteration int, detail string) error
	LogIteration(row db.IterationRow) error
	LogProviderCall(c db.ProviderCall) error
}

type nopEvents struct{}

func (nopEvents) LogRunEvent(string, string, string, int, string) error { return nil }
func (nopEvents) LogIteration(db.IterationRow) error                  { return nil }
func (nopEvents) LogProviderCall(db.ProviderCall) error               { return nil }

// ProviderCallRecorder returns a cascade hook that logs every provider call
// of runID to events.
func ProviderCallRecorder(events EventLog, runID string) func(fixer.CallRecord) {
	if events == nil {
		events = nopEvents{}
	}
	return func(rec fixer.CallRecord) {
		c := db.ProviderCall{
			RunID:    runID,
			Provider: rec.Provider,
			Attempt:  rec.Attempt,
			Kind:     string(rec.Kind),
			Duration: rec.Duration,
		}
		if rec.Err != nil {
			c.Error = rec.Err.Error()
		}
		_ = events.LogProviderCall(c)
	}
}
