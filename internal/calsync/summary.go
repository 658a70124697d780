package calsync

import (
	"time"
)

// Summary is the run report produced at the end of each pass. Besides the
// mutated destination store and the persisted map, it is the engine's only
// outward data contract.
type Summary struct {
	RunID    string        `json:"runId"`
	Account  string        `json:"account"`
	Calendar string        `json:"calendar"`
	Started  time.Time     `json:"started"`
	Elapsed  time.Duration `json:"elapsed"`

	Updated    int `json:"updated"`
	Deleted    int `json:"deleted"`
	Failed     int `json:"failed"`
	Unchanged  int `json:"unchanged"`
	SkippedOld int `json:"skippedOld"`

	ExceptionsSynced    int `json:"exceptionsSynced"`
	ExceptionsUnchanged int `json:"exceptionsUnchanged"`
}

// LogTo writes the end-of-pass block. Zero counts are omitted, matching the
// log shape users of earlier releases grew used to scanning.
func (s *Summary) LogTo(logger Logger) {
	if logger == nil {
		return
	}
	logger.Printf("Sync done.")
	if s.Updated != 0 {
		logger.Printf("%d appointments updated / created.", s.Updated)
	}
	if s.Deleted != 0 {
		logger.Printf("%d appointments deleted.", s.Deleted)
	}
	if s.Failed != 0 {
		logger.Printf("%d appointments failed to be updated.", s.Failed)
	}
	if s.Unchanged != 0 {
		logger.Printf("%d appointments did not change since their last sync.", s.Unchanged)
	}
	if s.SkippedOld != 0 {
		logger.Printf("%d appointments not synced because they are older than the retention window.", s.SkippedOld)
	}
	if s.ExceptionsSynced != 0 || s.ExceptionsUnchanged != 0 {
		logger.Printf("%d series exceptions synced, %d unchanged.", s.ExceptionsSynced, s.ExceptionsUnchanged)
	}
	logger.Printf("Elapsed: %s.", s.Elapsed.Round(time.Millisecond))
}
