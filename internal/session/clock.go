package session

import (
	"time"

	"github.com/skovert/arbiter/internal/models"
)

// Remaining derives a slot's remaining seconds at instant now. The stored
// value is only discounted for the slot currently on move of an active
// session; everyone else's clock is frozen. Nothing is persisted per tick:
// any observer recomputes this locally, and persistence happens only on
// move and finish boundaries.
func Remaining(s *models.Session, slot models.Slot, now time.Time) float64 {
	stored := s.Clock.Remaining[slot]
	if s.Clock.Unlimited() {
		return stored
	}
	if s.Status != models.SessionActive || s.Turn() != slot {
		return stored
	}
	elapsed := now.Sub(s.LastActionAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	rem := stored - elapsed
	if rem < 0 {
		rem = 0
	}
	return rem
}

// Expired reports whether a slot's clock has run out. An expired clock is a
// trigger for ReportTimeout, never a silently observed condition.
func Expired(s *models.Session, slot models.Slot, now time.Time) bool {
	if s.Clock.Unlimited() || s.Status != models.SessionActive || s.Turn() != slot {
		return false
	}
	return Remaining(s, slot, now) <= 0
}
