package health

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quietwave/autoguard/pkg/models"
)

// Warm-up durations before an account may graduate.
const (
	GrowingAfter = 7 * 24 * time.Hour
	MatureAfter  = 14 * 24 * time.Hour
)

// BaseCaps returns the phase's base daily caps, before any throttling.
func BaseCaps(phase models.Phase) (maxDailyPosts, maxDailyActions int) {
	switch phase {
	case models.PhaseWarming:
		return 1, 10
	case models.PhaseGrowing:
		return 3, 30
	case models.PhaseMature:
		return 10, 100
	case models.PhaseCooling:
		return 1, 10
	default: // suspended
		return 0, 0
	}
}

// AdvancePhase promotes an account through the warm-up phases based on
// elapsed time since warming started. Phases only move forward; suspended
// and mature accounts are left alone. The suspension flag also blocks
// advancement, since promotion restores base caps and suspended caps must
// stay zero.
func AdvancePhase(rec *models.HealthRecord, now time.Time) (advanced bool, phase models.Phase) {
	if rec.IsSuspended || rec.Phase == models.PhaseSuspended || rec.Phase == models.PhaseMature {
		return false, rec.Phase
	}

	elapsed := now.Sub(rec.WarmingStartedAt)

	if elapsed >= MatureAfter && (rec.Phase == models.PhaseWarming || rec.Phase == models.PhaseGrowing) {
		rec.Phase = models.PhaseMature
		rec.MaxDailyPosts, rec.MaxDailyActions = BaseCaps(models.PhaseMature)
		if rec.WarmingCompletedAt.IsZero() {
			rec.WarmingCompletedAt = now
		}
		logrus.Infof("account %s graduated to mature after %v", rec.AccountID, elapsed)
		return true, rec.Phase
	}

	if elapsed >= GrowingAfter && rec.Phase == models.PhaseWarming {
		rec.Phase = models.PhaseGrowing
		rec.MaxDailyPosts, rec.MaxDailyActions = BaseCaps(models.PhaseGrowing)
		logrus.Infof("account %s advanced to growing after %v", rec.AccountID, elapsed)
		return true, rec.Phase
	}

	return false, rec.Phase
}
