// Package health implements the account health ledger: pure scoring and
// phase functions plus the Engine that persists them. The composite health
// score (0-100) estimates how safe it is to keep automating an account.
package health

import (
	"time"

	"github.com/quietwave/autoguard/pkg/models"
	"github.com/quietwave/autoguard/pkg/policy"
)

const (
	// rapidGapThreshold is the spacing below which two consecutive actions
	// count as a suspicious burst.
	rapidGapThreshold = 5 * time.Second
	// naturalnessFloor is the lowest naturalness score; reached when every
	// gap is rapid.
	naturalnessFloor = 20.0
)

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// SuccessRate converts success/total counts into a 0-100 percentage.
// No data means no evidence of trouble, so it returns 100.
func SuccessRate(success, total int) float64 {
	if total == 0 {
		return 100
	}
	return clampScore(float64(success) / float64(total) * 100)
}

// NaturalnessScore penalizes bot-like bursts. The fraction of consecutive
// action gaps under the rapid threshold linearly pulls the score from 100
// down to the floor. Fewer than two timestamps scores 100.
func NaturalnessScore(timestamps []time.Time) float64 {
	if len(timestamps) < 2 {
		return 100
	}

	rapid := 0
	for i := 1; i < len(timestamps); i++ {
		if timestamps[i].Sub(timestamps[i-1]) < rapidGapThreshold {
			rapid++
		}
	}

	ratio := float64(rapid) / float64(len(timestamps)-1)
	return clampScore(100 - ratio*(100-naturalnessFloor))
}

// FreezeRiskScore sums recency- and confidence-weighted freeze detections.
// A detection today contributes about 20 points at full confidence, one 30
// days old about 2. Clamped to [0,100]; no detections scores 0.
func FreezeRiskScore(detections []models.FreezeDetection, now time.Time) float64 {
	var risk float64
	for _, det := range detections {
		daysAgo := now.Sub(det.DetectedAt).Hours() / 24
		if daysAgo < 0 {
			daysAgo = 0
		}
		recency := 20 - daysAgo*0.6
		if recency < 1 {
			recency = 1
		}
		risk += recency * (det.Confidence / 100)
	}
	return clampScore(risk)
}

// CompositeScore combines the four sub-scores with the configured weights.
// Freeze risk enters inverted: a risk of 0 contributes its full weight.
func CompositeScore(login, post, naturalness, freezeRisk float64, w policy.ScoreWeights) float64 {
	return clampScore(login*w.Login + post*w.Post + naturalness*w.Naturalness + (100-freezeRisk)*w.FreezeRisk)
}
