package health

import (
	"math"
	"testing"
	"time"

	"github.com/quietwave/autoguard/pkg/models"
	"github.com/quietwave/autoguard/pkg/policy"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 0.001
}

func TestSuccessRate(t *testing.T) {
	tests := []struct {
		name     string
		success  int
		total    int
		expected float64
	}{
		{"no data means full score", 0, 0, 100},
		{"all successes", 10, 10, 100},
		{"all failures", 0, 10, 0},
		{"half", 5, 10, 50},
		{"one of three", 1, 3, 33.333},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SuccessRate(tt.success, tt.total)
			if !almostEqual(got, tt.expected) {
				t.Errorf("SuccessRate(%d, %d) = %.3f, expected %.3f", tt.success, tt.total, got, tt.expected)
			}
		})
	}
}

func TestNaturalnessScore(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	spaced := []time.Time{base, base.Add(time.Minute), base.Add(2 * time.Minute)}
	if got := NaturalnessScore(spaced); got != 100 {
		t.Errorf("well-spaced actions scored %.1f, expected 100", got)
	}

	// Every gap under 5s pulls the score to the floor.
	rapid := []time.Time{base, base.Add(time.Second), base.Add(2 * time.Second)}
	if got := NaturalnessScore(rapid); got != 20 {
		t.Errorf("all-rapid actions scored %.1f, expected floor of 20", got)
	}

	// One rapid gap out of two.
	mixed := []time.Time{base, base.Add(time.Second), base.Add(time.Minute)}
	if got := NaturalnessScore(mixed); !almostEqual(got, 60) {
		t.Errorf("half-rapid actions scored %.1f, expected 60", got)
	}

	if got := NaturalnessScore(nil); got != 100 {
		t.Errorf("no history scored %.1f, expected 100", got)
	}
	if got := NaturalnessScore([]time.Time{base}); got != 100 {
		t.Errorf("single action scored %.1f, expected 100", got)
	}
}

func TestFreezeRiskScore(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if got := FreezeRiskScore(nil, now); got != 0 {
		t.Errorf("no detections scored %.1f, expected 0", got)
	}

	// A full-confidence detection today contributes 20.
	today := []models.FreezeDetection{{AccountID: "a1", Confidence: 100, DetectedAt: now}}
	if got := FreezeRiskScore(today, now); !almostEqual(got, 20) {
		t.Errorf("fresh detection scored %.1f, expected 20", got)
	}

	// 30 days out the recency weight has decayed to 2.
	old := []models.FreezeDetection{{AccountID: "a1", Confidence: 100, DetectedAt: now.Add(-30 * 24 * time.Hour)}}
	if got := FreezeRiskScore(old, now); !almostEqual(got, 2) {
		t.Errorf("old detection scored %.1f, expected 2", got)
	}

	// The recency weight never drops below 1.
	ancient := []models.FreezeDetection{{AccountID: "a1", Confidence: 100, DetectedAt: now.Add(-90 * 24 * time.Hour)}}
	if got := FreezeRiskScore(ancient, now); !almostEqual(got, 1) {
		t.Errorf("ancient detection scored %.1f, expected 1", got)
	}

	// Half confidence halves the contribution.
	half := []models.FreezeDetection{{AccountID: "a1", Confidence: 50, DetectedAt: now}}
	if got := FreezeRiskScore(half, now); !almostEqual(got, 10) {
		t.Errorf("half-confidence detection scored %.1f, expected 10", got)
	}

	// Many detections clamp at 100.
	var many []models.FreezeDetection
	for i := 0; i < 10; i++ {
		many = append(many, models.FreezeDetection{AccountID: "a1", Confidence: 100, DetectedAt: now})
	}
	if got := FreezeRiskScore(many, now); got != 100 {
		t.Errorf("stacked detections scored %.1f, expected clamp at 100", got)
	}
}

func TestCompositeScore(t *testing.T) {
	w := policy.Default().Health.Weights

	if got := CompositeScore(100, 100, 100, 0, w); got != 100 {
		t.Errorf("perfect inputs scored %.1f, expected 100", got)
	}
	if got := CompositeScore(0, 0, 0, 100, w); got != 0 {
		t.Errorf("worst inputs scored %.1f, expected 0", got)
	}

	// 100*0.2 + 0*0.3 + 100*0.2 + (100-20)*0.3 = 64
	if got := CompositeScore(100, 0, 100, 20, w); !almostEqual(got, 64) {
		t.Errorf("mixed inputs scored %.1f, expected 64", got)
	}
}
