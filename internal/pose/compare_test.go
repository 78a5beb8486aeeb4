package pose

import (
	"math"
	"testing"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name      string
		ref, perf AngleSet
		wantCount int
		wantTotal float64
	}{
		{
			name:      "Dance scenario",
			ref:       AngleSet{{"elbow", 90}, {"knee", 170}, {"hip", 160}},
			perf:      AngleSet{{"elbow", 95}, {"knee", 168}, {"hip", 120}},
			wantCount: 3,
			wantTotal: 47,
		},
		{
			name:      "Unmatched names are skipped",
			ref:       AngleSet{{"elbow", 90}},
			perf:      AngleSet{{"elbow", 80}, {"knee", 10}},
			wantCount: 1,
			wantTotal: 10,
		},
		{
			name:      "Empty performer",
			ref:       AngleSet{{"elbow", 90}},
			perf:      nil,
			wantCount: 0,
			wantTotal: 0,
		},
		{
			name:      "Empty reference",
			ref:       nil,
			perf:      AngleSet{{"elbow", 90}},
			wantCount: 0,
			wantTotal: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compare(tt.ref, tt.perf)
			if got.MatchCount != tt.wantCount {
				t.Errorf("MatchCount = %d, want %d", got.MatchCount, tt.wantCount)
			}
			if math.Abs(got.TotalAbsDiff-tt.wantTotal) > 1e-9 {
				t.Errorf("TotalAbsDiff = %v, want %v", got.TotalAbsDiff, tt.wantTotal)
			}
		})
	}
}

func TestCompare_Symmetric(t *testing.T) {
	a := AngleSet{{"left-elbow", 30}, {"left-knee", 175}, {"right-hip", 100}, {"right-elbow", 60}}
	b := AngleSet{{"right-hip", 140}, {"left-elbow", 45}, {"left-knee", 120}, {"left-hip", 90}}

	ab := Compare(a, b)
	ba := Compare(b, a)
	if ab.MatchCount != 3 || ba.MatchCount != 3 {
		t.Fatalf("Expected intersection size 3, got %d and %d", ab.MatchCount, ba.MatchCount)
	}
	if math.Abs(ab.TotalAbsDiff-ba.TotalAbsDiff) > 1e-9 {
		t.Errorf("Comparison not symmetric: %v vs %v", ab.TotalAbsDiff, ba.TotalAbsDiff)
	}
}

func TestMeanAbsDiff(t *testing.T) {
	if _, ok := (ComparisonResult{}).MeanAbsDiff(); ok {
		t.Error("Expected no mean for zero matches")
	}
	mean, ok := ComparisonResult{MatchCount: 3, TotalAbsDiff: 47}.MeanAbsDiff()
	if !ok || math.Abs(mean-47.0/3) > 1e-9 {
		t.Errorf("MeanAbsDiff() = %v, %v", mean, ok)
	}
}
