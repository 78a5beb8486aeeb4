package pose

import "math"

// ComparisonResult summarises how far a performer's angles are from the reference.
type ComparisonResult struct {
	MatchCount   int     `json:"match_count"`
	TotalAbsDiff float64 `json:"total_abs_diff"`
}

// MeanAbsDiff returns the mean absolute angular difference over matched joints.
// ok is false when nothing matched.
func (r ComparisonResult) MeanAbsDiff() (float64, bool) {
	if r.MatchCount <= 0 {
		return 0, false
	}
	return r.TotalAbsDiff / float64(r.MatchCount), true
}

// Compare matches every performer angle against the reference angle of the
// same name and accumulates the absolute differences. Names missing from the
// reference are skipped.
func Compare(reference, performer AngleSet) ComparisonResult {
	ref := make(map[string]float64, len(reference))
	for _, a := range reference {
		ref[a.Name] = a.Angle
	}

	var res ComparisonResult
	for _, a := range performer {
		target, ok := ref[a.Name]
		if !ok {
			continue
		}
		res.TotalAbsDiff += math.Abs(target - a.Angle)
		res.MatchCount++
	}
	return res
}
