package badges

import "github.com/mikke-map/mikke-api/internal/category"

// Crossings computes which thresholds transition from unmet to met when the
// category count moves from oldCount to newCount. Results are ascending by
// required count. A non-increasing count never yields a crossing: thresholds
// are only earned from below, so a decrement followed by a recovery does not
// re-award.
func Crossings(cat category.ID, oldCount, newCount int64) []Threshold {
	if newCount <= oldCount {
		return nil
	}

	var crossed []Threshold
	for _, threshold := range ThresholdsFor(cat) {
		if oldCount < threshold.RequiredCount && threshold.RequiredCount <= newCount {
			crossed = append(crossed, threshold)
		}
	}
	return crossed
}

// LevelAt returns the highest level whose threshold the count satisfies, or
// nil when no badge level is reached yet.
func LevelAt(cat category.ID, count int64) *Level {
	var current *Level
	for _, threshold := range ThresholdsFor(cat) {
		if count >= threshold.RequiredCount {
			level := threshold.Level
			current = &level
		}
	}
	return current
}
