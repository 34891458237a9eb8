package task

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// Suggest returns the known name closest to name, or "" when nothing is
// near enough to be a plausible typo.
func Suggest(name string, known []string) string {
	name = strings.ToLower(name)
	limit := max(2, len(name)/3)

	best, bestDist := "", limit+1
	for _, k := range known {
		d := levenshtein.ComputeDistance(name, strings.ToLower(k))
		if d < bestDist {
			best, bestDist = k, d
		}
	}
	return best
}
