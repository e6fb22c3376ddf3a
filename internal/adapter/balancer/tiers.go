package balancer

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/convoy-ml/convoy/internal/core/domain"
)

// TierForModel estimates the tier a model needs from its identifier, e.g.
// "llama-3-8b-instruct" -> 7-13B. Unrecognised names fall back to the
// smallest tier so they remain routable everywhere.
func TierForModel(modelID string) domain.ModelTier {
	billions, ok := parseParamBillions(modelID)
	if !ok {
		return domain.TierUnder3B
	}

	switch {
	case billions < 3:
		return domain.TierUnder3B
	case billions <= 7:
		return domain.Tier3To7B
	case billions <= 13:
		return domain.Tier7To13B
	case billions <= 27:
		return domain.Tier13To27B
	default:
		return domain.Tier30BPlus
	}
}

// parseParamBillions finds the last "<number>b" token in a model id.
func parseParamBillions(modelID string) (float64, bool) {
	lower := strings.ToLower(modelID)

	best := -1.0
	for i := 0; i < len(lower); i++ {
		if lower[i] != 'b' {
			continue
		}
		// must terminate the token
		if i+1 < len(lower) && (unicode.IsLetter(rune(lower[i+1])) || unicode.IsDigit(rune(lower[i+1]))) {
			continue
		}
		j := i
		for j > 0 && (unicode.IsDigit(rune(lower[j-1])) || lower[j-1] == '.') {
			j--
		}
		if j == i {
			continue
		}
		if v, err := strconv.ParseFloat(lower[j:i], 64); err == nil {
			best = v
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}
