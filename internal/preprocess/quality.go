package preprocess

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	reAmount = regexp.MustCompile(`\b\d{1,3}(,\d{3})*(\.\d{2})?\b`)
	reLine   = regexp.MustCompile(`(?i)\bline\s+\d{1,2}[a-z]?\b`)
	reFormID = regexp.MustCompile(`(?i)\b(schedule|form|w-2|1040|1065|1120)\b`)
)

// TextQuality scores recognized text on a 0..1 scale. It rewards the
// artifacts tax forms reliably contain (dollar amounts, line numbers, form
// headings) and penalizes garbage glyphs and single-character fragments.
func TextQuality(txt string) float64 {
	clean := strings.TrimSpace(txt)
	if clean == "" {
		return 0
	}

	total := 0
	letters := 0
	digits := 0
	garbage := 0
	for _, r := range clean {
		total++
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			digits++
		case r == '�' || (unicode.IsControl(r) && r != '\n' && r != '\t'):
			garbage++
		}
	}

	words := strings.Fields(clean)
	singles := 0
	for _, w := range words {
		if len([]rune(w)) == 1 {
			singles++
		}
	}

	score := 0.2
	if len(words) >= 20 {
		score += 0.15
	}
	alphaRatio := float64(letters) / float64(total)
	if alphaRatio > 0.35 {
		score += 0.15
	}
	if digits > 0 && reAmount.MatchString(clean) {
		score += 0.15
	}
	if reLine.MatchString(clean) {
		score += 0.15
	}
	if reFormID.MatchString(clean) {
		score += 0.1
	}

	if garbage > 0 {
		score -= 3 * float64(garbage) / float64(total)
	}
	if len(words) > 0 {
		scrambled := float64(singles) / float64(len(words))
		if scrambled > 0.3 {
			score -= 0.25
		}
	}
	if alphaRatio < 0.1 && digits == 0 {
		score -= 0.2
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
