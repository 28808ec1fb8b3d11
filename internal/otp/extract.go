package otp

import (
	"regexp"
	"strings"
)

// Carrier verification SMS come in a handful of phrasings. Patterns are tried
// in order of specificity; a bare six-digit run is the last resort.
var codePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(\d{6})\s+es\s+el\s+c[oó]digo`),
	regexp.MustCompile(`(?i)c[oó]digo[:\s]+(\d{6})`),
	regexp.MustCompile(`(?i)tu\s+c[oó]digo\s+es\s+(\d{6})`),
}

var digitRun = regexp.MustCompile(`\d+`)

// ExtractCode pulls a six digit verification code out of raw SMS text. It
// returns false when the text carries no recognisable code.
func ExtractCode(text string) (string, bool) {
	cleaned := strings.Join(strings.Fields(text), " ")
	if cleaned == "" {
		return "", false
	}
	for _, pattern := range codePatterns {
		if match := pattern.FindStringSubmatch(cleaned); match != nil {
			return match[1], true
		}
	}
	// Fall back to the first standalone six digit run. Longer runs are
	// reference numbers, not codes.
	for _, run := range digitRun.FindAllString(cleaned, -1) {
		if len(run) == 6 {
			return run, true
		}
	}
	return "", false
}

// NormalizeSlot resolves which SIM an SMS arrived on. The forwarder reports
// either a sim label ("SIM1", "1") or a zero-based simSlot index; the label
// wins when both are present. Unknown input maps to SIM1.
func NormalizeSlot(sim, simSlot string) string {
	label := strings.ToUpper(strings.TrimSpace(sim))
	switch {
	case strings.Contains(label, "SIM2") || label == "2":
		return "SIM2"
	case strings.Contains(label, "SIM1") || label == "1":
		return "SIM1"
	}
	switch strings.TrimSpace(simSlot) {
	case "1":
		return "SIM2"
	case "0":
		return "SIM1"
	}
	return "SIM1"
}
