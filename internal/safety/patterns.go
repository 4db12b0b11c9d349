package safety

import (
	"regexp"
	"strings"

	"tether/internal/types"
)

// =============================================================================
// STAGE-1 PATTERN TABLE
// =============================================================================
// The deterministic crisis patterns. Fixed at compile time: no runtime
// configuration can add to, remove from, or disable this table. Matching
// is lowercase substring plus a small regex set, bounded by input length.

var selfHarmPhrases = []string{
	"kill myself", "end my life", "end it all", "take my own life",
	"want to die", "wish i was dead", "wish i were dead",
	"better off dead", "no reason to live", "not worth living",
	"hurt myself", "harm myself", "cut myself",
	"suicide", "suicidal", "self harm", "self-harm",
	"overdose on", "jump off a",
}

var harmToOthersPhrases = []string{
	"kill him", "kill her", "kill them", "hurt him", "hurt her",
	"hurt them", "make them pay", "going to hurt someone",
	"want to hurt someone",
}

var acuteDistressPhrases = []string{
	"can't go on", "cannot go on", "can't take it anymore",
	"cannot take it anymore", "can't do this anymore",
	"completely hopeless", "no way out", "nothing matters anymore",
	"everyone would be better without me",
}

// selfHarmExpressions catch phrasings the substring table misses:
// tense/pronoun variation around first-person harm statements.
var selfHarmExpressions = []*regexp.Regexp{
	regexp.MustCompile(`\bi('m| am)? (going to|gonna|about to) (kill|hurt|harm) myself\b`),
	regexp.MustCompile(`\bi (want|wanted|plan|planned) to (die|disappear forever)\b`),
	regexp.MustCompile(`\bthinking about (killing|hurting|harming) myself\b`),
}

// matchPatterns runs the stage-1 table against text. Returns the crisis
// type and true on the first match.
func matchPatterns(text string) (types.CrisisType, bool) {
	lower := strings.ToLower(text)

	for _, p := range selfHarmPhrases {
		if strings.Contains(lower, p) {
			return types.CrisisSelfHarm, true
		}
	}
	for _, re := range selfHarmExpressions {
		if re.MatchString(lower) {
			return types.CrisisSelfHarm, true
		}
	}
	for _, p := range harmToOthersPhrases {
		if strings.Contains(lower, p) {
			return types.CrisisHarmToOthers, true
		}
	}
	for _, p := range acuteDistressPhrases {
		if strings.Contains(lower, p) {
			return types.CrisisAcuteDistress, true
		}
	}
	return types.CrisisNone, false
}
