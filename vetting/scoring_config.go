package vetting

import (
	"fmt"
	"strings"
)

// ScoringThresholds maps a heuristic score onto a verdict level.
// The same thresholds gate the badge and the risky-click guard.
type ScoringThresholds struct {
	DangerMin int `json:"danger_min"` // Default: 60
	WarnMin   int `json:"warn_min"`   // Default: 30
}

// DefaultScoringThresholds returns default thresholds
func DefaultScoringThresholds() ScoringThresholds {
	return ScoringThresholds{
		DangerMin: 60,
		WarnMin:   30,
	}
}

// Points awarded by each heuristic rule.
const (
	weightMalformed       = 70
	weightNonHTTPS        = 30
	weightPunycode        = 30
	weightUnicodeHost     = 15
	weightShortener       = 15
	weightRiskyTLD        = 10
	weightExecutable      = 60
	weightArchive         = 30
	weightLongPathQuery   = 10
	weightMultipleAt      = 10
	weightEncodedNull     = 10
	weightSuspiciousWords = 10
	weightUncommonPort    = 10
	weightMixedContent    = 15

	longPathQueryLimit = 200
)

// LevelForScore bands a heuristic score into ok, warn or danger.
func LevelForScore(score int) Level {
	t := DefaultScoringThresholds()
	switch {
	case score >= t.DangerMin:
		return LevelDanger
	case score >= t.WarnMin:
		return LevelWarn
	default:
		return LevelOK
	}
}

// VerdictFromScore builds the heuristic verdict for a score.
func VerdictFromScore(rs RiskScore) Verdict {
	level := LevelForScore(rs.Score)
	return Verdict{
		Level:   level,
		Label:   level.Label(),
		Reasons: append([]string(nil), rs.Reasons...),
		Source:  SourceHeuristic,
	}
}

// ClickGuard is the decision shown before a risky link is opened.
type ClickGuard struct {
	Confirm bool   `json:"confirm"`
	Message string `json:"message,omitempty"`
}

// GuardClick decides whether opening a link needs confirmation. It uses the
// badge banding, so a link shows WARN or DANGER exactly when clicks are held.
func GuardClick(rs RiskScore) ClickGuard {
	level := LevelForScore(rs.Score)
	if level == LevelOK {
		return ClickGuard{}
	}

	var b strings.Builder
	if level == LevelDanger {
		b.WriteString("This link looks dangerous.\n")
	} else {
		b.WriteString("This link may be risky.\n")
	}
	if len(rs.Reasons) > 0 {
		b.WriteString(fmt.Sprintf("Reasons: %s\n", strings.Join(rs.Reasons, ", ")))
	}
	b.WriteString("Open anyway?")
	return ClickGuard{Confirm: true, Message: b.String()}
}
