package vetting

import (
	"fmt"
	"strings"
)

// Level is the externally visible risk classification of a link.
type Level string

const (
	LevelOK           Level = "ok"
	LevelWarn         Level = "warn"
	LevelDanger       Level = "danger"
	LevelHallucinated Level = "hallucinated"
)

// Label returns the short badge text for the level.
func (l Level) Label() string {
	switch l {
	case LevelOK:
		return "OK"
	case LevelWarn:
		return "WARN"
	case LevelDanger:
		return "DANGER"
	case LevelHallucinated:
		return "HALL"
	default:
		return strings.ToUpper(string(l))
	}
}

// rank orders levels for the severity policy: danger > hallucinated > warn > ok.
func (l Level) rank() int {
	switch l {
	case LevelOK:
		return 0
	case LevelWarn:
		return 1
	case LevelHallucinated:
		return 2
	case LevelDanger:
		return 3
	default:
		return 4 // unknown levels fail closed
	}
}

// Signal sources.
const (
	SourceHeuristic  = "heuristic"
	SourceReputation = "reputation"
	SourceDNS        = "dns"
	SourceRedirect   = "redirect"
	SourceWhois      = "whois"
)

// Verdict is the current risk state of one link. It is replaced whole on
// every change, never patched.
type Verdict struct {
	Level   Level    `json:"level"`
	Label   string   `json:"label"`
	Reasons []string `json:"reasons"`
	Source  string   `json:"source"`
}

// String renders the verdict the way the badge tooltip shows it.
func (v Verdict) String() string {
	text := v.Label
	if len(v.Reasons) > 0 {
		text = strings.Join(v.Reasons, " • ")
	}
	return fmt.Sprintf("%s • %s", v.Source, text)
}

func (v Verdict) clone() Verdict {
	v.Reasons = append([]string(nil), v.Reasons...)
	return v
}

// RiskScore is the additive heuristic estimate for a URL.
type RiskScore struct {
	Score   int      `json:"score"`
	Reasons []string `json:"reasons"`
}
