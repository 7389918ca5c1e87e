package vetting

import (
	"fmt"
)

// Policy selects how a newly resolved signal verdict meets the current one.
type Policy string

const (
	// PolicyOverwrite replaces the current verdict with every definitive signal,
	// whatever its severity.
	PolicyOverwrite Policy = "overwrite"
	// PolicySeverity only lets a signal raise the verdict, unless the signal is
	// a trusted clear.
	PolicySeverity Policy = "severity"
)

// Outcome is what one resolved signal contributes to a link: either a
// definitive verdict or annotation text.
type Outcome struct {
	Source       string
	Verdict      *Verdict
	TrustedClear bool
	Annotations  []string
}

// ReputationOutcome maps a reputation result. Only a clean or malicious
// answer produces a verdict.
func ReputationOutcome(r ReputationResult) Outcome {
	o := Outcome{Source: SourceReputation}
	switch r.Status {
	case ReputationNotConfigured:
		o.Annotations = []string{"VT:not configured"}
	case ReputationUnknown:
		o.Annotations = []string{"VT:unknown"}
	case ReputationError:
		o.Annotations = []string{"VT:" + r.Error}
	case ReputationFound:
		if r.Malicious {
			o.Verdict = &Verdict{
				Level:   LevelDanger,
				Label:   LevelDanger.Label(),
				Reasons: []string{fmt.Sprintf("VirusTotal flagged (malicious=%d, suspicious=%d)", r.Stats.Malicious, r.Stats.Suspicious)},
				Source:  SourceReputation,
			}
		} else if r.Clean {
			o.Verdict = &Verdict{
				Level:   LevelOK,
				Label:   LevelOK.Label(),
				Reasons: []string{"No VT engines detected"},
				Source:  SourceReputation,
			}
			o.TrustedClear = true
		} else {
			o.Annotations = []string{"VT:unknown"}
		}
	}
	return o
}

// ExistenceOutcome maps a domain existence answer. A resolving domain changes nothing.
func ExistenceOutcome(exists bool) Outcome {
	o := Outcome{Source: SourceDNS}
	if !exists {
		o.Verdict = &Verdict{
			Level:   LevelHallucinated,
			Label:   LevelHallucinated.Label(),
			Reasons: []string{"Domain does not resolve - possible hallucinated link"},
			Source:  SourceDNS,
		}
	}
	return o
}

// RedirectOutcome annotates where a link really goes.
func RedirectOutcome(r RedirectResult) Outcome {
	o := Outcome{Source: SourceRedirect}
	switch {
	case r.Error != "":
		o.Annotations = []string{"Redirect:" + r.Error}
	case len(r.Redirects) > 0:
		o.Annotations = []string{fmt.Sprintf("Redirects to %s (%d hop(s))", r.FinalURL, len(r.Redirects))}
	}
	return o
}

// AgeOutcome annotates domain registration age, flagging domains younger
// than newDomainDays.
func AgeOutcome(a DomainAge, newDomainDays int) Outcome {
	o := Outcome{Source: SourceWhois}
	if a.Error != "" {
		o.Annotations = []string{"WHOIS:" + a.Error}
		return o
	}
	o.Annotations = []string{fmt.Sprintf("Domain registered %d day(s) ago", a.AgeDays)}
	if a.AgeDays < newDomainDays {
		o.Annotations = append(o.Annotations, "Newly registered domain")
	}
	return o
}

// Reconciler decides the next verdict of a link when a signal resolves.
type Reconciler struct {
	Policy Policy
	// TrustClean lets a clean reputation result lower the verdict under PolicySeverity.
	TrustClean bool
}

// Apply returns the verdict that should be current after o, whether it
// differs from current, and any annotations to attach.
func (rc Reconciler) Apply(current Verdict, o Outcome) (Verdict, bool, []string) {
	notes := append([]string(nil), o.Annotations...)
	if o.Verdict == nil {
		return current, false, notes
	}
	next := o.Verdict.clone()

	if rc.Policy == PolicySeverity {
		lowers := next.Level.rank() < current.Level.rank()
		if lowers && !(o.TrustedClear && rc.TrustClean) {
			notes = append(notes, fmt.Sprintf("%s:%s (kept %s)", next.Source, next.Label, current.Label))
			return current, false, notes
		}
	}
	return next, true, notes
}
