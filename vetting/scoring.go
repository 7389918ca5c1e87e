package vetting

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

var (
	executableExt = regexp.MustCompile(`(?i)\.(exe|msi|scr|js|vbs|apk|pkg|iso)(\?|#|$)`)
	archiveExt    = regexp.MustCompile(`(?i)\.(zip|rar|7z)(\?|#|$)`)
	encodedNull   = regexp.MustCompile(`(?i)%00|%2f`)
	suspiciousRe  = regexp.MustCompile(`(?i)login|verify|reset|invoice|gift|download|wallet|seed`)
)

// Shorteners lists hosts that hide the real destination behind a redirect.
var Shorteners = map[string]bool{
	"bit.ly":      true,
	"t.co":        true,
	"goo.gl":      true,
	"tinyurl.com": true,
	"ow.ly":       true,
	"is.gd":       true,
	"rebrand.ly":  true,
	"cutt.ly":     true,
	"rb.gy":       true,
	"s.id":        true,
	"lnkd.in":     true,
}

// RiskyTLDs are top-level domains over-represented in abuse feeds.
var RiskyTLDs = map[string]bool{
	"top":     true,
	"xyz":     true,
	"click":   true,
	"cam":     true,
	"monster": true,
	"gq":      true,
	"cf":      true,
	"tk":      true,
	"ml":      true,
}

// Score computes the heuristic risk of rawURL. It never fails: a URL that
// cannot be parsed gets a fixed high score instead.
func Score(rawURL string, pageIsSecure bool) RiskScore {
	u, ok := parseLink(rawURL)
	if !ok {
		return RiskScore{Score: weightMalformed, Reasons: []string{"Malformed URL"}}
	}

	score := 0
	reasons := []string{}
	add := func(points int, reason string) {
		score += points
		reasons = append(reasons, reason)
	}

	if u.Scheme != "https" {
		add(weightNonHTTPS, "Non-HTTPS")
	}

	host := strings.ToLower(u.Hostname())
	asciiHost := asciiHostname(host)
	if strings.Contains(asciiHost, "xn--") {
		add(weightPunycode, "IDN/punycode")
	}
	if hasNonASCII(host) {
		add(weightUnicodeHost, "Unicode hostname")
	}
	if Shorteners[asciiHost] {
		add(weightShortener, "Shortener/redirector")
	}
	if tld := asciiHost[strings.LastIndex(asciiHost, ".")+1:]; RiskyTLDs[tld] {
		add(weightRiskyTLD, fmt.Sprintf("Risky TLD .%s", tld))
	}

	path := u.EscapedPath()
	pathQuery := path
	if u.RawQuery != "" {
		pathQuery += "?" + u.RawQuery
	}
	if executableExt.MatchString(path) {
		add(weightExecutable, "Executable download")
	}
	if archiveExt.MatchString(path) {
		add(weightArchive, "Archive download")
	}
	if len(pathQuery) > longPathQueryLimit {
		add(weightLongPathQuery, "Very long query/path")
	}
	if strings.Count(rawURL, "@") > 1 {
		add(weightMultipleAt, "Multiple @")
	}
	if encodedNull.MatchString(rawURL) {
		add(weightEncodedNull, "Encoded null/slash")
	}
	if suspiciousRe.MatchString(pathQuery) {
		add(weightSuspiciousWords, "Suspicious keywords")
	}

	if port := u.Port(); port != "" && port != "80" && port != "443" {
		add(weightUncommonPort, fmt.Sprintf("Uncommon port :%s", port))
	}
	if pageIsSecure && u.Scheme == "http" {
		add(weightMixedContent, "Mixed content (HTTP link from HTTPS page)")
	}

	return RiskScore{Score: score, Reasons: reasons}
}

// parseLink accepts only absolute URLs; web schemes must also name a host.
func parseLink(rawURL string) (*url.URL, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || !u.IsAbs() {
		return nil, false
	}
	if (u.Scheme == "http" || u.Scheme == "https") && u.Hostname() == "" {
		return nil, false
	}
	return u, true
}

// linkHost returns the lower-cased ASCII (punycode) hostname of rawURL, the
// form resolvers expect, or "" when there is none.
func linkHost(rawURL string) string {
	u, ok := parseLink(rawURL)
	if !ok {
		return ""
	}
	return asciiHostname(u.Hostname())
}

// asciiHostname converts host to its IDNA ASCII form, keeping the lower-cased
// input when conversion fails.
func asciiHostname(host string) string {
	host = strings.ToLower(host)
	if converted, err := idna.ToASCII(host); err == nil {
		return strings.ToLower(converted)
	}
	return host
}

func hasNonASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return true
		}
	}
	return false
}
