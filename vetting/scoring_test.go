package vetting

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreExecutableOnTopTLD(t *testing.T) {
	rs := Score("http://example.top/invoice.exe", true)

	assert.Equal(t, []string{
		"Non-HTTPS",
		"Risky TLD .top",
		"Executable download",
		"Suspicious keywords",
		"Mixed content (HTTP link from HTTPS page)",
	}, rs.Reasons)
	assert.Equal(t, 125, rs.Score)
	assert.Equal(t, LevelDanger, LevelForScore(rs.Score))
}

func TestScoreCleanHTTPS(t *testing.T) {
	rs := Score("https://example.com/page", true)

	assert.Equal(t, 0, rs.Score)
	assert.Empty(t, rs.Reasons)
	v := VerdictFromScore(rs)
	assert.Equal(t, LevelOK, v.Level)
	assert.Equal(t, "OK", v.Label)
	assert.Equal(t, SourceHeuristic, v.Source)
}

func TestScoreIsDeterministic(t *testing.T) {
	urls := []string{
		"http://example.top/invoice.exe",
		"https://bit.ly/x",
		"not a url",
		"https://example.com:8443/login?next=%2f",
	}
	for _, u := range urls {
		assert.Equal(t, Score(u, true), Score(u, true), u)
	}
}

func TestScoreMalformed(t *testing.T) {
	for _, raw := range []string{"not a url", "http://", "https://[::1", "", "/relative/path"} {
		rs := Score(raw, true)
		assert.Equal(t, 70, rs.Score, raw)
		assert.Equal(t, []string{"Malformed URL"}, rs.Reasons, raw)
		assert.Equal(t, LevelDanger, LevelForScore(rs.Score), raw)
	}
}

func TestScoreRules(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		secure bool
		score  int
		reason string
	}{
		{"punycode", "https://xn--pple-43d.com/", false, 30, "IDN/punycode"},
		{"shortener", "https://bit.ly/abc", false, 15, "Shortener/redirector"},
		{"archive", "https://example.com/files/setup.zip", false, 30, "Archive download"},
		{"executable with query", "https://example.com/tool.msi?v=2", false, 60, "Executable download"},
		{"multiple at", "https://a@b@example.com/", false, 10, "Multiple @"},
		{"encoded slash", "https://example.com/a%2fb", false, 10, "Encoded null/slash"},
		{"uncommon port", "https://example.com:8443/", false, 10, "Uncommon port :8443"},
		{"non https", "http://example.com/", false, 30, "Non-HTTPS"},
		{"keywords in query", "https://example.com/?action=verify", false, 10, "Suspicious keywords"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rs := Score(tc.url, tc.secure)
			assert.Equal(t, tc.score, rs.Score)
			assert.Contains(t, rs.Reasons, tc.reason)
		})
	}
}

func TestScoreStandardPortsIgnored(t *testing.T) {
	assert.NotContains(t, Score("https://example.com:443/", false).Reasons, "Uncommon port :443")
	assert.Equal(t, 30, Score("http://example.com:80/", false).Score)
}

func TestScoreUnicodeHostname(t *testing.T) {
	// Cyrillic "а" in place of the Latin one.
	rs := Score("https://аpple.com/", false)

	assert.Contains(t, rs.Reasons, "Unicode hostname")
	assert.Contains(t, rs.Reasons, "IDN/punycode")
	assert.Equal(t, 45, rs.Score)
	assert.Equal(t, LevelWarn, LevelForScore(rs.Score))
}

func TestScoreLongPath(t *testing.T) {
	rs := Score("https://example.com/"+strings.Repeat("a", 200), false)
	assert.Contains(t, rs.Reasons, "Very long query/path")

	rs = Score("https://example.com/"+strings.Repeat("a", 100), false)
	assert.NotContains(t, rs.Reasons, "Very long query/path")
}

func TestScoreMixedContentNeedsSecurePage(t *testing.T) {
	assert.NotContains(t, Score("http://example.com/", false).Reasons, "Mixed content (HTTP link from HTTPS page)")
	assert.Contains(t, Score("http://example.com/", true).Reasons, "Mixed content (HTTP link from HTTPS page)")
}

func TestLevelForScoreBands(t *testing.T) {
	assert.Equal(t, LevelOK, LevelForScore(0))
	assert.Equal(t, LevelOK, LevelForScore(29))
	assert.Equal(t, LevelWarn, LevelForScore(30))
	assert.Equal(t, LevelWarn, LevelForScore(59))
	assert.Equal(t, LevelDanger, LevelForScore(60))
	assert.Equal(t, LevelDanger, LevelForScore(500))
}

func TestGuardClickMatchesBadge(t *testing.T) {
	for score := 0; score <= 150; score++ {
		g := GuardClick(RiskScore{Score: score})
		assert.Equal(t, LevelForScore(score) != LevelOK, g.Confirm, "score %d", score)
	}
}

func TestGuardClickMessage(t *testing.T) {
	g := GuardClick(Score("http://example.top/invoice.exe", true))
	require.True(t, g.Confirm)
	assert.True(t, strings.HasPrefix(g.Message, "This link looks dangerous.\n"))
	assert.Contains(t, g.Message, "Reasons: Non-HTTPS, Risky TLD .top")
	assert.True(t, strings.HasSuffix(g.Message, "Open anyway?"))

	g = GuardClick(RiskScore{Score: 30, Reasons: []string{"Non-HTTPS"}})
	assert.Equal(t, "This link may be risky.\nReasons: Non-HTTPS\nOpen anyway?", g.Message)

	assert.Equal(t, ClickGuard{}, GuardClick(RiskScore{Score: 29}))
}

func TestLinkHost(t *testing.T) {
	assert.Equal(t, "example.com", linkHost("https://Example.COM:8443/x"))
	assert.Equal(t, "", linkHost("not a url"))
	assert.Equal(t, "", linkHost("mailto:someone@example.com"))
}
