package device

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestParse_Table(t *testing.T) {
	tests := []struct {
		name     string
		ua       string
		platform string
		browser  string
	}{
		{
			name:     "windows chrome",
			ua:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			platform: "Windows",
			browser:  "Chrome",
		},
		{
			name:     "windows chromium edge",
			ua:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.2478.51",
			platform: "Windows",
			browser:  "Edge",
		},
		{
			name:     "legacy edge",
			ua:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/52.0.2743.116 Safari/537.36 Edge/15.15063",
			platform: "Windows",
			browser:  "Edge",
		},
		{
			name:     "presto opera",
			ua:       "Opera/9.80 (Windows NT 6.1; WOW64) Presto/2.12.388 Version/12.18",
			platform: "Windows",
			browser:  "Opera",
		},
		{
			name:     "chromium opera",
			ua:       "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36 OPR/108.0.0.0",
			platform: "macOS",
			browser:  "Opera",
		},
		{
			name:     "mac safari",
			ua:       "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
			platform: "macOS",
			browser:  "Safari",
		},
		{
			name:     "iphone safari",
			ua:       "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
			platform: "iOS",
			browser:  "Safari",
		},
		{
			name:     "iphone chrome",
			ua:       "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) CriOS/124.0.6367.88 Mobile/15E148 Safari/604.1",
			platform: "iOS",
			browser:  "Chrome",
		},
		{
			name:     "android samsung",
			ua:       "Mozilla/5.0 (Linux; Android 14; SM-S918B) AppleWebKit/537.36 (KHTML, like Gecko) SamsungBrowser/24.0 Chrome/117.0.0.0 Mobile Safari/537.36",
			platform: "Android",
			browser:  "Samsung Internet",
		},
		{
			name:     "android chrome",
			ua:       "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36",
			platform: "Android",
			browser:  "Chrome",
		},
		{
			name:     "ubuntu firefox",
			ua:       "Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
			platform: "Ubuntu",
			browser:  "Firefox",
		},
		{
			name:     "generic linux chrome",
			ua:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			platform: "Linux",
			browser:  "Chrome",
		},
		{
			name:     "chrome os",
			ua:       "Mozilla/5.0 (X11; CrOS x86_64 14541.0.0) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			platform: "Chrome OS",
			browser:  "Chrome",
		},
		{
			name:     "ie11",
			ua:       "Mozilla/5.0 (Windows NT 10.0; WOW64; Trident/7.0; rv:11.0) like Gecko",
			platform: "Windows",
			browser:  "Internet Explorer",
		},
		{
			name:     "garbage",
			ua:       "garbage-string",
			platform: Unknown,
			browser:  Unknown,
		},
		{
			name:     "empty",
			ua:       "",
			platform: Unknown,
			browser:  Unknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.ua, "203.0.113.7")
			if got.Platform != tt.platform {
				t.Fatalf("platform: got %q want %q", got.Platform, tt.platform)
			}
			if got.Browser != tt.browser {
				t.Fatalf("browser: got %q want %q", got.Browser, tt.browser)
			}
			if want := tt.platform + " - " + tt.browser; got.DeviceName != want {
				t.Fatalf("device name: got %q want %q", got.DeviceName, want)
			}
		})
	}
}

func TestParse_TruncatesUserAgent(t *testing.T) {
	got := Parse(strings.Repeat("a", 4*maxUserAgentLen), "")
	if len(got.UserAgent) != maxUserAgentLen {
		t.Fatalf("expected truncation to %d, got %d", maxUserAgentLen, len(got.UserAgent))
	}
}

func TestParse_UserAgentStaysValidUTF8(t *testing.T) {
	tests := []struct {
		name    string
		ua      string
		wantLen int
	}{
		{"multibyte at cap", strings.Repeat("a", maxUserAgentLen-1) + "é", maxUserAgentLen - 1},
		{"multibyte inside cap", strings.Repeat("a", maxUserAgentLen-2) + "é", maxUserAgentLen},
		{"invalid bytes dropped", "Mozilla/5.0 \xff\xfe(X11; Linux x86_64)", len("Mozilla/5.0 (X11; Linux x86_64)")},
		{"three byte runes", strings.Repeat("€", maxUserAgentLen), maxUserAgentLen - maxUserAgentLen%3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.ua, "").UserAgent
			if !utf8.ValidString(got) {
				t.Fatalf("user agent is not valid UTF-8: %q", got)
			}
			if len(got) != tt.wantLen {
				t.Fatalf("len: got %d want %d", len(got), tt.wantLen)
			}
		})
	}

	if got := Parse("Mozilla/5.0 \xff(X11; Linux x86_64) Firefox/125.0", ""); got.Platform != "Linux" || got.Browser != "Firefox" {
		t.Fatalf("classification after cleanup: %+v", got)
	}
}

func TestNormalizeIP(t *testing.T) {
	tests := map[string]string{
		"":                  "",
		"not-an-ip":         "",
		"203.0.113.7":       "203.0.113.7",
		" 203.0.113.7 ":     "203.0.113.7",
		"203.0.113.7:443":   "203.0.113.7",
		"::ffff:10.0.0.1":   "10.0.0.1",
		"[2001:db8::1]:80":  "2001:db8::1",
		"2001:DB8:0:0::1":   "2001:db8::1",
		"fe80::1%eth0":      "fe80::1",
	}
	for in, want := range tests {
		if got := NormalizeIP(in); got != want {
			t.Fatalf("NormalizeIP(%q): got %q want %q", in, got, want)
		}
	}
}

func TestInfo_Merge(t *testing.T) {
	prev := Parse("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36", "198.51.100.1")

	merged := Parse("", "203.0.113.9").Merge(prev)
	if merged.Platform != "Windows" || merged.Browser != "Chrome" {
		t.Fatalf("expected labels kept from prev, got %q/%q", merged.Platform, merged.Browser)
	}
	if merged.IPAddress != "203.0.113.9" {
		t.Fatalf("expected new ip, got %q", merged.IPAddress)
	}
	if merged.DeviceName != "Windows - Chrome" {
		t.Fatalf("device name: %q", merged.DeviceName)
	}

	if got := (Info{}).Merge(Info{}); got.DeviceName != "Unknown - Unknown" {
		t.Fatalf("empty merge: %q", got.DeviceName)
	}
}
