// Package device turns a raw User-Agent header and client IP into the
// device labels shown in session listings.
//
// Classification is an ordered rule table per dimension. Rules are checked
// top to bottom and the first match wins, so specific tokens sit above the
// generic ones they are embedded in ("Edg/" above "Chrome/", "Android" above
// "Linux", "iPhone" above "Mac OS X").
package device

import (
	"net/netip"
	"strings"
	"unicode/utf8"
)

// Unknown is reported when no rule matches.
const Unknown = "Unknown"

// maxUserAgentLen caps the stored user agent.
const maxUserAgentLen = 512

// Info is the normalized device snapshot stored with a refresh token.
type Info struct {
	Platform   string
	Browser    string
	DeviceName string
	IPAddress  string
	UserAgent  string
}

// IsZero reports whether no field is set.
func (i Info) IsZero() bool {
	return i == Info{}
}

// Merge returns i with empty fields filled from prev.
//
// Rotation uses it so a client that stops sending a header keeps the labels
// recorded at login.
func (i Info) Merge(prev Info) Info {
	out := i
	if out.Platform == "" || out.Platform == Unknown {
		if prev.Platform != "" {
			out.Platform = prev.Platform
		}
	}
	if out.Browser == "" || out.Browser == Unknown {
		if prev.Browser != "" {
			out.Browser = prev.Browser
		}
	}
	if out.IPAddress == "" {
		out.IPAddress = prev.IPAddress
	}
	if out.UserAgent == "" {
		out.UserAgent = prev.UserAgent
	}
	if out.Platform == "" {
		out.Platform = Unknown
	}
	if out.Browser == "" {
		out.Browser = Unknown
	}
	out.DeviceName = name(out.Platform, out.Browser)
	return out
}

type rule struct {
	match func(ua string) bool
	label string
}

func has(tokens ...string) func(string) bool {
	return func(ua string) bool {
		for _, t := range tokens {
			if strings.Contains(ua, t) {
				return true
			}
		}
		return false
	}
}

func all(tokens ...string) func(string) bool {
	return func(ua string) bool {
		for _, t := range tokens {
			if !strings.Contains(ua, t) {
				return false
			}
		}
		return true
	}
}

func hasNot(tok string, not ...string) func(string) bool {
	return func(ua string) bool {
		if !strings.Contains(ua, tok) {
			return false
		}
		for _, n := range not {
			if strings.Contains(ua, n) {
				return false
			}
		}
		return true
	}
}

var platformRules = []rule{
	{has("Windows Phone"), "Windows Phone"},
	{has("Windows NT", "Windows ", "Win64", "Win32"), "Windows"},
	{has("Android"), "Android"},
	{has("iPhone", "iPad", "iPod", "iOS"), "iOS"},
	{has("CrOS"), "Chrome OS"},
	{has("Macintosh", "Mac OS X"), "macOS"},
	{has("Ubuntu"), "Ubuntu"},
	{has("Fedora"), "Fedora"},
	{has("Debian"), "Debian"},
	{has("Linux Mint"), "Linux Mint"},
	{has("CentOS"), "CentOS"},
	{has("FreeBSD"), "FreeBSD"},
	{has("Linux", "X11"), "Linux"},
}

var browserRules = []rule{
	{has("Edg/", "EdgA/", "EdgiOS/"), "Edge"},
	{has("Edge/"), "Edge"},
	{hasNot("Opera", "OPR/"), "Opera"},
	{has("OPR/", "OPiOS/"), "Opera"},
	{has("SamsungBrowser/"), "Samsung Internet"},
	{has("YaBrowser/"), "Yandex"},
	{has("Vivaldi/"), "Vivaldi"},
	{has("Brave/"), "Brave"},
	{has("UCBrowser/"), "UC Browser"},
	{has("CriOS/"), "Chrome"},
	{has("FxiOS/", "Firefox/"), "Firefox"},
	{has("MSIE ", "Trident/"), "Internet Explorer"},
	{has("Chromium/"), "Chromium"},
	{has("Chrome/"), "Chrome"},
	{all("Safari/", "Version/"), "Safari"},
	{has("Safari/"), "Safari"},
}

func classify(rules []rule, ua string) string {
	for _, r := range rules {
		if r.match(ua) {
			return r.label
		}
	}
	return Unknown
}

func name(platform, browser string) string {
	return platform + " - " + browser
}

// Parse classifies a user agent and normalizes the client IP.
//
// It never fails: unrecognized input yields Unknown labels and an
// unparsable IP yields an empty address.
func Parse(userAgent, ip string) Info {
	ua := clampUserAgent(userAgent)

	platform := classify(platformRules, ua)
	browser := classify(browserRules, ua)

	return Info{
		Platform:   platform,
		Browser:    browser,
		DeviceName: name(platform, browser),
		IPAddress:  NormalizeIP(ip),
		UserAgent:  ua,
	}
}

// clampUserAgent drops invalid UTF-8 and cuts at a rune boundary so the
// result is always storable in a text column.
func clampUserAgent(raw string) string {
	ua := strings.TrimSpace(strings.ToValidUTF8(raw, ""))
	if len(ua) <= maxUserAgentLen {
		return ua
	}
	n := maxUserAgentLen
	for n > 0 && !utf8.RuneStart(ua[n]) {
		n--
	}
	return ua[:n]
}

// NormalizeIP returns the canonical text form of ip, or "" if it cannot be parsed.
// IPv4-mapped IPv6 addresses are unmapped; zones are dropped.
func NormalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ""
	}
	if ap, err := netip.ParseAddrPort(ip); err == nil {
		return ap.Addr().Unmap().WithZone("").String()
	}
	addr, err := netip.ParseAddr(strings.Trim(ip, "[]"))
	if err != nil {
		return ""
	}
	return addr.Unmap().WithZone("").String()
}
