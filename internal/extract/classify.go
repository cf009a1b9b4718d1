// Package extract finds candidate embed URLs in episode and player documents and
// classifies URLs as playable media, known players or intermediate hops.
package extract

import (
	"net/url"
	"path"
	"strings"
)

// Rule is a named URL predicate. Rule tables are evaluated in order and the first match wins.
type Rule struct {
	Name  string
	Match func(u *url.URL) bool
}

// RedirectMarkers are the query parameters that identify a redirection endpoint.
var RedirectMarkers = []string{"trembed", "trid", "trtype"}

var mediaExtensions = []string{".mp4", ".m3u8", ".mpd", ".webm", ".mkv", ".m4v", ".mov", ".flv", ".ts"}

var streamingCDNHosts = []string{
	"googlevideo.com",
	"googleusercontent.com",
	"akamaized.net",
	"cloudfront.net",
	"b-cdn.net",
	"bunnycdn",
	"vidcdn",
	"cdnfile",
	"mycdn",
	"tiktokcdn",
}

var playerHosts = []string{
	"streamtape",
	"dood",
	"ds2play",
	"d0o0d",
	"filemoon",
	"voe.sx",
	"mixdrop",
	"streamwish",
	"wishembed",
	"uqload",
	"ok.ru",
	"vidhide",
	"streamlare",
	"upstream.to",
	"mp4upload",
	"fembed",
	"vidoza",
	"vidmoly",
	"luluvdo",
	"lulustream",
	"wolfstream",
	"netu",
	"hqq.",
	"waaw",
	"vidguard",
	"listeamed",
	"embedsito",
	"plustream",
	"yourupload",
	"sendvid",
	"mega.nz",
	"drive.google.com",
}

var (
	embedPathMarkers  = []string{"/embed/", "/embed.php", "/embed-", "/player/", "/iframe/", "/videoembed/"}
	embedPathPrefixes = []string{"/e/", "/v/", "/f/"}
)

var videoRules = []Rule{
	{Name: "media-extension", Match: hasMediaExtension},
	{Name: "stream-manifest", Match: isStreamManifest},
	{Name: "streaming-cdn", Match: func(u *url.URL) bool { return hostContainsAny(u, streamingCDNHosts) }},
	{Name: "player-host", Match: isKnownPlayer},
}

var followRules = []Rule{
	{Name: "redirect-marker", Match: hasRedirectMarker},
	{Name: "embed-path", Match: hasEmbedPath},
}

// VideoRules returns the ordered "is video" table.
func VideoRules() []Rule {
	return append([]Rule(nil), videoRules...)
}

// FollowRules returns the ordered "needs follow" table.
func FollowRules() []Rule {
	return append([]Rule(nil), followRules...)
}

// MatchVideo returns the name of the first video rule matching raw.
func MatchVideo(raw string) (string, bool) {
	return firstMatch(videoRules, raw)
}

// IsVideo reports whether raw looks like playable media or a terminal player.
func IsVideo(raw string) bool {
	_, ok := MatchVideo(raw)
	return ok
}

// MatchFollow returns the name of the first follow rule matching raw.
func MatchFollow(raw string) (string, bool) {
	return firstMatch(followRules, raw)
}

// NeedsFollow reports whether raw is an intermediate hop that must be fetched.
func NeedsFollow(raw string) bool {
	_, ok := MatchFollow(raw)
	return ok
}

// IsKnownPlayer reports whether raw points at a recognized third-party player.
func IsKnownPlayer(raw string) bool {
	u, ok := parseHTTP(raw)
	return ok && isKnownPlayer(u)
}

// HasRedirectMarker reports whether raw carries a redirection query marker.
func HasRedirectMarker(raw string) bool {
	u, ok := parseHTTP(raw)
	return ok && hasRedirectMarker(u)
}

func firstMatch(rules []Rule, raw string) (string, bool) {
	u, ok := parseHTTP(raw)
	if !ok {
		return "", false
	}
	for _, rule := range rules {
		if rule.Match(u) {
			return rule.Name, true
		}
	}
	return "", false
}

func parseHTTP(raw string) (*url.URL, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	return u, true
}

func hasMediaExtension(u *url.URL) bool {
	ext := strings.ToLower(path.Ext(u.Path))
	for _, candidate := range mediaExtensions {
		if ext == candidate {
			return true
		}
	}
	return false
}

func isStreamManifest(u *url.URL) bool {
	p := strings.ToLower(u.Path)
	if strings.Contains(p, "/hls/") || strings.Contains(p, "/dash/") || strings.HasSuffix(p, "/master") {
		return true
	}
	q := u.Query()
	for _, key := range []string{"format", "type", "ext"} {
		switch strings.ToLower(q.Get(key)) {
		case "m3u8", "mp4", "hls", "mpd":
			return true
		}
	}
	return false
}

func isKnownPlayer(u *url.URL) bool {
	return hostContainsAny(u, playerHosts)
}

func hasRedirectMarker(u *url.URL) bool {
	q := u.Query()
	for _, marker := range RedirectMarkers {
		if q.Has(marker) {
			return true
		}
	}
	return false
}

func hasEmbedPath(u *url.URL) bool {
	p := strings.ToLower(u.Path)
	for _, marker := range embedPathMarkers {
		if strings.Contains(p, marker) {
			return true
		}
	}
	for _, prefix := range embedPathPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func hostContainsAny(u *url.URL, needles []string) bool {
	host := strings.ToLower(u.Hostname())
	for _, needle := range needles {
		if strings.Contains(host, needle) {
			return true
		}
	}
	return false
}
