package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ScriptPattern is a named extractor applied to inline script text.
type ScriptPattern struct {
	Name string
	Re   *regexp.Regexp
}

// ScriptMatch is a URL found by a script pattern.
type ScriptMatch struct {
	Pattern string
	URL     string
}

var scriptPatterns = []ScriptPattern{
	{Name: "key-value", Re: regexp.MustCompile(`(?i)\b(?:src|file|url|source)\s*[:=]\s*["']([^"']+)["']`)},
	{Name: "json-key", Re: regexp.MustCompile(`(?i)"(?:src|file|url|source|link|embed_url|embedUrl)"\s*:\s*"([^"]+)"`)},
	{Name: "player-setup", Re: regexp.MustCompile(`(?is)(?:\.setup|Clappr\.Player|videojs|Playerjs)\s*\(\s*\{.*?(?:file|source|src)\s*:\s*["']([^"']+)["']`)},
	{Name: "media-url", Re: regexp.MustCompile(`(?i)(https?:\\?/\\?/[^\s"'<>]+?\.(?:m3u8|mp4|mpd|webm|mkv)(?:\?[^\s"'<>]*)?)`)},
	{Name: "bare-url", Re: regexp.MustCompile(`(https?:\\?/\\?/[^\s"'<>]+)`)},
}

var scriptUnescaper = strings.NewReplacer(`\/`, `/`, `\u0026`, `&`, `\u002F`, `/`, `&amp;`, `&`)

// ScriptPatterns returns the ordered script extraction table.
func ScriptPatterns() []ScriptPattern {
	return append([]ScriptPattern(nil), scriptPatterns...)
}

// ScriptURLs applies the pattern table to every inline script in order and returns
// absolute, de-duplicated URLs in pattern-priority order.
func ScriptURLs(doc *goquery.Document, pageURL string) []ScriptMatch {
	if doc == nil {
		return nil
	}
	var scripts []string
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if _, external := s.Attr("src"); external {
			return
		}
		if text := s.Text(); strings.TrimSpace(text) != "" {
			scripts = append(scripts, text)
		}
	})
	return MatchScripts(scripts, pageURL)
}

// MatchScripts is ScriptURLs over raw script bodies.
func MatchScripts(scripts []string, pageURL string) []ScriptMatch {
	seen := make(map[string]struct{})
	var out []ScriptMatch
	for _, pattern := range scriptPatterns {
		for _, script := range scripts {
			for _, m := range pattern.Re.FindAllStringSubmatch(script, -1) {
				if len(m) < 2 {
					continue
				}
				abs := Absolute(pageURL, scriptUnescaper.Replace(m[1]))
				if abs == "" {
					continue
				}
				if _, dup := seen[abs]; dup {
					continue
				}
				seen[abs] = struct{}{}
				out = append(out, ScriptMatch{Pattern: pattern.Name, URL: abs})
			}
		}
	}
	return out
}
