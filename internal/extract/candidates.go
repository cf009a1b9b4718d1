package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/samber/lo"

	"github.com/JakeFAU/episode-sync/internal/catalog"
)

const (
	optionSelector   = "[data-post][data-nume]"
	redirectSelector = `[src*="trembed="], [data-src*="trembed="], [href*="trembed="]`
	iframeSelector   = "iframe"
)

type rawCandidate struct {
	name     string
	url      string
	external bool
}

// Candidates returns the ordered, de-duplicated server candidates found on an episode page.
// Sources are taken in priority order: player-option triples, redirection links, then iframes.
func Candidates(doc *goquery.Document, pageURL string, site Site) []catalog.ServerCandidate {
	if doc == nil {
		return nil
	}
	var raw []rawCandidate
	raw = append(raw, playerOptions(doc, site)...)
	raw = append(raw, redirectLinks(doc, pageURL)...)
	raw = append(raw, iframes(doc, pageURL, site)...)

	raw = lo.UniqBy(lo.Filter(raw, func(c rawCandidate, _ int) bool { return c.url != "" }),
		func(c rawCandidate) string { return c.url })

	out := make([]catalog.ServerCandidate, 0, len(raw))
	for i, c := range raw {
		ordinal := i + 1
		name := c.name
		if name == "" {
			name = fmt.Sprintf("Server %d", ordinal)
		}
		out = append(out, catalog.ServerCandidate{
			Name:     name,
			Ordinal:  ordinal,
			URL:      c.url,
			External: c.external,
		})
	}
	return out
}

func playerOptions(doc *goquery.Document, site Site) []rawCandidate {
	var out []rawCandidate
	doc.Find(optionSelector).Each(func(_ int, s *goquery.Selection) {
		post := strings.TrimSpace(s.AttrOr("data-post", ""))
		nume := strings.TrimSpace(s.AttrOr("data-nume", ""))
		if post == "" || nume == "" || strings.EqualFold(nume, "trailer") {
			return
		}
		out = append(out, rawCandidate{
			name: optionName(s),
			url:  site.RedirectURL(nume, post, s.AttrOr("data-type", "tv")),
		})
	})
	return out
}

func redirectLinks(doc *goquery.Document, pageURL string) []rawCandidate {
	var out []rawCandidate
	doc.Find(redirectSelector).Each(func(_ int, s *goquery.Selection) {
		ref := lo.CoalesceOrEmpty(s.AttrOr("src", ""), s.AttrOr("data-src", ""), s.AttrOr("href", ""))
		abs := Absolute(pageURL, ref)
		if abs == "" || !HasRedirectMarker(abs) {
			return
		}
		out = append(out, rawCandidate{name: optionName(s), url: abs})
	})
	return out
}

func iframes(doc *goquery.Document, pageURL string, site Site) []rawCandidate {
	var out []rawCandidate
	doc.Find(iframeSelector).Each(func(_ int, s *goquery.Selection) {
		abs := Absolute(pageURL, iframeSource(s))
		if abs == "" {
			return
		}
		out = append(out, rawCandidate{url: abs, external: site.IsExternal(abs)})
	})
	return out
}

func iframeSource(s *goquery.Selection) string {
	return lo.CoalesceOrEmpty(
		strings.TrimSpace(s.AttrOr("src", "")),
		strings.TrimSpace(s.AttrOr("data-src", "")),
		strings.TrimSpace(s.AttrOr("data-lazy-src", "")),
	)
}

func optionName(s *goquery.Selection) string {
	for _, sel := range []string{".title", ".server", "span"} {
		if text := collapse(s.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return collapse(s.Text())
}

func collapse(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
