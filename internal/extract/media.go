package extract

import (
	"github.com/PuerkitoBio/goquery"
)

const mediaSelector = "video[src], video source[src], audio[src], source[src]"

// DirectMedia returns the first media element source that resolves to an absolute, non-blob URL.
func DirectMedia(doc *goquery.Document, pageURL string) string {
	if doc == nil {
		return ""
	}
	var found string
	doc.Find(mediaSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		found = Absolute(pageURL, s.AttrOr("src", ""))
		return found == ""
	})
	return found
}

// PickIframe returns the first iframe source that differs from pageURL and is not yet visited.
func PickIframe(doc *goquery.Document, pageURL string, visited func(string) bool) string {
	if doc == nil {
		return ""
	}
	var picked string
	doc.Find(iframeSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		abs := Absolute(pageURL, iframeSource(s))
		if abs == "" || abs == pageURL || (visited != nil && visited(abs)) {
			return true
		}
		picked = abs
		return false
	})
	return picked
}
