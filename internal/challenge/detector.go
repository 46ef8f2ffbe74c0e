package challenge

import (
	"bytes"
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var markers = [][]byte{
	[]byte("g-recaptcha"),
	[]byte("h-captcha"),
	[]byte("cf-turnstile"),
	[]byte("captcha"),
	[]byte("challenge-form"),
	[]byte("/recaptcha/api"),
	[]byte("hcaptcha.com"),
	[]byte("challenges.cloudflare.com"),
}

// Detect reports whether the page carries a known challenge marker. Matching is loose on purpose.
func Detect(page []byte) bool {
	if len(page) == 0 {
		return false
	}
	lower := bytes.ToLower(page)
	for _, m := range markers {
		if bytes.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Describe extracts a Descriptor from a challenge page.
func Describe(page []byte, pageURL string) (Descriptor, bool) {
	if len(page) == 0 {
		return Descriptor{}, false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return Descriptor{}, false
	}
	for _, probe := range []func(*goquery.Document) (Descriptor, bool){
		widgetProbe(".g-recaptcha[data-sitekey]", KindRecaptchaV2),
		widgetProbe(".h-captcha[data-sitekey]", KindHCaptcha),
		widgetProbe(".cf-turnstile[data-sitekey]", KindTurnstile),
		recaptchaV3Probe,
		iframeProbe,
		genericSiteKeyProbe(page),
		imageProbe,
	} {
		if d, ok := probe(doc); ok {
			d.PageURL = pageURL
			d.ImageURL = resolveRef(pageURL, d.ImageURL)
			return d, true
		}
	}
	return Descriptor{}, false
}

func widgetProbe(selector string, kind Kind) func(*goquery.Document) (Descriptor, bool) {
	return func(doc *goquery.Document) (Descriptor, bool) {
		sel := doc.Find(selector).First()
		key := strings.TrimSpace(sel.AttrOr("data-sitekey", ""))
		if key == "" {
			return Descriptor{}, false
		}
		return Descriptor{Kind: kind, SiteKey: key, Action: sel.AttrOr("data-action", "")}, true
	}
}

func recaptchaV3Probe(doc *goquery.Document) (Descriptor, bool) {
	var d Descriptor
	found := false
	doc.Find(`script[src*="render="]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src, _ := s.Attr("src")
		if !strings.Contains(src, "recaptcha") {
			return true
		}
		u, err := url.Parse(src)
		if err != nil {
			return true
		}
		key := u.Query().Get("render")
		if key == "" || key == "explicit" {
			return true
		}
		d = Descriptor{Kind: KindRecaptchaV3, SiteKey: key, Action: DefaultV3Action, MinScore: DefaultV3MinScore}
		found = true
		return false
	})
	return d, found
}

func iframeProbe(doc *goquery.Document) (Descriptor, bool) {
	var d Descriptor
	found := false
	doc.Find("iframe[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src, _ := s.Attr("src")
		u, err := url.Parse(src)
		if err != nil {
			return true
		}
		q := u.Query()
		switch {
		case strings.Contains(src, "recaptcha") && q.Get("k") != "":
			d = Descriptor{Kind: KindRecaptchaV2, SiteKey: q.Get("k")}
		case strings.Contains(src, "hcaptcha") && q.Get("sitekey") != "":
			d = Descriptor{Kind: KindHCaptcha, SiteKey: q.Get("sitekey")}
		default:
			return true
		}
		found = true
		return false
	})
	return d, found
}

func genericSiteKeyProbe(page []byte) func(*goquery.Document) (Descriptor, bool) {
	return func(doc *goquery.Document) (Descriptor, bool) {
		key := strings.TrimSpace(doc.Find("[data-sitekey]").First().AttrOr("data-sitekey", ""))
		if key == "" {
			return Descriptor{}, false
		}
		lower := bytes.ToLower(page)
		kind := KindRecaptchaV2
		switch {
		case bytes.Contains(lower, []byte("hcaptcha")):
			kind = KindHCaptcha
		case bytes.Contains(lower, []byte("turnstile")):
			kind = KindTurnstile
		}
		return Descriptor{Kind: kind, SiteKey: key}, true
	}
}

func imageProbe(doc *goquery.Document) (Descriptor, bool) {
	sel := doc.Find(`img[src*="captcha"], img[id*="captcha"], img[class*="captcha"]`).First()
	src := strings.TrimSpace(sel.AttrOr("src", ""))
	if src == "" {
		return Descriptor{}, false
	}
	if data, ok := decodeDataURI(src); ok {
		return Descriptor{Kind: KindImage, Image: data}, true
	}
	return Descriptor{Kind: KindImage, ImageURL: src}, true
}

func decodeDataURI(src string) ([]byte, bool) {
	if !strings.HasPrefix(src, "data:") {
		return nil, false
	}
	comma := strings.IndexByte(src, ',')
	if comma < 0 || !strings.HasSuffix(src[:comma], ";base64") {
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(src[comma+1:])
	if err != nil {
		return nil, false
	}
	return data, true
}

func resolveRef(base, ref string) string {
	if ref == "" || base == "" {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
