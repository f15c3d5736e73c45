// Package fetcher defines the page fetch contract shared by discovery and
// extraction strategies, plus helpers to parse fetched HTML.
package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/image-crawler/internal/session"
)

// Request describes a single page fetch.
type Request struct {
	URL     string
	Referer string
	Headers http.Header
}

// Page is a fetched (and possibly rendered) document.
type Page struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
	Rendered   bool
}

// Fetcher retrieves pages using the shared session.
type Fetcher interface {
	Fetch(ctx context.Context, sess *session.Session, req Request) (Page, error)
}

// ContentType returns the lowercased media type without parameters. Rendered
// pages are always HTML.
func (p Page) ContentType() string {
	if p.Rendered {
		return "text/html"
	}
	ct := p.Header.Get("Content-Type")
	if ct == "" && len(p.Body) > 0 {
		ct = http.DetectContentType(p.Body)
	}
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = ct[:idx]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// IsHTML reports whether the page body is an HTML document.
func (p Page) IsHTML() bool {
	ct := p.ContentType()
	return ct == "text/html" || ct == "application/xhtml+xml"
}

// Document parses the body with goquery. The document URL is set so relative
// references can be resolved against it.
func (p Page) Document() (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if u, err := url.Parse(p.URL); err == nil {
		doc.Url = u
	}
	return doc, nil
}

// BaseURL returns the href of a <base> element when present, otherwise the page URL.
func BaseURL(doc *goquery.Document, pageURL string) string {
	href, ok := doc.Find("base[href]").First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return pageURL
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return pageURL
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return pageURL
	}
	return base.ResolveReference(ref).String()
}

// RequestHeaders merges the session defaults with per-request headers for
// clients that set User-Agent and content encoding themselves.
func RequestHeaders(sess *session.Session, req Request) http.Header {
	h := sess.Header()
	h.Del("User-Agent")
	h.Del("Accept-Encoding")
	for key, values := range req.Headers {
		h.Del(key)
		for _, v := range values {
			h.Add(key, v)
		}
	}
	if req.Referer != "" {
		h.Set("Referer", req.Referer)
	}
	return h
}
