// Package fetcher downloads the canonical certificate from the issuer's verification page.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/net/html"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/shrimpsizemoose/avlokan/internal/metrics"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultAnchorLabel = "Course Certificate"
	// DefaultMaxBodySize bounds both the verification page and the document.
	DefaultMaxBodySize = 20 << 20
	maxRedirects       = 10
)

const (
	MsgPageFailed     = "failed to fetch the verification page"
	MsgAnchorMissing  = "could not find the certificate link on the verification page"
	MsgDocumentFailed = "failed to download the certificate document"
	MsgSaveFailed     = "failed to save the certificate document"
	MsgOK             = "download successful"
)

type Config struct {
	Timeout     time.Duration
	AnchorLabel string
	MaxBodySize int
	// Client overrides the transport, e.g. to trust a private CA.
	Client *http.Client
}

// Result reports the outcome of a fetch. DocumentURL is set once the
// certificate link has been resolved, even if the download then fails.
type Result struct {
	OK          bool
	DocumentURL string
	Message     string
}

type Fetcher struct {
	client  *resty.Client
	label   string
	maxBody int
}

func NewFetcher(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.AnchorLabel == "" {
		cfg.AnchorLabel = DefaultAnchorLabel
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	client := resty.New()
	if cfg.Client != nil {
		client = resty.NewWithClient(cfg.Client)
	}
	client.
		SetTimeout(cfg.Timeout).
		SetResponseBodyLimit(cfg.MaxBodySize).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(maxRedirects))
	return &Fetcher{client: client, label: cfg.AnchorLabel, maxBody: cfg.MaxBodySize}
}

// Fetch follows the verification link, finds the certificate anchor and
// writes the linked document to dest. It never returns an error; failures
// are described in the Result.
func (f *Fetcher) Fetch(ctx context.Context, link, dest string) Result {
	res := f.fetch(ctx, link, dest)
	outcome := "ok"
	if !res.OK {
		outcome = "failed"
	}
	metrics.CanonicalFetchTotal.WithLabelValues(outcome).Inc()
	return res
}

func (f *Fetcher) fetch(ctx context.Context, link, dest string) Result {
	resp, err := f.client.R().SetContext(ctx).Get(link)
	if errors.Is(err, resty.ErrResponseBodyTooLarge) {
		logger.Error.Printf("Verification page %s exceeds %d bytes", link, f.maxBody)
		return Result{Message: MsgPageFailed}
	}
	if err != nil {
		logger.Error.Printf("Failed to fetch verification page %s: %v", link, err)
		return Result{Message: MsgPageFailed}
	}
	if resp.StatusCode() != http.StatusOK {
		logger.Error.Printf("Verification page %s returned status %d", link, resp.StatusCode())
		return Result{Message: MsgPageFailed}
	}

	final := link
	if resp.RawResponse != nil && resp.RawResponse.Request != nil {
		final = resp.RawResponse.Request.URL.String()
	}

	href, ok := findAnchor(resp.Body(), f.label)
	if !ok {
		logger.Error.Printf("No %q link on verification page %s", f.label, final)
		return Result{Message: MsgAnchorMissing}
	}

	docURL, err := resolve(final, href)
	if err != nil {
		logger.Error.Printf("Bad certificate link %q on %s: %v", href, final, err)
		return Result{Message: MsgAnchorMissing}
	}
	logger.Debug.Printf("Resolved certificate document URL: %s", docURL)

	doc, err := f.client.R().SetContext(ctx).Get(docURL)
	if errors.Is(err, resty.ErrResponseBodyTooLarge) {
		logger.Error.Printf("Certificate %s exceeds %d bytes", docURL, f.maxBody)
		return Result{DocumentURL: docURL, Message: MsgDocumentFailed}
	}
	if err != nil {
		logger.Error.Printf("Failed to download certificate %s: %v", docURL, err)
		return Result{DocumentURL: docURL, Message: MsgDocumentFailed}
	}
	if doc.StatusCode() != http.StatusOK {
		logger.Error.Printf("Certificate download %s returned status %d", docURL, doc.StatusCode())
		return Result{DocumentURL: docURL, Message: MsgDocumentFailed}
	}

	if err := os.WriteFile(dest, doc.Body(), 0o600); err != nil {
		logger.Error.Printf("Failed to write certificate to %s: %v", dest, err)
		return Result{DocumentURL: docURL, Message: MsgSaveFailed}
	}

	logger.Info.Printf("Canonical certificate saved to %s (%d bytes)", dest, len(doc.Body()))
	return Result{OK: true, DocumentURL: docURL, Message: MsgOK}
}

// findAnchor returns the href of the first <a> whose visible text equals label.
func findAnchor(body []byte, label string) (string, bool) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", false
	}

	var walk func(n *html.Node) (string, bool)
	walk = func(n *html.Node) (string, bool) {
		if n.Type == html.ElementNode && n.Data == "a" && strings.TrimSpace(textOf(n)) == label {
			for _, a := range n.Attr {
				if a.Key == "href" && strings.TrimSpace(a.Val) != "" {
					return strings.TrimSpace(a.Val), true
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if href, ok := walk(c); ok {
				return href, true
			}
		}
		return "", false
	}
	return walk(root)
}

func textOf(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textOf(c))
	}
	return b.String()
}

func resolve(base, href string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base: %w", err)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	u := b.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}
