// Package fetch downloads a firmware blob from a URL, rewriting a handful
// of known file-hosting-site indirections to a direct download link first.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// Client is the *http.Client used for the MediaFire page fetch and for
// Download; callers can swap in one with their own timeouts/transport.
// ResolveShortened builds its own non-following client instead.
var Client = http.DefaultClient

var googleDriveIDRe = regexp.MustCompile(`/d/([^/]+)`)

// NormalizeURL rewrites known hosting-site indirections to a direct
// download link. Google Drive file links become the uc?export=download
// endpoint; MediaFire pages are fetched and scraped for the download
// button's href; anything else that looks shortened (a single path
// segment with no file extension, on a host this function doesn't
// otherwise recognise) is resolved by one non-following GET and the
// Location header taken verbatim.
// Recognised-but-unchanged and unrecognised URLs are returned as-is.
func NormalizeURL(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("fetch: parse url: %w", err)
	}

	switch {
	case strings.Contains(u.Host, "drive.google.com"):
		m := googleDriveIDRe.FindStringSubmatch(u.Path)
		if m == nil {
			return rawURL, nil
		}
		return "https://drive.google.com/uc?export=download&id=" + m[1], nil

	case strings.Contains(u.Host, "mediafire.com"):
		return resolveMediaFire(ctx, rawURL)

	default:
		if seg := strings.Trim(u.Path, "/"); seg != "" && !strings.ContainsAny(seg, "/.") {
			return ResolveShortened(ctx, rawURL)
		}
		return rawURL, nil
	}
}

// resolveMediaFire fetches the page and returns the href of the anchor
// MediaFire renders its download button as (id="downloadButton").
func resolveMediaFire(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("fetch: mediafire request: %w", err)
	}
	resp, err := Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: mediafire fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch: mediafire page: HTTP %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("fetch: mediafire body: %w", err)
	}
	href := findDownloadButtonHref(body)
	if href == "" {
		return "", fmt.Errorf("fetch: mediafire download button not found")
	}
	base, _ := url.Parse(pageURL)
	if rel, err := url.Parse(href); err == nil && base != nil {
		return base.ResolveReference(rel).String(), nil
	}
	return href, nil
}

func findDownloadButtonHref(body []byte) string {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	var href string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if href != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			isButton := false
			var h string
			for _, a := range n.Attr {
				switch a.Key {
				case "id":
					if a.Val == "downloadButton" {
						isButton = true
					}
				case "href":
					h = a.Val
				}
			}
			if isButton && h != "" {
				href = h
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return href
}

// ResolveShortened performs one non-following GET against shortURL and
// returns the Location header it redirects to, unresolved any further.
func ResolveShortened(ctx context.Context, shortURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, shortURL, nil)
	if err != nil {
		return "", fmt.Errorf("fetch: shortener request: %w", err)
	}
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: shortener fetch: %w", err)
	}
	defer resp.Body.Close()
	loc := resp.Header.Get("Location")
	if loc == "" {
		return shortURL, nil
	}
	return loc, nil
}

// Download performs a straightforward GET and returns the whole body.
func Download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: request: %w", err)
	}
	resp, err := Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch: %s: HTTP %s", rawURL, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// Filename extracts the "name" query parameter a download URL may carry.
// The cache package does not call it; it reads that parameter itself.
func Filename(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("name")
}
