package scrape

import (
	"bytes"
	"context"
	"encoding/hex"
	"mime"
	"regexp"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/net/html"

	domainerrors "github.com/krithibase/krithibase-server/internal/errors"
	"github.com/krithibase/krithibase-server/internal/store/pagecache"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// Page is a fetched source page reduced to what the import path needs.
type Page struct {
	URL       string
	Title     string
	Headings  []string
	Markdown  string
	Checksum  string
	FetchedAt time.Time
	FromCache bool
}

// Scraper fetches and extracts pages.
type Scraper struct {
	fetcher *Fetcher
}

// New creates a Scraper around fetcher.
func New(fetcher *Fetcher) *Scraper {
	return &Scraper{fetcher: fetcher}
}

// Scrape fetches rawURL and extracts its content.
func (s *Scraper) Scrape(ctx context.Context, rawURL string) (*Page, error) {
	raw, cached, err := s.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	page, err := Extract(raw)
	if err != nil {
		return nil, err
	}
	page.FromCache = cached
	return page, nil
}

// Extract converts a fetched response into a Page. HTML bodies contribute their
// <title> and headings; plain text is kept as-is.
func Extract(raw *pagecache.Page) (*Page, error) {
	page := &Page{URL: raw.URL, FetchedAt: raw.FetchedAt}

	if isPlainText(raw.ContentType) {
		page.Markdown = strings.TrimSpace(string(raw.Body))
	} else {
		doc, err := html.Parse(bytes.NewReader(raw.Body))
		if err != nil {
			return nil, domainerrors.Wrap(err, domainerrors.CodePermanent, "parse html")
		}
		title, headings := titleAndHeadings(doc)
		page.Title = title
		page.Headings = headings
		if len(headings) > 0 {
			page.Title = headings[0]
		}

		markdown, err := htmltomarkdown.ConvertString(string(raw.Body))
		if err != nil {
			return nil, domainerrors.Wrap(err, domainerrors.CodePermanent, "convert html to markdown")
		}
		page.Markdown = strings.TrimSpace(markdown)
	}

	if page.Markdown == "" {
		return nil, domainerrors.Permanentf("page %s has no content", raw.URL)
	}
	page.Checksum = Checksum([]byte(page.Markdown))
	return page, nil
}

// Checksum returns the hex BLAKE2b-256 digest of content.
func Checksum(content []byte) string {
	sum := blake2b.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func isPlainText(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/plain"
}

// titleAndHeadings walks doc collecting the <title> text and all h1/h2 texts in order.
func titleAndHeadings(doc *html.Node) (string, []string) {
	var (
		title    string
		headings []string
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if title == "" {
					title = textOf(n)
				}
				return
			case "h1", "h2":
				if text := textOf(n); text != "" {
					headings = append(headings, text)
				}
				return
			case "script", "style", "noscript":
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title, headings
}

func textOf(n *html.Node) string {
	var buf strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
			buf.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(buf.String(), " "))
}
