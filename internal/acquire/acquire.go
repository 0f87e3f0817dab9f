package acquire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"github.com/rs/zerolog/log"

	"pressline/internal/domain"
	"pressline/internal/retry"
)

const (
	DefaultTimeout = 60 * time.Second
	maxLinks       = 50
	maxImages      = 20
	fallbackQuery  = "main, .mw-parser-output, #content"
)

// RawContent is the acquired snapshot of a page.
type RawContent struct {
	URL           string   `json:"url"`
	Title         string   `json:"title"`
	Text          string   `json:"text"`
	ScreenshotRef string   `json:"screenshot_ref,omitempty"`
	Metadata      Metadata `json:"metadata"`
}

type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

type Link struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

type Image struct {
	Src string `json:"src"`
	Alt string `json:"alt,omitempty"`
}

type Metadata struct {
	Headings []Heading `json:"headings"`
	Links    []Link    `json:"links"`
	Images   []Image   `json:"images"`
}

// Map flattens the snapshot into version metadata.
func (c RawContent) Map() map[string]any {
	headings := make([]any, 0, len(c.Metadata.Headings))
	for _, h := range c.Metadata.Headings {
		headings = append(headings, map[string]any{"level": h.Level, "text": h.Text})
	}
	links := make([]any, 0, len(c.Metadata.Links))
	for _, l := range c.Metadata.Links {
		links = append(links, map[string]any{"text": l.Text, "href": l.Href})
	}
	images := make([]any, 0, len(c.Metadata.Images))
	for _, img := range c.Metadata.Images {
		images = append(images, map[string]any{"src": img.Src, "alt": img.Alt})
	}
	m := map[string]any{
		"source_url": c.URL,
		"title":      c.Title,
		"headings":   headings,
		"links":      links,
		"images":     images,
	}
	if c.ScreenshotRef != "" {
		m["screenshot"] = c.ScreenshotRef
	}
	return m
}

type Config struct {
	Timeout       time.Duration
	UserAgent     string
	Browser       bool
	ScreenshotDir string
}

// Adapter turns URLs into RawContent. It holds no per-call state.
type Adapter struct {
	Renderer      Renderer
	Timeout       time.Duration
	ScreenshotDir string
	Retry         retry.RetryConfig
	Now           func() time.Time
}

func New(cfg Config) *Adapter {
	var r Renderer = HTTPRenderer{UserAgent: cfg.UserAgent}
	if cfg.Browser {
		r = BrowserRenderer{UserAgent: cfg.UserAgent}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Adapter{
		Renderer:      r,
		Timeout:       timeout,
		ScreenshotDir: cfg.ScreenshotDir,
		Retry:         retry.AcquisitionPolicy(),
	}
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, domain.InvalidInput("acquire", "invalid url %q", rawURL)
	}
	return u, nil
}

// Fetch acquires rawURL for itemID. Network failures, timeouts and unreadable pages are AcquisitionErrors,
// retried once after a fixed pause.
func (a *Adapter) Fetch(ctx context.Context, itemID, rawURL string) (RawContent, error) {
	const op = "acquire"
	u, err := ValidateURL(rawURL)
	if err != nil {
		return RawContent{}, err
	}
	var content RawContent
	res := retry.RetryWithBackoff(ctx, a.Retry, op, func(ctx context.Context) error {
		c, err := a.fetchOnce(ctx, itemID, u)
		if err != nil {
			return err
		}
		content = c
		return nil
	})
	if !res.Success {
		if domain.KindOf(res.LastError) == "" {
			return RawContent{}, domain.E(domain.KindAcquisition, op, res.LastError)
		}
		return RawContent{}, res.LastError
	}
	log.Info().Str("url", content.URL).Int("chars", len(content.Text)).Int("attempts", res.Attempts).Msg("page acquired")
	return content, nil
}

func (a *Adapter) fetchOnce(ctx context.Context, itemID string, u *url.URL) (RawContent, error) {
	const op = "acquire"
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	page, err := a.Renderer.Render(callCtx, u.String())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		return RawContent{}, domain.E(domain.KindAcquisition, op, err)
	}
	final := u
	if page.FinalURL != "" {
		if parsed, err := url.Parse(page.FinalURL); err == nil {
			final = parsed
		}
	}
	content, err := Parse(page.HTML, final)
	if err != nil {
		return RawContent{}, domain.E(domain.KindAcquisition, op, err)
	}
	if len(page.Screenshot) > 0 && a.ScreenshotDir != "" {
		ref, err := saveScreenshot(a.ScreenshotDir, ScreenshotName(itemID, a.now()), page.Screenshot)
		if err != nil {
			log.Warn().Err(err).Str("url", final.String()).Msg("screenshot not saved")
		} else {
			content.ScreenshotRef = ref
		}
	}
	return content, nil
}

func (a *Adapter) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Parse extracts title, readable text and page structure from HTML.
func Parse(html []byte, pageURL *url.URL) (RawContent, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return RawContent{}, fmt.Errorf("parse html: %w", err)
	}
	content := RawContent{
		URL:      pageURL.String(),
		Title:    cleanText(doc.Find("title").First().Text()),
		Metadata: extractMetadata(doc, pageURL),
	}
	if content.Title == "" {
		content.Title = cleanText(doc.Find("h1").First().Text())
	}

	if article, err := readability.FromReader(bytes.NewReader(html), pageURL); err == nil {
		content.Text = normalizeText(article.TextContent)
		if content.Title == "" {
			content.Title = cleanText(article.Title)
		}
	}
	if content.Text == "" {
		sel := doc.Find(fallbackQuery).First()
		if sel.Length() == 0 {
			sel = doc.Find("body")
		}
		sel.Find("script, style, noscript").Remove()
		content.Text = normalizeText(sel.Text())
	}
	if content.Text == "" {
		return RawContent{}, errors.New("page has no readable text")
	}
	return content, nil
}

func extractMetadata(doc *goquery.Document, base *url.URL) Metadata {
	md := Metadata{Headings: []Heading{}, Links: []Link{}, Images: []Image{}}
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		text := cleanText(s.Text())
		if text == "" {
			return
		}
		level := int(goquery.NodeName(s)[1] - '0')
		md.Headings = append(md.Headings, Heading{Level: level, Text: text})
	})
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		text := cleanText(s.Text())
		if text == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return true
		}
		md.Links = append(md.Links, Link{Text: text, Href: resolve(base, href)})
		return len(md.Links) < maxLinks
	})
	doc.Find("img[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src, _ := s.Attr("src")
		alt, _ := s.Attr("alt")
		md.Images = append(md.Images, Image{Src: resolve(base, src), Alt: cleanText(alt)})
		return len(md.Images) < maxImages
	})
	return md
}

func resolve(base *url.URL, ref string) string {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil || base == nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

var (
	spaceRun = regexp.MustCompile(`[ \t\f\v]+`)
	blankRun = regexp.MustCompile(`\n{3,}`)
)

func cleanText(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(strings.ReplaceAll(s, "\n", " "), " "))
}

func normalizeText(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(l, " "))
	}
	return strings.TrimSpace(blankRun.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// ScreenshotName names a capture after the item and the capture time, so a later
// acquisition never overwrites a file an earlier version points to.
func ScreenshotName(itemID string, at time.Time) string {
	name := strings.Trim(unsafeName.ReplaceAllString(itemID, "_"), "_")
	if name == "" {
		name = "page"
	}
	if len(name) > 100 {
		name = name[:100]
	}
	return name + "-" + at.UTC().Format("20060102T150405.000000000") + ".png"
}

func saveScreenshot(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
