package acquire

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/chromedp/chromedp"
)

// Page is what a renderer hands back for parsing.
type Page struct {
	HTML       []byte
	FinalURL   string
	Screenshot []byte
}

// Renderer loads a URL into HTML, optionally with a screenshot.
type Renderer interface {
	Render(ctx context.Context, url string) (Page, error)
}

const maxPageBytes = 8 << 20

// HTTPRenderer fetches raw HTML without executing scripts.
type HTTPRenderer struct {
	Client    *http.Client
	UserAgent string
}

func (h HTTPRenderer) Render(ctx context.Context, url string) (Page, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Page{}, err
	}
	if h.UserAgent != "" {
		req.Header.Set("User-Agent", h.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := client.Do(req)
	if err != nil {
		return Page{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Page{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return Page{}, err
	}
	return Page{HTML: body, FinalURL: resp.Request.URL.String()}, nil
}

// BrowserRenderer drives headless Chrome and captures a full-page screenshot.
type BrowserRenderer struct {
	UserAgent string
	// Quality is the JPEG-style quality passed to the screenshot; 100 yields PNG.
	Quality int
}

func (b BrowserRenderer) Render(ctx context.Context, url string) (Page, error) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if b.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(b.UserAgent))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	quality := b.Quality
	if quality <= 0 {
		quality = 100
	}
	var html, finalURL string
	var shot []byte
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.FullScreenshot(&shot, quality),
	)
	if err != nil {
		return Page{}, err
	}
	return Page{HTML: []byte(html), FinalURL: finalURL, Screenshot: shot}, nil
}
