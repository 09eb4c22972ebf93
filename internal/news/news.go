// Package news fetches crypto headlines from RSS and Atom feeds for the
// get_news tool.
package news

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/nugget/starkbot/internal/httpkit"
)

// Article is a single news item. HTML is stripped from Description and
// Content.
type Article struct {
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	PubDate     time.Time `json:"pub_date"`
	Description string    `json:"description,omitempty"`
	Content     string    `json:"content,omitempty"`
	GUID        string    `json:"guid,omitempty"`
	Categories  []string  `json:"categories,omitempty"`
	Source      string    `json:"source"`
}

// Config configures a Fetcher.
type Config struct {
	Feeds       []string
	CacheTTL    time.Duration // zero disables caching
	MaxArticles int           // zero returns everything
}

// maxFeedBytes caps a single feed download.
const maxFeedBytes = 4 << 20

// Fetcher reads a fixed set of feeds concurrently, caching each feed's
// parsed articles for CacheTTL.
type Fetcher struct {
	cfg        Config
	httpClient *http.Client
	cache      *ristretto.Cache
	logger     *slog.Logger
}

// NewFetcher creates a Fetcher. Call Close to release the cache.
func NewFetcher(cfg Config, logger *slog.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1000,
		MaxCost:     64 << 20, // cost is bytes of feed body
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create feed cache: %w", err)
	}
	return &Fetcher{
		cfg:        cfg,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(20 * time.Second)),
		cache:      cache,
		logger:     logger.With("component", "news"),
	}, nil
}

// Close releases the cache.
func (f *Fetcher) Close() {
	f.cache.Close()
}

// Latest returns articles from every feed, newest first. Feeds that
// fail are logged and skipped; an error is returned only when all fail.
func (f *Fetcher) Latest(ctx context.Context) ([]Article, error) {
	type result struct {
		articles []Article
		err      error
	}
	results := make([]result, len(f.cfg.Feeds))

	var wg sync.WaitGroup
	for i, url := range f.cfg.Feeds {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			articles, err := f.feed(ctx, url)
			results[i] = result{articles: articles, err: err}
		}(i, url)
	}
	wg.Wait()

	var all []Article
	var errs []error
	for i, r := range results {
		if r.err != nil {
			f.logger.Warn("feed fetch failed", "feed", f.cfg.Feeds[i], "error", r.err)
			errs = append(errs, r.err)
			continue
		}
		all = append(all, r.articles...)
	}
	if len(errs) > 0 && len(errs) == len(f.cfg.Feeds) {
		return nil, fmt.Errorf("all news feeds failed: %w", errors.Join(errs...))
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].PubDate.After(all[j].PubDate) })
	if f.cfg.MaxArticles > 0 && len(all) > f.cfg.MaxArticles {
		all = all[:f.cfg.MaxArticles]
	}
	return all, nil
}

func (f *Fetcher) feed(ctx context.Context, url string) ([]Article, error) {
	if cached, ok := f.cache.Get(url); ok {
		return cached.([]Article), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}

	articles, err := parseFeed(body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", url, err)
	}
	for i := range articles {
		articles[i].Source = req.URL.Host
	}

	if f.cfg.CacheTTL > 0 {
		f.cache.SetWithTTL(url, articles, int64(len(body)), f.cfg.CacheTTL)
	}
	f.logger.Debug("feed fetched", "feed", url, "articles", len(articles))
	return articles, nil
}
