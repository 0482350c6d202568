// Package ingest crawls help-center pages and feeds their readable content
// into the knowledge corpus as article chunks, so the retriever can ground
// answers in published support documentation.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/gofrs/flock"

	"github.com/abiroot/ispbot/internal/config"
	"github.com/abiroot/ispbot/internal/knowledge"
	"github.com/abiroot/ispbot/internal/log"
)

// Sentinel errors for ingest runs.
var (
	// ErrAlreadyRunning means another ingest process holds the run lock.
	ErrAlreadyRunning = errors.New("ingest: another ingest run is already in progress")

	// ErrNoStartURLs means Run was called with nothing to crawl.
	ErrNoStartURLs = errors.New("ingest: at least one start URL is required")
)

// lockFileName is the cross-process run lock. Two concurrent crawls against
// the same corpus would race on chunk upserts and double the request load on
// the target site.
const lockFileName = "ispbot-ingest.lock"

// Adder sinks extracted chunks. *knowledge.Store satisfies it.
type Adder interface {
	Add(ctx context.Context, chunk knowledge.Chunk) error
}

// Stats summarizes one crawl.
type Stats struct {
	Pages   int // pages with indexed content
	Chunks  int // chunks written to the store
	Skipped int // pages fetched but not indexable
	Errors  int // fetch or store failures
}

// statsCollector guards Stats against the collector's worker goroutines.
type statsCollector struct {
	mu    sync.Mutex
	stats Stats
}

func (s *statsCollector) update(fn func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.stats)
}

func (s *statsCollector) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Pipeline crawls pages, extracts articles and writes chunks.
type Pipeline struct {
	cfg      config.IngestConfig
	store    Adder
	logger   log.Logger
	lockPath string
}

// New creates a crawl pipeline. The zero values in cfg are replaced with the
// same defaults config.Load applies.
func New(cfg config.IngestConfig, store Adder, logger log.Logger) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("ingest: store is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 2
	}
	if cfg.DelayMS <= 0 {
		cfg.DelayMS = 1000
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	if cfg.ChunkRunes <= 0 {
		cfg.ChunkRunes = 1200
	}

	return &Pipeline{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		lockPath: filepath.Join(os.TempDir(), lockFileName),
	}, nil
}

// Run crawls startURLs and every same-domain page reachable within the
// configured depth, writing article chunks under contextID. Only one run may
// execute at a time across processes; a held lock returns ErrAlreadyRunning.
func (p *Pipeline) Run(ctx context.Context, contextID string, startURLs []string) (Stats, error) {
	if len(startURLs) == 0 {
		return Stats{}, ErrNoStartURLs
	}

	domains, err := allowedDomains(startURLs)
	if err != nil {
		return Stats{}, err
	}
	collected := &statsCollector{}

	lock := flock.New(p.lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return Stats{}, fmt.Errorf("acquiring ingest lock: %w", err)
	}
	if !locked {
		return Stats{}, ErrAlreadyRunning
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			p.logger.Error("releasing ingest lock", "path", p.lockPath, "error", err)
		}
	}()

	c := colly.NewCollector(
		colly.AllowedDomains(domains...),
		colly.MaxDepth(p.cfg.MaxDepth),
		colly.Async(true),
	)
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: p.cfg.Parallelism,
		Delay:       time.Duration(p.cfg.DelayMS) * time.Millisecond,
	}); err != nil {
		return Stats{}, fmt.Errorf("configuring crawl limits: %w", err)
	}

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})

	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		// Visit errors here are routine: off-domain links, revisits,
		// depth bound. The collector filters them.
		_ = e.Request.Visit(e.Attr("href"))
	})

	c.OnResponse(func(r *colly.Response) {
		if !strings.Contains(r.Headers.Get("Content-Type"), "text/html") {
			return
		}
		p.indexPage(ctx, contextID, r.Request.URL, r.Body, collected)
	})

	c.OnError(func(r *colly.Response, err error) {
		collected.update(func(s *Stats) { s.Errors++ })
		p.logger.Warn("fetching page",
			"url", r.Request.URL.String(),
			"status", r.StatusCode,
			"error", err)
	})

	for _, u := range startURLs {
		if err := c.Visit(u); err != nil {
			collected.update(func(s *Stats) { s.Errors++ })
			p.logger.Warn("visiting start url", "url", u, "error", err)
		}
	}
	c.Wait()

	stats := collected.snapshot()
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	p.logger.Info("ingest run finished",
		"pages", stats.Pages,
		"chunks", stats.Chunks,
		"skipped", stats.Skipped,
		"errors", stats.Errors)
	return stats, nil
}

// indexPage extracts one fetched page and writes its chunks. Extraction
// failures skip the page; store failures count as errors but do not stop
// the crawl.
func (p *Pipeline) indexPage(ctx context.Context, contextID string, pageURL *url.URL, body []byte, collected *statsCollector) {
	art, err := extractArticle(body, pageURL)
	if err != nil {
		collected.update(func(s *Stats) { s.Skipped++ })
		p.logger.Debug("skipping page", "url", pageURL.String(), "reason", err)
		return
	}

	text := art.Text
	if art.Title != "" {
		text = art.Title + "\n\n" + art.Text
	}

	chunks := splitChunks(text, p.cfg.ChunkRunes)
	if len(chunks) == 0 {
		collected.update(func(s *Stats) { s.Skipped++ })
		return
	}

	now := time.Now().UTC()
	written := 0
	failed := 0
	for i, content := range chunks {
		chunk := knowledge.Chunk{
			ID:         chunkID(pageURL, i),
			ContextID:  contextID,
			Content:    content,
			SourceType: knowledge.SourceTypeArticle,
			CreatedAt:  now,
		}
		if err := p.store.Add(ctx, chunk); err != nil {
			failed++
			p.logger.Error("storing article chunk",
				"url", pageURL.String(),
				"chunk", i,
				"error", err)
			continue
		}
		written++
	}

	collected.update(func(s *Stats) {
		s.Errors += failed
		if written > 0 {
			s.Pages++
			s.Chunks += written
		}
	})
	if written > 0 {
		p.logger.Info("indexed page",
			"url", pageURL.String(),
			"title", art.Title,
			"chunks", written)
	}
}

// chunkID derives a stable identifier from the page URL and chunk ordinal,
// so re-crawling a page upserts in place instead of accumulating duplicates.
func chunkID(pageURL *url.URL, index int) string {
	sum := sha256.Sum256([]byte(pageURL.String()))
	return fmt.Sprintf("article:%s:%03d", hex.EncodeToString(sum[:8]), index)
}

// allowedDomains collects the distinct hosts of the start URLs. The crawl
// never leaves them.
func allowedDomains(startURLs []string) ([]string, error) {
	seen := make(map[string]struct{}, len(startURLs))
	var domains []string
	for _, raw := range startURLs {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid start url %q", raw)
		}
		if _, ok := seen[u.Hostname()]; ok {
			continue
		}
		seen[u.Hostname()] = struct{}{}
		domains = append(domains, u.Hostname())
	}
	return domains, nil
}
