// Package paginator walks an archive listing backward in time, one page per
// call, within a crawl window.
package paginator

import (
	"context"
	"net/url"
	"strconv"

	"subharvest/pkg/archive"
	errs "subharvest/pkg/errors"
	"subharvest/pkg/models"
)

// PageFetcher is satisfied by *fetcher.Fetcher.
type PageFetcher interface {
	Fetch(ctx context.Context, endpoint string, params url.Values) (*models.Page, error)
}

// Config describes one crawl sequence.
type Config struct {
	Target   archive.Target
	Kind     models.RecordKind
	Window   models.CrawlWindow
	PageSize int
	// MaxPages bounds the number of requests; 0 means unlimited.
	MaxPages int
}

// Paginator is not safe for concurrent use. The crawl is sequential.
type Paginator struct {
	fetcher PageFetcher
	cfg     Config

	cursor        models.Cursor
	lastRequested models.Cursor
	requested     bool
	pages         int
	complete      bool
	stopped       bool
}

// New starts a sequence at cursor; the zero cursor requests the newest page.
func New(f PageFetcher, cfg Config, cursor models.Cursor) *Paginator {
	return &Paginator{fetcher: f, cfg: cfg, cursor: cursor}
}

// Cursor is the cursor the next call to Next will request.
func (p *Paginator) Cursor() models.Cursor {
	return p.cursor
}

// Pages returns the number of pages fetched so far.
func (p *Paginator) Pages() int {
	return p.pages
}

// Complete reports whether the window has been fully walked. A sequence cut
// short by MaxPages is not complete.
func (p *Paginator) Complete() bool {
	return p.complete
}

// Params builds the query for the current cursor.
func (p *Paginator) Params() url.Values {
	q := url.Values{}
	q.Set(p.cfg.Target.Type.Param(), p.cfg.Target.Name)
	if p.cfg.PageSize > 0 {
		q.Set("limit", strconv.Itoa(p.cfg.PageSize))
	}
	q.Set("sort", "desc")
	q.Set("after", strconv.FormatInt(p.cfg.Window.Start-1, 10))

	before := p.cfg.Window.End + 1
	if p.cursor.Timestamp != 0 && p.cursor.Timestamp < before {
		before = p.cursor.Timestamp
	}
	q.Set("before", strconv.FormatInt(before, 10))

	if p.cursor.Token != "" {
		q.Set("cursor", p.cursor.Token)
	}
	return q
}

// Next fetches the next page. It returns the page's items that fall inside
// the window and whether further calls may yield more pages. A page is
// returned together with more == false when it is the last one.
func (p *Paginator) Next(ctx context.Context) (*models.Page, bool, error) {
	if p.complete || p.stopped {
		return nil, false, nil
	}
	if p.cfg.MaxPages > 0 && p.pages >= p.cfg.MaxPages {
		p.stopped = true
		return nil, false, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if p.requested && p.cursor.Equal(p.lastRequested) {
		return nil, false, &errs.Error{
			Type:      errs.ErrorTypeStall,
			Class:     errs.Fatal,
			Op:        errs.OpPaginate,
			Context:   "cursor " + p.cursor.String(),
			Message:   "cursor did not advance between consecutive pages",
			Resumable: true,
		}
	}

	requested := p.cursor
	raw, err := p.fetcher.Fetch(ctx, archive.Endpoint(p.cfg.Kind), p.Params())
	if err != nil {
		if e, ok := errs.As(err); ok {
			return nil, false, e.WithContext("cursor %s", requested)
		}
		return nil, false, err
	}
	p.requested = true
	p.lastRequested = requested
	p.pages++

	if len(raw.Items) == 0 {
		p.complete = true
		return &models.Page{}, false, nil
	}

	minTS := Oldest(raw.Items)
	kept := make([]models.Record, 0, len(raw.Items))
	for _, item := range raw.Items {
		if p.cfg.Window.Contains(item.CreatedAt) {
			kept = append(kept, item)
		}
	}

	p.cursor = models.Cursor{Token: raw.NextToken, Timestamp: minTS}
	page := &models.Page{Items: kept, NextToken: raw.NextToken}

	if p.cfg.Window.Before(minTS) {
		p.complete = true
		return page, false, nil
	}
	if p.cfg.MaxPages > 0 && p.pages >= p.cfg.MaxPages {
		p.stopped = true
		return page, false, nil
	}
	return page, true, nil
}

// Oldest returns the smallest created_at among items, or 0 when empty.
func Oldest(items []models.Record) int64 {
	var oldest int64
	for i, item := range items {
		if i == 0 || item.CreatedAt < oldest {
			oldest = item.CreatedAt
		}
	}
	return oldest
}
