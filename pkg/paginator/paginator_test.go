package paginator

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subharvest/pkg/archive"
	errs "subharvest/pkg/errors"
	"subharvest/pkg/models"
)

// scripted returns canned pages in order and records the params it saw.
type scripted struct {
	pages  []*models.Page
	errs   map[int]error
	params []url.Values
}

func (s *scripted) Fetch(ctx context.Context, endpoint string, params url.Values) (*models.Page, error) {
	i := len(s.params)
	s.params = append(s.params, params)
	if err, ok := s.errs[i]; ok {
		return nil, err
	}
	if i >= len(s.pages) {
		return &models.Page{}, nil
	}
	return s.pages[i], nil
}

// archiveFake serves a fixed dataset honouring after/before/limit.
type archiveFake struct {
	items []models.Record
	calls int
}

func (a *archiveFake) Fetch(ctx context.Context, endpoint string, params url.Values) (*models.Page, error) {
	a.calls++
	after, _ := strconv.ParseInt(params.Get("after"), 10, 64)
	before, _ := strconv.ParseInt(params.Get("before"), 10, 64)
	limit, _ := strconv.Atoi(params.Get("limit"))

	sorted := append([]models.Record(nil), a.items...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt > sorted[j].CreatedAt })

	page := &models.Page{}
	for _, it := range sorted {
		if it.CreatedAt > after && it.CreatedAt < before {
			page.Items = append(page.Items, it)
			if len(page.Items) == limit {
				break
			}
		}
	}
	return page, nil
}

func day(y int, m time.Month, d int) int64 {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix()
}

func testWindow(t *testing.T) models.CrawlWindow {
	w, err := models.NewCrawlWindow(day(2022, 1, 1), day(2022, 1, 2)+86399)
	require.NoError(t, err)
	return w
}

func testConfig(t *testing.T) Config {
	return Config{
		Target:   archive.Target{Type: archive.TargetSubreddit, Name: "SunoAI"},
		Kind:     models.KindPost,
		Window:   testWindow(t),
		PageSize: 50,
	}
}

func records(prefix string, n int, newest int64, step int64) []models.Record {
	out := make([]models.Record, n)
	for i := range out {
		out[i] = models.Record{ID: fmt.Sprintf("%s%03d", prefix, i), CreatedAt: newest - int64(i)*step, Kind: models.KindPost}
	}
	return out
}

func TestTwoPagesWithTailOutsideWindow(t *testing.T) {
	cfg := testConfig(t)
	w := cfg.Window

	page1 := records("a", 50, w.End-10, 60)
	// 40 in window, last 10 older than the window start
	page2 := append(records("b", 40, w.Start+4000, 100), records("c", 10, w.Start-1, 100)...)

	f := &scripted{pages: []*models.Page{{Items: page1}, {Items: page2}}}
	p := New(f, cfg, models.Cursor{})

	got1, more, err := p.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, more)
	assert.Len(t, got1.Items, 50)
	assert.Equal(t, page1[49].CreatedAt, p.Cursor().Timestamp)

	got2, more, err := p.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
	assert.Len(t, got2.Items, 40)
	assert.Equal(t, page2[39].CreatedAt, Oldest(got2.Items))
	assert.True(t, p.Complete())

	got3, more, err := p.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got3)
	assert.False(t, more)
	assert.Len(t, f.params, 2)
}

func TestParams(t *testing.T) {
	cfg := testConfig(t)
	f := &scripted{pages: []*models.Page{{Items: records("a", 3, cfg.Window.End, 10), NextToken: "opaque=="}}}
	p := New(f, cfg, models.Cursor{})

	first := p.Params()
	assert.Equal(t, "SunoAI", first.Get("subreddit"))
	assert.Equal(t, "50", first.Get("limit"))
	assert.Equal(t, "desc", first.Get("sort"))
	assert.Equal(t, strconv.FormatInt(cfg.Window.Start-1, 10), first.Get("after"))
	assert.Equal(t, strconv.FormatInt(cfg.Window.End+1, 10), first.Get("before"))
	assert.Empty(t, first.Get("cursor"))

	_, _, err := p.Next(context.Background())
	require.NoError(t, err)

	second := p.Params()
	assert.Equal(t, strconv.FormatInt(cfg.Window.End-20, 10), second.Get("before"))
	assert.Equal(t, "opaque==", second.Get("cursor"))
}

func TestAuthorTargetParam(t *testing.T) {
	cfg := testConfig(t)
	cfg.Target = archive.Target{Type: archive.TargetAuthor, Name: "someone"}
	q := New(&scripted{}, cfg, models.Cursor{}).Params()
	assert.Equal(t, "someone", q.Get("author"))
	assert.Empty(t, q.Get("subreddit"))
}

func TestStallGuard(t *testing.T) {
	cfg := testConfig(t)
	same := &models.Page{Items: records("a", 5, cfg.Window.End-100, 10)}
	f := &scripted{pages: []*models.Page{same, same, same, same}}
	p := New(f, cfg, models.Cursor{})

	_, more, err := p.Next(context.Background())
	require.NoError(t, err)
	require.True(t, more)

	_, more, err = p.Next(context.Background())
	require.NoError(t, err)
	require.True(t, more)

	_, _, err = p.Next(context.Background())
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.ErrorTypeStall, e.Type)
	assert.Equal(t, errs.Fatal, e.Class)
	assert.Equal(t, errs.OpPaginate, e.Op)
	assert.Len(t, f.params, 2, "stall must be raised without another request")
}

func TestEmptyPageCompletes(t *testing.T) {
	f := &scripted{}
	p := New(f, testConfig(t), models.Cursor{})

	page, more, err := p.Next(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, page)
	assert.Empty(t, page.Items)
	assert.False(t, more)
	assert.True(t, p.Complete())
}

func TestNewerThanWindowDropped(t *testing.T) {
	cfg := testConfig(t)
	items := append(records("new", 3, cfg.Window.End+500, 10), records("in", 3, cfg.Window.End, 10)...)
	p := New(&scripted{pages: []*models.Page{{Items: items}}}, cfg, models.Cursor{})

	page, more, err := p.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, more)
	require.Len(t, page.Items, 3)
	for _, it := range page.Items {
		assert.True(t, cfg.Window.Contains(it.CreatedAt))
	}
}

func TestMaxPagesStopsWithoutCompleting(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxPages = 1
	f := &scripted{pages: []*models.Page{{Items: records("a", 5, cfg.Window.End, 10)}}}
	p := New(f, cfg, models.Cursor{})

	page, more, err := p.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, page.Items, 5)
	assert.False(t, more)
	assert.False(t, p.Complete())

	page, more, err = p.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, page)
	assert.False(t, more)
	assert.Equal(t, 1, p.Pages())
}

func TestFetchErrorCarriesCursor(t *testing.T) {
	cfg := testConfig(t)
	f := &scripted{
		pages: []*models.Page{{Items: records("a", 5, cfg.Window.End, 10)}},
		errs:  map[int]error{1: errs.FromStatus(403, errs.OpFetch, 0)},
	}
	p := New(f, cfg, models.Cursor{})

	_, _, err := p.Next(context.Background())
	require.NoError(t, err)
	before := p.Cursor()

	_, _, err = p.Next(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsFatal(err))
	assert.Contains(t, err.Error(), before.String())
	assert.Equal(t, before, p.Cursor(), "cursor must not move on failure")
}

func TestCancelledBeforeRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &scripted{}
	_, _, err := New(f, testConfig(t), models.Cursor{}).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.params)
}

func TestResumeFromCursorCoversTheRest(t *testing.T) {
	cfg := testConfig(t)
	cfg.PageSize = 7
	data := records("r", 40, cfg.Window.End-1, 1000)
	data = append(data, records("old", 5, cfg.Window.Start-10, 1000)...)

	collect := func(p *Paginator) []string {
		var ids []string
		for {
			page, more, err := p.Next(context.Background())
			require.NoError(t, err)
			if page != nil {
				for _, it := range page.Items {
					ids = append(ids, it.ID)
				}
			}
			if !more {
				return ids
			}
		}
	}

	full := collect(New(&archiveFake{items: data}, cfg, models.Cursor{}))
	assert.Len(t, full, 40)

	partial := New(&archiveFake{items: data}, cfg, models.Cursor{})
	var firstTwo []string
	for i := 0; i < 2; i++ {
		page, _, err := partial.Next(context.Background())
		require.NoError(t, err)
		for _, it := range page.Items {
			firstTwo = append(firstTwo, it.ID)
		}
	}

	rest := collect(New(&archiveFake{items: data}, cfg, partial.Cursor()))
	assert.Equal(t, full, append(firstTwo, rest...))
}
