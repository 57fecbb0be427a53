package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subharvest/pkg/models"
	"subharvest/pkg/report"
	"subharvest/pkg/storage"
)

// mockArchive serves the listing, min-date and info endpoints plus a CDN.
type mockArchive struct {
	server   *httptest.Server
	posts    []map[string]any
	listings int32
	songs    int32
}

func songUUID(i int) string {
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", i)
}

func newMockArchive(t *testing.T, n int) *mockArchive {
	t.Helper()
	m := &mockArchive{}
	base := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		post := map[string]any{
			"id":              fmt.Sprintf("post%02d", i),
			"created_utc":     base.Add(time.Duration(i) * time.Hour).Unix(),
			"title":           fmt.Sprintf("Track %d", i),
			"link_flair_text": "Song",
		}
		if i%2 == 0 {
			post["url"] = "https://suno.com/song/" + songUUID(i)
		} else {
			post["url"] = "https://www.reddit.com/r/SunoAI/comments/x"
		}
		m.posts = append(m.posts, post)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/utils/min", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, "2024-01-10T00:00:00Z")
	})
	mux.HandleFunc("/api/subreddits/search", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, []map[string]any{{"_meta": map[string]any{"num_posts": n, "num_comments": 0}}})
	})
	mux.HandleFunc("/api/posts/search", m.handlePosts)
	mux.HandleFunc("/cdn/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&m.songs, 1)
		w.Write([]byte("ID3" + strings.Repeat("a", 64) + r.URL.Path))
	})
	m.server = httptest.NewServer(mux)
	t.Cleanup(m.server.Close)
	return m
}

func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func (m *mockArchive) handlePosts(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&m.listings, 1)
	q := r.URL.Query()
	after, _ := strconv.ParseInt(q.Get("after"), 10, 64)
	before, _ := strconv.ParseInt(q.Get("before"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	var matched []map[string]any
	for _, p := range m.posts {
		ts := p["created_utc"].(int64)
		if ts > after && ts < before {
			matched = append(matched, p)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i]["created_utc"].(int64) > matched[j]["created_utc"].(int64)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	if matched == nil {
		matched = []map[string]any{}
	}
	writeData(w, matched)
}

func writeTestConfig(t *testing.T, srvURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subharvest.yaml")
	cfg := fmt.Sprintf(`source:
  base_url: %[1]s
  page_size: 10
media:
  api_base: %[1]s
  cdn_base: %[1]s/cdn
rate_limit:
  requests_per_minute: 0
  base_delay: 1ms
  max_delay: 2ms
download:
  flairs: ["Song"]
`, srvURL)
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	return path
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestCrawlThenDownload(t *testing.T) {
	m := newMockArchive(t, 25)
	cfgPath := writeTestConfig(t, m.server.URL)
	out := t.TempDir()
	dest := filepath.Join(out, "songs")

	crawlArgs := []string{"-q", "--config", cfgPath, "crawl", "SunoAI",
		"--posts", "--output", out, "--start-date", "2024-01-01", "--end-date", "2024-01-31"}
	require.NoError(t, execute(t, crawlArgs...))

	postsPath := filepath.Join(out, "r_SunoAI_posts.jsonl")
	var ids []string
	_, err := storage.ScanRecords(postsPath, nil, func(rec models.Record) error {
		ids = append(ids, rec.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, ids, 25)
	assert.Equal(t, "post24", ids[0])
	_, err = os.Stat(filepath.Join(out, "r_SunoAI_post.checkpoint.json"))
	assert.NoError(t, err)

	// a completed crawl makes no listing requests
	listings := atomic.LoadInt32(&m.listings)
	require.NoError(t, execute(t, crawlArgs...))
	assert.Equal(t, listings, atomic.LoadInt32(&m.listings))

	require.NoError(t, execute(t, "-q", "--config", cfgPath, "download", postsPath, "--dest", dest, "--concurrent", "3"))

	files, err := filepath.Glob(filepath.Join(dest, "*.mp3"))
	require.NoError(t, err)
	assert.Len(t, files, 13)
	assert.Equal(t, int32(13), atomic.LoadInt32(&m.songs))

	rep, err := report.Load(filepath.Join(dest, "download_report.json"))
	require.NoError(t, err)
	assert.Equal(t, 25, rep.Summary.Records)
	assert.Equal(t, 13, rep.Summary.Eligible)
	assert.Equal(t, 13, rep.Summary.Downloaded)
	assert.Len(t, rep.Assets, 13)

	// a second run finds every song on disk
	require.NoError(t, execute(t, "-q", "--config", cfgPath, "download", postsPath, "--dest", dest))
	assert.Equal(t, int32(13), atomic.LoadInt32(&m.songs))
	rep, err = report.Load(filepath.Join(dest, "download_report.json"))
	require.NoError(t, err)
	assert.Equal(t, 13, rep.Summary.Existing)
}

func TestDownloadMissingInputFails(t *testing.T) {
	m := newMockArchive(t, 0)
	cfgPath := writeTestConfig(t, m.server.URL)
	dir := t.TempDir()

	err := execute(t, "-q", "--config", cfgPath, "download", filepath.Join(dir, "absent.jsonl"), "--dest", filepath.Join(dir, "songs"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absent.jsonl")
}
