package archive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subharvest/pkg/config"
	errs "subharvest/pkg/errors"
	"subharvest/pkg/logger"
	"subharvest/pkg/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig().Source
	cfg.BaseURL = srv.URL
	return NewClient(srv.Client(), cfg, logger.NewTestLogger(), nil)
}

func TestListingDecodesRecords(t *testing.T) {
	var got url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, EndpointPosts, r.URL.Path)
		assert.Equal(t, "subharvest/1.0", r.Header.Get("User-Agent"))
		got = r.URL.Query()
		w.Write([]byte(`{"data":[
			{"id":"a1","created_utc":1700000100,"title":"first"},
			{"id":"a2","created_utc":1700000050.7},
			{"title":"no id","created_utc":1},
			{"id":"a3"}
		],"error":null}`))
	})

	params := url.Values{}
	params.Set("subreddit", "SunoAI")
	params.Set("sort", "desc")

	page, err := c.Listing(context.Background(), EndpointPosts, params)
	require.NoError(t, err)

	assert.Equal(t, "SunoAI", got.Get("subreddit"))
	assert.Equal(t, "subharvest", got.Get("meta-app"))
	require.Len(t, page.Items, 2)
	assert.Equal(t, "a1", page.Items[0].ID)
	assert.Equal(t, int64(1700000100), page.Items[0].CreatedAt)
	assert.Equal(t, models.KindPost, page.Items[0].Kind)
	assert.Equal(t, "first", page.Items[0].Field("title"))
	assert.Equal(t, int64(1700000050), page.Items[1].CreatedAt)
	assert.Empty(t, page.NextToken)
}

func TestListingCommentsKindAndToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":"c1","created_utc":5}],"next":"tok"}`))
	})

	page, err := c.Listing(context.Background(), EndpointComments, url.Values{})
	require.NoError(t, err)
	assert.Equal(t, models.KindComment, page.Items[0].Kind)
	assert.Equal(t, "tok", page.NextToken)
}

func TestGetJSONClassifiesFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		header    map[string]string
		wantType  errs.ErrorType
		wantClass errs.Class
		wantRetry time.Duration
	}{
		{"rate limited", 429, "", map[string]string{"Retry-After": "7"}, errs.ErrorTypeRateLimit, errs.Transient, 7 * time.Second},
		{"server error", 502, "", nil, errs.ErrorTypeServerError, errs.Transient, 0},
		{"forbidden", 403, "", nil, errs.ErrorTypeAuth, errs.Fatal, 0},
		{"not found", 404, "", nil, errs.ErrorTypeNotFound, errs.Fatal, 0},
		{"bad json", 200, "{not json", nil, errs.ErrorTypeParsing, errs.Fatal, 0},
		{"api error", 200, `{"data":null,"error":"Invalid parameter: sort"}`, nil, errs.ErrorTypeInvalid, errs.Fatal, 0},
		{"api overload", 200, `{"data":null,"error":"Timeout. Maybe slow down a bit"}`, nil, errs.ErrorTypeServerError, errs.Transient, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := c.Listing(context.Background(), EndpointPosts, url.Values{})
			require.Error(t, err)
			e, ok := errs.As(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantType, e.Type)
			assert.Equal(t, tt.wantClass, e.Class)
			assert.Equal(t, tt.wantRetry, e.RetryAfter)
		})
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	cfg := config.DefaultConfig().Source
	cfg.BaseURL = srv.URL
	srv.Close()

	c := NewClient(nil, cfg, logger.NewNopLogger(), nil)
	_, err := c.Listing(context.Background(), EndpointPosts, url.Values{})
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
}

func TestEarliestDateAndInfo(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case EndpointMinDate:
			if r.URL.Query().Get("subreddit") == "missing" {
				w.Write([]byte(`{"data":null}`))
				return
			}
			w.Write([]byte(`{"data":"2023-03-09T14:21:07.000Z"}`))
		case EndpointSubredditInfo:
			w.Write([]byte(`{"data":[{"_meta":{"num_posts":1200,"num_comments":34000}}]}`))
		case EndpointUserInfo:
			w.Write([]byte(`{"data":[]}`))
		}
	})
	ctx := context.Background()

	earliest, err := c.EarliestDate(ctx, Target{Type: TargetSubreddit, Name: "SunoAI"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 3, 9, 14, 21, 7, 0, time.UTC), earliest)

	_, err = c.EarliestDate(ctx, Target{Type: TargetSubreddit, Name: "missing"})
	require.Error(t, err)
	assert.True(t, errs.IsFatal(err))

	info, err := c.Info(ctx, Target{Type: TargetSubreddit, Name: "SunoAI"})
	require.NoError(t, err)
	assert.Equal(t, TargetInfo{NumPosts: 1200, NumComments: 34000}, info)

	info, err = c.Info(ctx, Target{Type: TargetAuthor, Name: "someone"})
	require.NoError(t, err)
	assert.Equal(t, TargetInfo{}, info)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 3*time.Second, ParseRetryAfter("3", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-1", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("soon", now))
	assert.Equal(t, 90*time.Second, ParseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
}

func TestNewTarget(t *testing.T) {
	tg, err := NewTarget(TargetSubreddit, "SunoAI")
	require.NoError(t, err)
	assert.Equal(t, "r_SunoAI", tg.FilePrefix())
	assert.Equal(t, "r/SunoAI", tg.String())

	au, err := NewTarget(TargetAuthor, "some_user")
	require.NoError(t, err)
	assert.Equal(t, "u_some_user", au.FilePrefix())

	_, err = NewTarget(TargetSubreddit, "x")
	assert.Error(t, err)
	_, err = NewTarget(TargetSubreddit, "../etc")
	assert.Error(t, err)
	_, err = NewTarget("group", "valid")
	assert.Error(t, err)

	assert.Equal(t, EndpointComments, Endpoint(models.KindComment))
	assert.Equal(t, "posts", KindFile(models.KindPost))
}
