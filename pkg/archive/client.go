package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"subharvest/pkg/config"
	errs "subharvest/pkg/errors"
	"subharvest/pkg/logger"
	"subharvest/pkg/metrics"
	"subharvest/pkg/models"
)

// API paths of the archive service.
const (
	EndpointPosts         = "/api/posts/search"
	EndpointComments      = "/api/comments/search"
	EndpointMinDate       = "/api/utils/min"
	EndpointSubredditInfo = "/api/subreddits/search"
	EndpointUserInfo      = "/api/users/search"
)

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 64 << 20

// Client performs single HTTP exchanges with the archive API. It classifies
// failures but never retries; the fetcher owns retry and throttling.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	metaApp    string
	logger     logger.Logger
	metrics    metrics.Recorder
}

// NewClient creates a client. A nil httpClient gets one with the configured
// request timeout.
func NewClient(httpClient *http.Client, cfg config.SourceConfig, log logger.Logger, rec metrics.Recorder) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:  cfg.UserAgent,
		metaApp:    cfg.MetaApp,
		logger:     logger.OrGlobal(log).WithField("component", "archive"),
		metrics:    metrics.OrNop(rec),
	}
}

// envelope is the response shape shared by every archive endpoint.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *string         `json:"error"`
	// Next is an opaque continuation token; most deployments omit it.
	Next string `json:"next,omitempty"`
}

// GetJSON requests path with params and decodes the envelope's data into
// target. It returns the continuation token, if any.
func (c *Client) GetJSON(ctx context.Context, path string, params url.Values, target interface{}) (string, error) {
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	if c.metaApp != "" {
		q.Set("meta-app", c.metaApp)
	}
	reqURL := c.baseURL + path + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", errs.Fatalf(errs.ErrorTypeInvalid, errs.OpFetch, "failed to create request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		c.metrics.RecordRequest(path, 0, duration)
		c.logger.DebugWithFields("HTTP request failed", map[string]interface{}{
			"url":   reqURL,
			"error": err.Error(),
		})
		return "", errs.FromNetwork(err, errs.OpFetch)
	}
	defer resp.Body.Close()

	c.metrics.RecordRequest(path, resp.StatusCode, duration)
	logger.LogRequest(c.logger, req.Method, reqURL, resp.StatusCode, duration)

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", errs.FromStatus(resp.StatusCode, errs.OpFetch, ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", errs.FromNetwork(fmt.Errorf("failed to read response body: %w", err), errs.OpFetch)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		preview := string(body)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		c.logger.ErrorWithFields("failed to parse JSON response", map[string]interface{}{
			"url":          reqURL,
			"error":        err.Error(),
			"body_preview": preview,
		})
		return "", errs.Fatalf(errs.ErrorTypeParsing, errs.OpFetch, "failed to parse JSON: %v", err)
	}
	if env.Error != nil && *env.Error != "" {
		return "", apiError(*env.Error)
	}

	if target != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, target); err != nil {
			return "", errs.Fatalf(errs.ErrorTypeParsing, errs.OpFetch, "failed to decode data: %v", err)
		}
	}
	return env.Next, nil
}

// apiError classifies an error message carried in a 200 response. The
// archive reports overload as a timeout message rather than a status code.
func apiError(msg string) *errs.Error {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "slow down") {
		return &errs.Error{
			Type:    errs.ErrorTypeServerError,
			Class:   errs.Transient,
			Op:      errs.OpFetch,
			Message: "API returned error: " + msg,
		}
	}
	return errs.Fatalf(errs.ErrorTypeInvalid, errs.OpFetch, "API returned error: %s", msg)
}

// Listing fetches one page of posts or comments.
func (c *Client) Listing(ctx context.Context, endpoint string, params url.Values) (*models.Page, error) {
	var items []map[string]any
	next, err := c.GetJSON(ctx, endpoint, params, &items)
	if err != nil {
		return nil, err
	}

	kind := models.KindPost
	if endpoint == EndpointComments {
		kind = models.KindComment
	}

	page := &models.Page{Items: make([]models.Record, 0, len(items)), NextToken: next}
	for _, item := range items {
		rec, ok := ToRecord(item, kind)
		if !ok {
			c.logger.WarnWithFields("skipping item without id or timestamp", map[string]interface{}{
				"endpoint": endpoint,
			})
			continue
		}
		page.Items = append(page.Items, rec)
	}
	return page, nil
}

// ToRecord converts a raw listing item. Items without an id or creation
// time are rejected.
func ToRecord(item map[string]any, kind models.RecordKind) (models.Record, bool) {
	id, _ := item["id"].(string)
	ts, ok := numeric(item["created_utc"])
	if id == "" || !ok {
		return models.Record{}, false
	}
	return models.Record{
		ID:        id,
		CreatedAt: ts,
		Kind:      kind,
		Payload:   item,
	}, true
}

func numeric(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(math.Floor(n)), true
	case json.Number:
		f, err := n.Float64()
		return int64(math.Floor(f)), err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// EarliestDate returns the creation time of the target's oldest item.
func (c *Client) EarliestDate(ctx context.Context, target Target) (time.Time, error) {
	params := url.Values{}
	params.Set(target.Type.Param(), target.Name)

	var raw *string
	if _, err := c.GetJSON(ctx, EndpointMinDate, params, &raw); err != nil {
		return time.Time{}, err
	}
	if raw == nil || *raw == "" {
		return time.Time{}, errs.Fatalf(errs.ErrorTypeNotFound, errs.OpValidate, "no %s named %q found", target.Type, target.Name)
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		return time.Time{}, errs.Fatalf(errs.ErrorTypeParsing, errs.OpValidate, "bad earliest date %q: %v", *raw, err)
	}
	return t.UTC(), nil
}

// TargetInfo holds approximate sizes reported by the archive.
type TargetInfo struct {
	NumPosts    int64
	NumComments int64
}

// Info looks up approximate post and comment counts for the target. Missing
// metadata yields a zero TargetInfo.
func (c *Client) Info(ctx context.Context, target Target) (TargetInfo, error) {
	path := EndpointSubredditInfo
	if target.Type == TargetAuthor {
		path = EndpointUserInfo
	}
	params := url.Values{}
	params.Set(target.Type.Param(), target.Name)

	var entries []struct {
		Meta struct {
			NumPosts    int64 `json:"num_posts"`
			NumComments int64 `json:"num_comments"`
		} `json:"_meta"`
	}
	if _, err := c.GetJSON(ctx, path, params, &entries); err != nil {
		return TargetInfo{}, err
	}
	if len(entries) == 0 {
		return TargetInfo{}, nil
	}
	return TargetInfo{NumPosts: entries[0].Meta.NumPosts, NumComments: entries[0].Meta.NumComments}, nil
}

// ParseRetryAfter understands both delta-seconds and HTTP-date values.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
