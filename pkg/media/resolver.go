package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"subharvest/pkg/archive"
	"subharvest/pkg/config"
	errs "subharvest/pkg/errors"
	"subharvest/pkg/fetcher"
	"subharvest/pkg/logger"
	"subharvest/pkg/storage"
)

var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

var audioExtensions = map[string]bool{".mp3": true, ".m4a": true, ".wav": true, ".ogg": true, ".flac": true}

// Resolution is where a media reference can be downloaded from.
type Resolution struct {
	SongID string
	URL    string
	Expect storage.Expect
	// Looked up is true when resolution needed a lookup call.
	LookedUp bool
	// Video is set for Reddit video streams.
	Video bool
}

// Resolver maps media references to download URLs.
type Resolver struct {
	cfg        config.MediaConfig
	userAgent  string
	httpClient *http.Client
	calls      *fetcher.Fetcher
	logger     logger.Logger
}

// NewResolver creates a resolver. Lookups go through calls so they share
// its throttle and retry policy.
func NewResolver(httpClient *http.Client, cfg config.MediaConfig, userAgent string, calls *fetcher.Fetcher, log logger.Logger) *Resolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Resolver{
		cfg:        cfg,
		userAgent:  userAgent,
		httpClient: httpClient,
		calls:      calls,
		logger:     logger.OrGlobal(log).WithField("component", "resolver"),
	}
}

// SongID extracts a song id from ref: the segment after /song/ when it is a
// UUID, otherwise the first UUID anywhere in ref.
func SongID(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if u, err := url.Parse(ref); err == nil {
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		for i, part := range parts {
			if part == "song" && i+1 < len(parts) {
				if id, err := uuid.Parse(parts[i+1]); err == nil {
					return id.String(), true
				}
			}
		}
	}
	if m := uuidPattern.FindString(ref); m != "" {
		if id, err := uuid.Parse(m); err == nil {
			return id.String(), true
		}
	}
	return "", false
}

// CDNURL returns the direct audio URL for a song id.
func (r *Resolver) CDNURL(id string) string {
	return strings.TrimRight(r.cfg.CDNBase, "/") + "/" + id + r.cfg.Extension
}

func isDirectAudio(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return audioExtensions[strings.ToLower(path.Ext(u.Path))]
}

// opaqueID returns the lookup id for a short link (/s/<code>) or a bare code.
func opaqueID(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if u.Scheme == "" && u.Host == "" {
		if strings.ContainsAny(ref, "/ ?#") {
			return ""
		}
		return ref
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 2 && parts[0] == "s" {
		return parts[1]
	}
	return ""
}

// redditStream reports whether ref names a v.redd.it stream file
// (/<video id>/DASH_<n>...) rather than the bare video page.
func redditStream(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return len(strings.Split(strings.Trim(u.Path, "/"), "/")) >= 2
}

// Resolve maps ref to a download URL. Only opaque ids need a lookup call.
func (r *Resolver) Resolve(ctx context.Context, ref string) (Resolution, error) {
	ref = strings.TrimSpace(ref)
	if IsRedditVideo(ref) {
		if !redditStream(ref) {
			return Resolution{}, errs.Fatalf(errs.ErrorTypeInvalid, errs.OpLookup, "reddit video %q has no fallback stream", ref)
		}
		return Resolution{URL: ref, Video: true}, nil
	}
	if id, ok := SongID(ref); ok {
		return Resolution{SongID: id, URL: r.CDNURL(id)}, nil
	}
	if isDirectAudio(ref) {
		return Resolution{URL: ref}, nil
	}
	code := opaqueID(ref)
	if code == "" {
		return Resolution{}, errs.Fatalf(errs.ErrorTypeInvalid, errs.OpLookup, "cannot resolve media reference %q", ref)
	}
	return r.lookup(ctx, code)
}

type clipInfo struct {
	ID          string `json:"id"`
	AudioURL    string `json:"audio_url"`
	AudioBytes  int64  `json:"audio_bytes"`
	AudioSHA256 string `json:"audio_sha256"`
}

func (r *Resolver) lookup(ctx context.Context, code string) (Resolution, error) {
	if r.calls == nil {
		return Resolution{}, errs.Fatalf(errs.ErrorTypeInvalid, errs.OpLookup, "no lookup client configured for %q", code)
	}
	endpoint := strings.TrimRight(r.cfg.APIBase, "/") + "/api/clip/" + url.PathEscape(code)

	var info clipInfo
	err := r.calls.Call(ctx, errs.OpLookup, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return errs.Fatalf(errs.ErrorTypeInvalid, errs.OpLookup, "bad lookup url: %v", err)
		}
		req.Header.Set("Accept", "application/json")
		if r.userAgent != "" {
			req.Header.Set("User-Agent", r.userAgent)
		}

		start := time.Now()
		resp, err := r.httpClient.Do(req)
		if err != nil {
			return errs.FromNetwork(err, errs.OpLookup)
		}
		defer resp.Body.Close()
		logger.LogRequest(r.logger, req.Method, endpoint, resp.StatusCode, time.Since(start))

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
			return errs.FromStatus(resp.StatusCode, errs.OpLookup, archive.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
			return &errs.Error{Type: errs.ErrorTypeParsing, Class: errs.Fatal, Op: errs.OpLookup, Message: "bad clip response", Err: err}
		}
		return nil
	})
	if err != nil {
		if e, ok := errs.As(err); ok {
			return Resolution{}, e.WithContext("clip %s", code)
		}
		return Resolution{}, err
	}

	res := Resolution{
		LookedUp: true,
		Expect:   storage.Expect{Size: info.AudioBytes, SHA256: info.AudioSHA256},
	}
	if id, err := uuid.Parse(info.ID); err == nil {
		res.SongID = id.String()
	}
	switch {
	case info.AudioURL != "":
		res.URL = info.AudioURL
	case res.SongID != "":
		res.URL = r.CDNURL(res.SongID)
	default:
		return Resolution{}, errs.Fatalf(errs.ErrorTypeNotFound, errs.OpLookup, "clip %s has no audio", code)
	}
	r.logger.DebugWithFields("Resolved clip", map[string]interface{}{
		"code": code,
		"url":  res.URL,
	})
	return res, nil
}

func (r Resolution) String() string {
	if r.SongID != "" {
		return fmt.Sprintf("%s (%s)", r.URL, r.SongID)
	}
	return r.URL
}
