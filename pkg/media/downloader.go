package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"subharvest/pkg/archive"
	"subharvest/pkg/config"
	errs "subharvest/pkg/errors"
	"subharvest/pkg/fetcher"
	"subharvest/pkg/logger"
	"subharvest/pkg/metrics"
	"subharvest/pkg/models"
	"subharvest/pkg/storage"
)

// Skip reasons recorded on skipped assets.
const (
	ReasonNotPost   = "not a post"
	ReasonNoRef     = "no media reference"
	ReasonFlair     = "flair filtered"
	ReasonExists    = "already downloaded"
	ReasonInterrupt = "interrupted"
)

// Downloader turns post records into media files. It is safe for concurrent
// use; all workers share the limiter inside calls.
type Downloader struct {
	resolver   *Resolver
	store      *storage.Manager
	videos     *storage.Manager
	httpClient *http.Client
	calls      *fetcher.Fetcher
	hosts      []string
	flairs     map[string]bool
	force      bool
	timeout    time.Duration
	userAgent  string
	logger     logger.Logger
	metrics    metrics.Recorder
}

// Options configures a Downloader.
type Options struct {
	Media      config.MediaConfig
	Download   config.DownloadConfig
	UserAgent  string
	HTTPClient *http.Client
	Logger     logger.Logger
	Metrics    metrics.Recorder
}

// NewDownloader creates a downloader writing into store. Reddit videos go to
// the same directory under Media.VideoExtension. Downloads retry up to
// Download.RetryAttempts times through calls.
func NewDownloader(store *storage.Manager, calls *fetcher.Fetcher, opts Options) *Downloader {
	log := logger.OrGlobal(opts.Logger).WithField("component", "downloader")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	flairs := make(map[string]bool, len(opts.Download.Flairs))
	for _, f := range opts.Download.Flairs {
		if f = strings.TrimSpace(f); f != "" {
			flairs[f] = true
		}
	}

	videoExt := opts.Media.VideoExtension
	if videoExt == "" {
		videoExt = ".mp4"
	}

	return &Downloader{
		resolver:   NewResolver(httpClient, opts.Media, opts.UserAgent, calls, log),
		store:      store,
		videos:     store.WithExtension(videoExt),
		httpClient: httpClient,
		calls:      calls.WithMaxRetries(opts.Download.RetryAttempts),
		hosts:      opts.Media.Hosts,
		flairs:     flairs,
		force:      opts.Download.Force,
		timeout:    opts.Download.DownloadTimeout,
		userAgent:  opts.UserAgent,
		logger:     log,
		metrics:    metrics.OrNop(opts.Metrics),
	}
}

// Eligible returns the media reference of rec, or a skip reason.
func (d *Downloader) Eligible(rec models.Record) (string, string) {
	if rec.Kind != "" && rec.Kind != models.KindPost {
		return "", ReasonNotPost
	}
	ref := rec.MediaRef
	if ref == "" {
		ref = ExtractRef(rec.Payload, d.hosts)
	}
	if ref == "" {
		return "", ReasonNoRef
	}
	if len(d.flairs) > 0 && !d.flairs[rec.Field("link_flair_text")] {
		return "", ReasonFlair
	}
	return ref, ""
}

// storeFor picks the store view for the files of ref.
func (d *Downloader) storeFor(ref string) *storage.Manager {
	if IsRedditVideo(ref) {
		return d.videos
	}
	return d.store
}

// Process downloads the media of one record. It never returns an error:
// every outcome is recorded on the asset.
func (d *Downloader) Process(ctx context.Context, rec models.Record) models.MediaAsset {
	asset := models.MediaAsset{
		SourceRecordID: rec.ID,
		MediaRef:       rec.MediaRef,
		Status:         models.AssetPending,
		Title:          rec.Field("title"),
		Flair:          rec.Field("link_flair_text"),
	}
	defer func() {
		d.metrics.RecordAsset(string(asset.Status), asset.Bytes)
		var err error
		if asset.Error != "" {
			err = errors.New(asset.Error)
		}
		logger.LogDownload(d.logger, asset.SourceRecordID, asset.DestinationPath, string(asset.Status), err)
	}()

	ref, reason := d.Eligible(rec)
	if reason != "" {
		asset.Status, asset.Reason = models.AssetSkipped, reason
		return asset
	}
	asset.MediaRef = ref
	asset.Domain = RefDomain(ref)
	store := d.storeFor(ref)
	asset.DestinationPath = store.Path(rec.ID)

	if ctx.Err() != nil {
		asset.Reason = ReasonInterrupt
		return asset
	}

	res, err := d.resolver.Resolve(ctx, ref)
	if err != nil {
		// Without a resolution there is no integrity signal, so an existing
		// file is kept as is.
		if ctx.Err() == nil && !d.force && store.IsDownloaded(rec.ID) {
			d.logger.WithError(err).DebugWithFields("Resolution failed, keeping existing file", map[string]interface{}{
				"record_id": rec.ID,
				"path":      asset.DestinationPath,
			})
			asset.Status, asset.Reason = models.AssetSkipped, ReasonExists
			return asset
		}
		return d.fail(ctx, asset, err)
	}
	asset.SourceURL = res.URL

	if !d.force {
		ok, err := store.Matches(rec.ID, res.Expect)
		if err != nil {
			return d.fail(ctx, asset, err)
		}
		if ok {
			asset.Status, asset.Reason = models.AssetSkipped, ReasonExists
			return asset
		}
	}

	err = d.calls.Call(ctx, errs.OpDownload, func(ctx context.Context) error {
		asset.Attempts++
		n, err := d.fetch(ctx, store, rec.ID, res)
		asset.Bytes = n
		return err
	})
	if err != nil {
		asset.Bytes = 0
		return d.fail(ctx, asset, err)
	}

	asset.Status = models.AssetDownloaded
	return asset
}

func (d *Downloader) fail(ctx context.Context, asset models.MediaAsset, err error) models.MediaAsset {
	if ctx.Err() != nil {
		asset.Status, asset.Reason = models.AssetPending, ReasonInterrupt
		return asset
	}
	asset.Status = models.AssetFailed
	if e, ok := errs.As(err); ok {
		asset.Error = e.WithContext("record %s", asset.SourceRecordID).Error()
	} else {
		asset.Error = fmt.Sprintf("download of record %s failed: %v", asset.SourceRecordID, err)
	}
	return asset
}

// fetch performs one download attempt bounded by the download timeout.
func (d *Downloader) fetch(ctx context.Context, store *storage.Manager, id string, res Resolution) (int64, error) {
	attemptCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	n, err := d.stream(attemptCtx, store, id, res)
	if err != nil && ctx.Err() == nil && attemptCtx.Err() == context.DeadlineExceeded {
		return n, &errs.Error{
			Type:    errs.ErrorTypeNetwork,
			Class:   errs.Transient,
			Op:      errs.OpDownload,
			Message: fmt.Sprintf("download timed out after %s", d.timeout),
		}
	}
	return n, err
}

func (d *Downloader) stream(ctx context.Context, store *storage.Manager, id string, res Resolution) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, res.URL, nil)
	if err != nil {
		return 0, errs.Fatalf(errs.ErrorTypeInvalid, errs.OpDownload, "bad download url %q: %v", res.URL, err)
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}

	start := time.Now()
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, errs.FromNetwork(err, errs.OpDownload)
	}
	defer resp.Body.Close()
	d.metrics.RecordRequest("download", resp.StatusCode, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return 0, errs.FromStatus(resp.StatusCode, errs.OpDownload, archive.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	}

	expect := res.Expect
	if expect.Size == 0 && resp.ContentLength > 0 {
		expect.Size = resp.ContentLength
	}
	return store.Save(ctx, id, resp.Body, expect)
}

// Store returns the media store.
func (d *Downloader) Store() *storage.Manager {
	return d.store
}
