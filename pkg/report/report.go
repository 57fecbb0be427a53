// Package report records the outcome of a download run as a JSON document
// next to the downloaded files.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	errs "subharvest/pkg/errors"
	"subharvest/pkg/media"
	"subharvest/pkg/models"
)

// Summary counts assets by outcome. Percentages are relative to Eligible.
type Summary struct {
	Records    int   `json:"records"`
	Eligible   int   `json:"eligible"`
	Ineligible int   `json:"ineligible"`
	Downloaded int   `json:"downloaded"`
	Existing   int   `json:"already_downloaded"`
	Failed     int   `json:"failed"`
	Pending    int   `json:"pending"`
	Bytes      int64 `json:"bytes"`
}

// Percent returns n as a percentage of the eligible assets.
func (s Summary) Percent(n int) float64 {
	if s.Eligible == 0 {
		return 0
	}
	return float64(n) * 100 / float64(s.Eligible)
}

// Report is the document written after a download run. Records skipped
// as ineligible are counted but not listed.
type Report struct {
	Input       string              `json:"input"`
	DestDir     string              `json:"dest_dir"`
	GeneratedAt time.Time           `json:"generated_at"`
	Duration    string              `json:"duration,omitempty"`
	Interrupted bool                `json:"interrupted"`
	Summary     Summary             `json:"summary"`
	Assets      []models.MediaAsset `json:"assets"`
}

// Ineligible reports whether a skipped asset was never a download candidate.
func Ineligible(a models.MediaAsset) bool {
	if a.Status != models.AssetSkipped {
		return false
	}
	switch a.Reason {
	case media.ReasonNotPost, media.ReasonNoRef, media.ReasonFlair:
		return true
	}
	return false
}

// Summarize counts assets by outcome.
func Summarize(assets []models.MediaAsset) Summary {
	var s Summary
	for _, a := range assets {
		s.Records++
		if Ineligible(a) {
			s.Ineligible++
			continue
		}
		s.Eligible++
		switch a.Status {
		case models.AssetDownloaded:
			s.Downloaded++
			s.Bytes += a.Bytes
		case models.AssetSkipped:
			s.Existing++
		case models.AssetFailed:
			s.Failed++
		default:
			s.Pending++
		}
	}
	return s
}

// New builds a report from assets in processing order.
func New(input, destDir string, assets []models.MediaAsset, interrupted bool) *Report {
	r := &Report{
		Input:       input,
		DestDir:     destDir,
		GeneratedAt: time.Now().UTC(),
		Interrupted: interrupted,
		Summary:     Summarize(assets),
		Assets:      make([]models.MediaAsset, 0, len(assets)),
	}
	for _, a := range assets {
		if !Ineligible(a) {
			r.Assets = append(r.Assets, a)
		}
	}
	return r
}

// Failures returns the failed assets.
func (r *Report) Failures() []models.MediaAsset {
	var out []models.MediaAsset
	for _, a := range r.Assets {
		if a.Status == models.AssetFailed {
			out = append(out, a)
		}
	}
	return out
}

// Save writes the report atomically.
func (r *Report) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errs.Storage(errs.OpWrite, err).WithContext("report %s", path)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errs.Storage(errs.OpWrite, err).WithContext("report %s", path)
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		f.Close()
		os.Remove(tmp)
		return errs.Storage(errs.OpWrite, fmt.Errorf("failed to encode report: %w", err)).WithContext("report %s", path)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errs.Storage(errs.OpWrite, err).WithContext("report %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errs.Storage(errs.OpWrite, err).WithContext("report %s", path)
	}
	return nil
}

// Load reads a saved report.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return &r, nil
}
