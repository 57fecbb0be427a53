package ui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"subharvest/pkg/models"
)

const (
	ProgressBar   = "█"
	ProgressEmpty = "░"
	barWidth      = 20
)

// StatusTracker keeps track of download progress. It is safe for use from
// the result consumer and a printing goroutine at once.
type StatusTracker struct {
	mu         sync.Mutex
	total      int
	done       int
	downloaded int
	skipped    int
	failed     int
	bytes      int64
	startTime  time.Time
}

// NewStatusTracker creates a tracker expecting total candidates. A total of
// zero prints counts without a bar.
func NewStatusTracker(total int) *StatusTracker {
	return &StatusTracker{
		total:     total,
		startTime: time.Now(),
	}
}

// Observe counts one finished asset. Records that were never candidates
// are ignored by passing candidate=false.
func (st *StatusTracker) Observe(asset models.MediaAsset, candidate bool) {
	if !candidate {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.done++
	switch asset.Status {
	case models.AssetDownloaded:
		st.downloaded++
		st.bytes += asset.Bytes
	case models.AssetSkipped:
		st.skipped++
	case models.AssetFailed:
		st.failed++
	}
}

// Done returns the number of observed candidates.
func (st *StatusTracker) Done() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.done
}

// GetProgress returns a formatted progress bar.
func (st *StatusTracker) GetProgress() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.progressLocked()
}

func (st *StatusTracker) progressLocked() string {
	if st.total <= 0 {
		return fmt.Sprintf("%d done", st.done)
	}
	filled := st.done * barWidth / st.total
	if filled > barWidth {
		filled = barWidth
	}
	bar := strings.Repeat(ProgressBar, filled) + strings.Repeat(ProgressEmpty, barWidth-filled)
	return fmt.Sprintf("[%s] %d/%d", bar, st.done, st.total)
}

// GetElapsedTime returns the elapsed time since tracking started
func (st *StatusTracker) GetElapsedTime() time.Duration {
	return time.Since(st.startTime)
}

// GetDownloadRate returns finished candidates per minute.
func (st *StatusTracker) GetDownloadRate() float64 {
	elapsed := st.GetElapsedTime().Minutes()
	if elapsed == 0 {
		return 0
	}
	return float64(st.Done()) / elapsed
}

// Line returns the one-line status shown while downloading.
func (st *StatusTracker) Line() string {
	rate := st.GetDownloadRate()
	st.mu.Lock()
	defer st.mu.Unlock()
	return fmt.Sprintf("%s %s ok %d | skip %d | fail %d | %s | %.1f/min",
		Green("[SONGS]"),
		st.progressLocked(),
		st.downloaded,
		st.skipped,
		st.failed,
		ShortBytes(st.bytes),
		rate)
}

// PrintProgress rewrites the current status line.
func (st *StatusTracker) PrintProgress() {
	fmt.Fprintf(out, "\r%s", st.Line())
}
