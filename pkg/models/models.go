package models

import (
	"fmt"
	"time"
)

type RecordKind string

const (
	KindPost    RecordKind = "post"
	KindComment RecordKind = "comment"
)

// CrawlWindow is an inclusive range of Unix seconds.
type CrawlWindow struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func NewCrawlWindow(start, end int64) (CrawlWindow, error) {
	if start > end {
		return CrawlWindow{}, fmt.Errorf("invalid window: start %s is after end %s",
			time.Unix(start, 0).UTC().Format(time.RFC3339),
			time.Unix(end, 0).UTC().Format(time.RFC3339))
	}
	return CrawlWindow{Start: start, End: end}, nil
}

func (w CrawlWindow) Contains(ts int64) bool { return ts >= w.Start && ts <= w.End }

// Before reports whether ts is older than the window.
func (w CrawlWindow) Before(ts int64) bool { return ts < w.Start }

// After reports whether ts is newer than the window.
func (w CrawlWindow) After(ts int64) bool { return ts > w.End }

func (w CrawlWindow) String() string {
	return fmt.Sprintf("%s..%s",
		time.Unix(w.Start, 0).UTC().Format("2006-01-02"),
		time.Unix(w.End, 0).UTC().Format("2006-01-02"))
}

// Cursor marks where the next page starts. Token is opaque and passed back
// verbatim; Timestamp is the oldest created_at of the previous page.
type Cursor struct {
	Token     string `json:"token,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func (c Cursor) IsZero() bool { return c.Token == "" && c.Timestamp == 0 }

func (c Cursor) Equal(o Cursor) bool { return c.Token == o.Token && c.Timestamp == o.Timestamp }

func (c Cursor) String() string {
	if c.IsZero() {
		return "start"
	}
	s := time.Unix(c.Timestamp, 0).UTC().Format(time.RFC3339)
	if c.Token != "" {
		s += "/" + c.Token
	}
	return s
}

type Record struct {
	ID        string         `json:"id"`
	CreatedAt int64          `json:"created_at"`
	Kind      RecordKind     `json:"kind"`
	Payload   map[string]any `json:"payload"`
	MediaRef  string         `json:"media_ref,omitempty"`
}

// Field returns a string payload field, or "" when absent.
func (r Record) Field(key string) string {
	if r.Payload == nil {
		return ""
	}
	s, _ := r.Payload[key].(string)
	return s
}

type Page struct {
	Items     []Record `json:"items"`
	NextToken string   `json:"next_token,omitempty"`
}
