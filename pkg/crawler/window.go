package crawler

import (
	"time"

	errs "subharvest/pkg/errors"
	"subharvest/pkg/models"
)

// DateLayout is the calendar date format accepted for window bounds.
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD date as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, errs.Fatalf(errs.ErrorTypeInvalid, errs.OpValidate, "invalid date %q, expected YYYY-MM-DD", s)
	}
	return t, nil
}

// Window converts calendar bounds into an inclusive crawl window. An empty
// start falls back to midnight of earliest; an empty end to now. An end date
// covers its whole day.
func Window(start, end string, earliest, now time.Time) (models.CrawlWindow, error) {
	var from, to time.Time

	if start == "" {
		if earliest.IsZero() {
			return models.CrawlWindow{}, errs.Fatalf(errs.ErrorTypeInvalid, errs.OpValidate, "no start date given and earliest date unknown")
		}
		e := earliest.UTC()
		from = time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, time.UTC)
	} else {
		t, err := ParseDate(start)
		if err != nil {
			return models.CrawlWindow{}, err
		}
		from = t
	}

	if end == "" {
		to = now.UTC()
	} else {
		t, err := ParseDate(end)
		if err != nil {
			return models.CrawlWindow{}, err
		}
		to = t.Add(24*time.Hour - time.Second)
	}

	w, err := models.NewCrawlWindow(from.Unix(), to.Unix())
	if err != nil {
		return models.CrawlWindow{}, errs.Fatalf(errs.ErrorTypeInvalid, errs.OpValidate, "%v", err)
	}
	return w, nil
}
