package rendergrid

import (
	"fmt"
	"regexp"
	"time"
)

// dateFolder returns the local-time date partition for an instant, e.g.
// "06-08-2026" for 2026-08-06.
func dateFolder(t time.Time) string {
	return t.Local().Format("02-01-2006")
}

// filename returns the artifact filename for a completed job, e.g.
// "invoice-1__14-05-09.pdf".
func filename(kind JobKind, key RequestedKey, t time.Time, ext string) string {
	if ext == "" {
		ext = kind.Extension()
	}
	return fmt.Sprintf("%s__%s.%s", key, t.Local().Format("15-04-05"), ext)
}

// errorScreenshotFilename returns the diagnostic filename written alongside
// a failed PDF attempt, e.g. "invoice-1__error__14-05-09.png".
func errorScreenshotFilename(key RequestedKey, t time.Time) string {
	return fmt.Sprintf("%s__error__%s.png", key, t.Local().Format("15-04-05"))
}

var namePattern = regexp.MustCompile(`^(.+)__(\d{2})-(\d{2})-(\d{2})\.[a-zA-Z0-9]+$`)

// parse is the inverse of filename, used by offline tooling to recover the
// requested key and capture instant from an artifact path. For an
// errorScreenshotFilename name the returned key keeps its "__error" suffix.
// folder, if non-empty, supplies the day/month/year component; otherwise
// the returned timestamp carries only hour/minute/second (today's date in
// the local zone).
func parse(name string, folder string) (RequestedKey, time.Time, bool) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return "", time.Time{}, false
	}
	key := m[1]
	hour, min, sec := m[2], m[3], m[4]

	now := time.Now().Local()
	year, month, day := now.Year(), int(now.Month()), now.Day()
	if folder != "" {
		d, err := time.ParseInLocation("02-01-2006", folder, time.Local)
		if err != nil {
			return "", time.Time{}, false
		}
		year, month, day = d.Year(), int(d.Month()), d.Day()
	}

	t, err := time.ParseInLocation("2006-01-02 15-04-05", fmt.Sprintf("%04d-%02d-%02d %s-%s-%s", year, month, day, hour, min, sec), time.Local)
	if err != nil {
		return "", time.Time{}, false
	}
	return RequestedKey(key), t, true
}
