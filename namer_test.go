package rendergrid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateFolder(t *testing.T) {
	tm := time.Date(2026, time.August, 6, 14, 5, 9, 0, time.Local)
	assert.Equal(t, "06-08-2026", dateFolder(tm))
}

func TestFilename(t *testing.T) {
	tm := time.Date(2026, time.August, 6, 14, 5, 9, 0, time.Local)
	assert.Equal(t, "invoice-1__14-05-09.pdf", filename(JobKindPDF, "invoice-1", tm, ""))
	assert.Equal(t, "shot-1__14-05-09.jpeg", filename(JobKindScreenshot, "shot-1", tm, "jpeg"))
}

func TestErrorScreenshotFilename(t *testing.T) {
	tm := time.Date(2026, time.August, 6, 14, 5, 9, 0, time.Local)
	assert.Equal(t, "invoice-1__error__14-05-09.png", errorScreenshotFilename("invoice-1", tm))
}

// TestParse_RoundTrip exercises P6: parsing the output of filename recovers
// the key and agrees with the original instant at second resolution.
func TestParse_RoundTrip(t *testing.T) {
	tm := time.Date(2026, time.August, 6, 14, 5, 9, 0, time.Local)
	name := filename(JobKindPDF, "invoice-1", tm, "")
	folder := dateFolder(tm)

	key, parsed, ok := parse(name, folder)
	require.True(t, ok)
	assert.Equal(t, RequestedKey("invoice-1"), key)
	assert.Equal(t, tm.Truncate(time.Second), parsed.Truncate(time.Second))
}

func TestParse_Invalid(t *testing.T) {
	_, _, ok := parse("not-a-valid-name.pdf", "")
	assert.False(t, ok)
}

func TestParse_KeyWithUnderscores(t *testing.T) {
	tm := time.Date(2026, time.August, 6, 9, 0, 0, 0, time.Local)
	name := filename(JobKindPDF, "my_key-1", tm, "")
	key, _, ok := parse(name, dateFolder(tm))
	require.True(t, ok)
	assert.Equal(t, RequestedKey("my_key-1"), key)
}
