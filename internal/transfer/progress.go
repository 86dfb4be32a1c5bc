package transfer

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
)

// Progress renders a single-line transfer progress display, rewritten in
// place with carriage returns.
type Progress struct {
	w       io.Writer
	verb    string
	total   int64 // expected size; <= 0 when unknown
	started time.Time
}

// NewProgress creates a progress printer. verb is "Sent" or "Received";
// total may be zero when the expected size is unknown.
func NewProgress(w io.Writer, verb string, total int64) *Progress {
	return &Progress{w: w, verb: verb, total: total, started: time.Now()}
}

// Update rewrites the progress line for the current byte count.
func (p *Progress) Update(bytes uint64) {
	elapsed := time.Since(p.started).Seconds()
	var speed uint64
	if elapsed > 0 {
		speed = uint64(float64(bytes) / elapsed)
	}

	if p.total > 0 {
		pct := float64(bytes) / float64(p.total) * 100
		fmt.Fprintf(p.w, "\r%s %s / %s (%.1f%%) %s/s  ",
			p.verb, humanize.Bytes(bytes), humanize.Bytes(uint64(p.total)), pct, humanize.Bytes(speed))
		return
	}
	fmt.Fprintf(p.w, "\r%s %s %s/s  ", p.verb, humanize.Bytes(bytes), humanize.Bytes(speed))
}

// Finish prints the final summary line.
func (p *Progress) Finish(bytes uint64) {
	elapsed := time.Since(p.started)
	var speed uint64
	if s := elapsed.Seconds(); s > 0 {
		speed = uint64(float64(bytes) / s)
	}
	fmt.Fprintf(p.w, "\r%s %s in %s (%s/s)\n",
		p.verb, humanize.Bytes(bytes), elapsed.Round(time.Millisecond), humanize.Bytes(speed))
}
