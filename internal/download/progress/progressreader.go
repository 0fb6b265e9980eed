package progress

import (
	"errors"
	"io"
)

// Progress is a snapshot of a transfer.
type Progress struct {
	Transferred int64   `json:"transferred"`
	Total       int64   `json:"total"`
	Percent     float64 `json:"percent"`
}

// Of builds a Progress. Percent stays 0 when total is unknown.
func Of(transferred, total int64) Progress {
	p := Progress{Transferred: transferred, Total: total}
	if total > 0 {
		p.Percent = float64(transferred) * 100 / float64(total)
	}

	return p
}

// Reader wraps an io.Reader and reports progress via a callback, at most once per whole
// percent when the total is known and every interval bytes otherwise. The final read is
// always reported.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(Progress)

	totalRead      int64 // cumulative total
	lastReport     int64 // bytes since last report
	lastPercent    int64
	reportInterval int64 // bytes
	done           bool
}

func NewReader(r io.Reader, total int64, interval int64, cb func(Progress)) *Reader {
	return &Reader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
		lastPercent:    -1,
	}
}

// Transferred returns the bytes read so far.
func (pr *Reader) Transferred() int64 {
	return pr.totalRead
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.due() {
			pr.report()
		}
	}

	if errors.Is(err, io.EOF) && !pr.done {
		pr.done = true
		if pr.lastReport > 0 || pr.totalRead == 0 {
			pr.report()
		}
	}

	return n, err
}

func (pr *Reader) due() bool {
	if pr.Total > 0 {
		return pr.totalRead*100/pr.Total > pr.lastPercent
	}

	return pr.lastReport >= pr.reportInterval
}

func (pr *Reader) report() {
	if pr.Total > 0 {
		pr.lastPercent = pr.totalRead * 100 / pr.Total
	}

	pr.lastReport = 0

	if pr.OnProgress != nil {
		pr.OnProgress(Of(pr.totalRead, pr.Total))
	}
}
