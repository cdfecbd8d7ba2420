package progress

import (
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
)

type Bar struct {
	*progressbar.ProgressBar
}

// NewDownloadBar renders a byte counter for a transfer of total bytes. A
// negative total shows a spinner for responses without Content-Length.
func NewDownloadBar(total int64, description string, w io.Writer) *Bar {
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(w)
		}),
	)

	return &Bar{ProgressBar: bar}
}

func (b *Bar) Finish() {
	if b == nil || b.ProgressBar == nil {
		return
	}
	b.ProgressBar.Finish()
}
