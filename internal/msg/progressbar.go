package msg

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// ProgressBar renders clone and download progress. Git transports rarely
// announce a total up front, so the indeterminate mode (total 0) shows the
// running byte count and transfer rate instead of a bar.
type ProgressBar struct {
	Total      int64
	Current    int64
	Indent     int
	Start      time.Time
	W          io.Writer
	lastPrint  time.Time
	throbIndex int
}

var throbbers = []rune{'|', '/', '-', '\\'}

func NewProgressBar(total int64, indent int, w io.Writer) *ProgressBar {
	return &ProgressBar{
		Total:     total,
		Indent:    indent,
		Start:     time.Now(),
		W:         w,
		lastPrint: time.Now(),
	}
}

func (pb *ProgressBar) Write(p []byte) (int, error) {
	n := len(p)
	pb.Current += int64(n)

	if time.Since(pb.lastPrint) > 40*time.Millisecond {
		pb.print(false)
		pb.lastPrint = time.Now()
	}
	return n, nil
}

func (pb *ProgressBar) print(finish bool) {
	throb := throbbers[pb.throbIndex%len(throbbers)]
	pb.throbIndex++
	if finish {
		throb = ' '
	}
	pad := strings.Repeat(" ", pb.Indent)

	if pb.Total > 0 {
		width := 40
		percent := float64(pb.Current) / float64(pb.Total)
		if finish {
			percent = 1
		}
		filled := min(int(percent*float64(width)), width)
		bar := strings.Repeat("█", filled) + strings.Repeat("-", width-filled)
		fmt.Fprintf(pb.W, "\r%s%6.f%% [%s] %c", pad, percent*100, bar, throb)
		return
	}

	rate := int64(0)
	if elapsed := time.Since(pb.Start).Seconds(); elapsed > 0 {
		rate = int64(float64(pb.Current) / elapsed)
	}
	fmt.Fprintf(pb.W, "\r%s%d KB (%d KB/s) %c", pad, pb.Current/1024, rate/1024, throb)
}

func (pb *ProgressBar) Finish() {
	pb.print(true)
	fmt.Fprintln(pb.W)
}
