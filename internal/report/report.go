// Package report turns engine snapshots into text for terminal consumers.
package report

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/BadgerOps/gamescan/internal/engine"
)

var sizeSuffixes = []string{"bytes", "KB", "MB", "GB", "TB", "PB", "EB", "ZB", "YB"}

// FormatSize renders a byte count with a binary unit suffix. A value switches
// to the next unit only once it exceeds 1024 of the current one, so 1024
// bytes is "1,024 bytes".
func FormatSize(value float64) string {
	for i := range sizeSuffixes {
		if value <= math.Pow(1024, float64(i+1)) {
			return threeDigits(value/math.Pow(1024, float64(i))) + " " + sizeSuffixes[i]
		}
	}
	last := len(sizeSuffixes) - 1
	return threeDigits(value/math.Pow(1024, float64(last))) + " " + sizeSuffixes[last]
}

// threeDigits keeps roughly three significant digits.
func threeDigits(v float64) string {
	switch {
	case v >= 100:
		return groupThousands(strconv.FormatFloat(math.Round(v), 'f', 0, 64))
	case v >= 10:
		return strconv.FormatFloat(v, 'f', 1, 64)
	default:
		return strconv.FormatFloat(v, 'f', 2, 64)
	}
}

func groupThousands(digits string) string {
	if len(digits) <= 3 {
		return digits
	}
	var b strings.Builder
	head := len(digits) % 3
	if head > 0 {
		b.WriteString(digits[:head])
	}
	for i := head; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}

// Speed returns the average transfer rate in bytes per second.
func Speed(p engine.DownloadProgress) float64 {
	secs := p.Elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(p.BytesReceived) / secs
}

// Visible is the default log filter: everything except Debug.
func Visible(level engine.Level) bool {
	return level != engine.LevelDebug
}

// Line renders a one-line status for p.
func Line(p engine.ScanProgress) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d/%d] %3d%%", p.CurrentIndex, p.TotalFiles, p.Percent)
	if p.CurrentFile != "" {
		fmt.Fprintf(&b, " %s", p.CurrentFile)
	}
	if d := p.Download; d != nil {
		fmt.Fprintf(&b, " (%s / %s @ %s/s)",
			FormatSize(float64(d.BytesReceived)), FormatSize(float64(d.TotalBytes)), FormatSize(Speed(*d)))
	}
	return b.String()
}
