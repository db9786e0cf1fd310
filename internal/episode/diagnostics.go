package episode

import (
	"fmt"
	"io"

	"github.com/san-kum/pidtune/internal/control"
)

// Diagnostics is the tab-separated line written to the result and log sinks.
type Diagnostics struct {
	Gains      control.Gains
	Throttle   float64
	Count      int
	MeanAbsCTE float64
	MeanCTE    float64
	Distance   float64
	MeanSpeed  float64
}

func (d Diagnostics) String() string {
	return fmt.Sprintf("%.7f\t%.7f\t%.7f\t%.7f\t%d\t%.7f\t%.7f\t%.7f\t%.7f\n",
		d.Gains.Kp, d.Gains.Ki, d.Gains.Kd,
		d.Throttle,
		d.Count,
		d.MeanAbsCTE, d.MeanCTE,
		d.Distance,
		d.MeanSpeed,
	)
}

// Sinks are the two diagnostic outputs. Either may be nil. Writers shared
// between sessions must serialize their own writes.
type Sinks struct {
	Result io.Writer
	Log    io.Writer
}

func (s Sinks) emit(line string) {
	if s.Result != nil {
		_, _ = io.WriteString(s.Result, line)
	}
	if s.Log != nil {
		_, _ = io.WriteString(s.Log, line)
	}
}

func (s Sinks) logf(format string, args ...any) {
	if s.Log != nil {
		_, _ = fmt.Fprintf(s.Log, format, args...)
	}
}
