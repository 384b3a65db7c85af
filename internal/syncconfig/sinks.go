package syncconfig

import (
	"io"

	log "github.com/sirupsen/logrus"
)

// Sinks holds the three logical append-only log streams from
// general, success-only, and error/critical-only. Each is
// a distinct *logrus.Logger so callers can route to exactly the stream
// the event belongs to; the underlying io.Writer is supplied by the
// boundary process (a file, stdout, etc.) and is not managed here.
type Sinks struct {
	General *log.Logger
	Success *log.Logger
	Errors  *log.Logger
}

// NewSinks builds a Sinks value from three writers, applying the same
// text formatter to each so the three streams stay visually
// consistent.
func NewSinks(general, success, errors io.Writer) *Sinks {
	mk := func(w io.Writer) *log.Logger {
		l := log.New()
		l.SetOutput(w)
		l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		return l
	}
	return &Sinks{
		General: mk(general),
		Success: mk(success),
		Errors:  mk(errors),
	}
}
