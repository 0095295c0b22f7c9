package reporting

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter receives failures nobody expected: panics and errors that do not
// map to a known error kind.
type Reporter interface {
	Capture(err error, tags map[string]string)
	Flush(timeout time.Duration) bool
}

type Options struct {
	DSN         string
	Environment string
	Release     string
	Debug       bool
}

// Sentry reports through a cloned hub tagged with the service name.
type Sentry struct {
	hub *sentry.Hub
}

// New initializes the sentry client. An empty DSN yields a Nop reporter.
func New(opts Options, module string) (Reporter, error) {
	if opts.DSN == "" {
		return Nop{}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Environment:      opts.Environment,
		Release:          opts.Release,
		AttachStacktrace: true,
		Debug:            opts.Debug,
	})
	if err != nil {
		return nil, err
	}

	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("module", module)
	})
	return &Sentry{hub: hub}, nil
}

func (s *Sentry) Capture(err error, tags map[string]string) {
	if err == nil {
		return
	}
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		s.hub.CaptureException(err)
	})
}

func (s *Sentry) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}

type Nop struct{}

func (Nop) Capture(error, map[string]string) {}

func (Nop) Flush(time.Duration) bool { return true }
