package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"studyflow/internal/domain"
	"studyflow/internal/notify"
	"studyflow/internal/registry"
	"studyflow/internal/reporting"
)

// Poster delivers callback payloads.
type Poster interface {
	Post(ctx context.Context, url string, payload any) error
}

// unit adapts a Job to executor.Unit and owns the task bookkeeping around
// it: progress events, the single terminal transition, the terminal event
// and the callback.
type unit struct {
	taskID      string
	job         Job
	callbackURL string
	// notifyAccept posts a processing payload before the job runs.
	notifyAccept bool

	registry *registry.Registry
	events   notify.Publisher
	webhook  Poster
	reporter reporting.Reporter
	log      zerolog.Logger
}

func (u *unit) Run(ctx context.Context) {
	ctx = u.log.WithContext(ctx)
	start := time.Now()
	u.log.Info().Msg("task started")
	if u.notifyAccept && u.webhook != nil && u.callbackURL != "" {
		_ = u.webhook.Post(context.WithoutCancel(ctx), u.callbackURL, u.acceptPayload())
	}

	result, err := u.execute(ctx)

	out := domain.Outcome{ProcessingTime: time.Since(start)}
	if err != nil {
		out.Status = domain.StatusFailed
		out.Error = err.Error()
		out.ErrorKind = domain.KindOf(err)
	} else {
		out.Status = domain.StatusDone
		out.Result = result
	}

	// bookkeeping outlives a force-cancelled unit context
	bg := context.WithoutCancel(ctx)
	if !u.registry.SetTerminal(bg, u.taskID, out) {
		return
	}

	ev := u.log.Info()
	if err != nil {
		ev = u.log.Warn().Err(err).Str("error_kind", string(out.ErrorKind))
	}
	ev.Dur("elapsed", out.ProcessingTime).Str("status", string(out.Status)).Msg("task finished")

	if out.ErrorKind == domain.ErrorKindUnexpected && u.reporter != nil {
		u.reporter.Capture(err, map[string]string{"task_id": u.taskID, "kind": string(u.job.Kind())})
	}
	u.publish(notify.TerminalEvent(u.taskID, u.job.Kind(), out))
	if u.webhook != nil && u.callbackURL != "" {
		_ = u.webhook.Post(bg, u.callbackURL, u.payload(out))
	}
}

// execute runs the job and turns a panic into an unexpected failure.
func (u *unit) execute(ctx context.Context) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			u.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("job panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return u.job.Execute(ctx, u.progress)
}

func (u *unit) progress(message string, percent int) {
	u.publish(notify.Event{
		TaskID:    u.taskID,
		Kind:      u.job.Kind(),
		Status:    domain.StatusProcessing,
		Message:   message,
		Progress:  percent,
		Timestamp: time.Now().UTC(),
	})
}

func (u *unit) publish(ev notify.Event) {
	if u.events == nil {
		return
	}
	if err := u.events.Publish(ev); err != nil {
		u.log.Warn().Err(err).Str("status", string(ev.Status)).Msg("event publish failed")
	}
}

func (u *unit) acceptPayload() map[string]any {
	p := make(map[string]any, 4)
	for k, v := range u.job.Fields() {
		p[k] = v
	}
	p["task_id"] = u.taskID
	p["status"] = string(domain.StatusProcessing)
	return p
}

func (u *unit) payload(out domain.Outcome) map[string]any {
	p := make(map[string]any, 8)
	for k, v := range u.job.Fields() {
		p[k] = v
	}
	p["task_id"] = u.taskID
	p["status"] = string(out.Status)
	p["processing_time_seconds"] = math.Round(out.ProcessingTime.Seconds()*100) / 100
	if out.Status == domain.StatusFailed {
		p["error"] = out.Error
		p["error_kind"] = string(out.ErrorKind)
		return p
	}
	var fields map[string]json.RawMessage
	if json.Unmarshal(out.Result, &fields) == nil {
		if resp, ok := fields["response"]; ok {
			p["response"] = resp
		}
	}
	return p
}
