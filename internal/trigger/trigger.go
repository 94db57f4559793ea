// Package trigger turns connectivity changes, wake-ups and user requests
// into sync passes.
//
// Triggers are messages. Producers call Surface.Post from any goroutine;
// Surface.Run drains them and starts a pass for each one on its own
// goroutine. A trigger that arrives while a pass is running therefore
// reaches the engine's single-flight guard and is dropped there, instead of
// waiting behind the running pass.
package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/akattendance/punchsync/internal/engine"
)

// Kind names what caused a sync request.
type Kind string

const (
	Startup        Kind = "startup"
	Online         Kind = "online"
	BackgroundWake Kind = "background-wake"
	Manual         Kind = "manual"
	Periodic       Kind = "periodic"
)

// Trigger is one sync request.
type Trigger struct {
	Kind Kind
	At   time.Time
}

// Poster accepts triggers. Implemented by Surface.
type Poster interface {
	Post(t Trigger) bool
}

// Syncer runs a pass. Implemented by *engine.Engine.
type Syncer interface {
	SyncAll(ctx context.Context) (engine.Report, error)
}

// ResultFunc observes the outcome of each triggered SyncAll call.
type ResultFunc func(t Trigger, rep engine.Report, err error)

// Surface is the foreground trigger surface.
type Surface struct {
	syncer   Syncer
	queue    *queue
	onResult ResultFunc
	now      func() time.Time
	wg       sync.WaitGroup
}

// SurfaceOption configures a Surface.
type SurfaceOption func(*Surface)

// WithResultFunc registers a callback run after every triggered call.
func WithResultFunc(fn ResultFunc) SurfaceOption {
	return func(s *Surface) {
		s.onResult = fn
	}
}

// NewSurface creates a surface that runs passes on syncer.
func NewSurface(syncer Syncer, opts ...SurfaceOption) *Surface {
	s := &Surface{
		syncer: syncer,
		queue:  newQueue(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Post enqueues a trigger. A zero At is stamped with the current time.
// Returns false once Run has returned.
func (s *Surface) Post(t Trigger) bool {
	if t.At.IsZero() {
		t.At = s.now()
	}
	ok := s.queue.push(t)
	if ok {
		slog.Debug("sync triggered", "trigger", string(t.Kind))
	}
	return ok
}

// Run drains posted triggers until ctx is cancelled, then waits for the
// passes it started and returns ctx.Err().
func (s *Surface) Run(ctx context.Context) error {
	defer func() {
		s.queue.close()
		s.wg.Wait()
	}()

	for {
		for {
			t, ok := s.queue.tryPop()
			if !ok {
				break
			}
			s.dispatch(ctx, t)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.queue.wait():
		}
	}
}

func (s *Surface) dispatch(ctx context.Context, t Trigger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		rep, err := s.syncer.SyncAll(ctx)
		switch {
		case err != nil:
			slog.Error("sync pass hit local store failures", "trigger", string(t.Kind), "pass_id", rep.PassID, "error", err)
		case !rep.Ran():
			slog.Debug("sync pass skipped", "trigger", string(t.Kind), "reason", rep.Skipped)
		}
		if s.onResult != nil {
			s.onResult(t, rep, err)
		}
	}()
}

// Tick posts a Periodic trigger every interval until ctx is cancelled.
// A non-positive interval disables periodic sync and returns immediately.
func Tick(ctx context.Context, p Poster, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.Post(Trigger{Kind: Periodic, At: now})
		}
	}
}
