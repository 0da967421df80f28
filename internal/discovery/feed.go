package discovery

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/printgate/internal/device"
)

// DefaultFeedBuffer is the capacity of the merged announcement channel.
const DefaultFeedBuffer = 64

// FeedOptions configures a Feed.
type FeedOptions struct {
	// Restart bounds the delay before a failed source runs again.
	Restart device.BackoffConfig

	// Buffer is the merged channel capacity.
	Buffer int

	Logger Logger

	// Observe is called for every announcement passing through the feed.
	Observe func(device.Announcement)
}

// Feed merges several sources into one announcement stream.
type Feed struct {
	sources []Source
	opts    FeedOptions
	logger  Logger
	out     chan device.Announcement
}

// NewFeed creates a feed over sources.
func NewFeed(opts FeedOptions, sources ...Source) *Feed {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultFeedBuffer
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Feed{
		sources: sources,
		opts:    opts,
		logger:  opts.Logger,
		out:     make(chan device.Announcement, opts.Buffer),
	}
}

// Announcements returns the merged stream. It is closed when Run returns.
func (f *Feed) Announcements() <-chan device.Announcement {
	return f.out
}

// Run drives every source until ctx ends. A source that fails is restarted
// after a backoff delay; one that keeps running resets its backoff.
func (f *Feed) Run(ctx context.Context) error {
	defer close(f.out)
	if len(f.sources) == 0 {
		<-ctx.Done()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range f.sources {
		g.Go(func() error {
			f.supervise(gctx, src)
			return nil
		})
	}
	return g.Wait()
}

// stableRun is how long a source must run before its backoff resets.
const stableRun = time.Minute

func (f *Feed) supervise(ctx context.Context, src Source) {
	backoff := device.NewBackoff(f.opts.Restart)
	for {
		started := time.Now()
		f.logger.Debug("discovery source starting", "source", src.Name())
		err := f.runSource(ctx, src)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("source stopped")
		}
		if time.Since(started) >= stableRun {
			backoff.Reset()
		}
		delay := backoff.Next()
		f.logger.Warn("discovery source failed, restarting",
			"source", src.Name(),
			"error", err,
			"delay", delay,
		)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// runSource runs one source, forwarding its announcements to the feed.
func (f *Feed) runSource(ctx context.Context, src Source) error {
	ch := make(chan device.Announcement)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- src.Run(runCtx, ch)
	}()

	for {
		select {
		case ann := <-ch:
			if ann.Source == "" {
				ann.Source = src.Name()
			}
			if ann.SeenAt.IsZero() {
				ann.SeenAt = time.Now()
			}
			if f.opts.Observe != nil {
				f.opts.Observe(ann)
			}
			if !emit(ctx, f.out, ann) {
				cancel()
				return <-done
			}
		case err := <-done:
			return err
		}
	}
}
