// Package plan provides scan-plan wrappers that keep a data acquisition
// session running for the duration of a plan and collect the run records it
// produces.
package plan

import (
	"context"
	"errors"
	"time"

	"github.com/pcdshub/go-daq/daq"
	"github.com/pcdshub/go-daq/logger"
)

// Plan is a unit of scan logic. It runs until it returns or its context is
// cancelled.
type Plan func(ctx context.Context) error

// Options configure a DaqDuring wrapper.
type Options struct {
	// Devices are staged before the plan and unstaged after it, in reverse
	// order. The session itself is always staged first.
	Devices []daq.Stageable
	// Collector receives the run records drained after a successful run.
	Collector func(records []daq.RunRecord)
	// KickoffTimeout bounds the wait for acquisition to start.
	// Zero means wait forever.
	KickoffTimeout time.Duration
	// CompleteTimeout bounds the wait for the run to finish after the plan
	// returns. Zero means wait forever.
	CompleteTimeout time.Duration
	// RunOptions are applied to the run started around the plan.
	RunOptions []daq.Option
	// Logger overrides the package default logger.
	Logger logger.Logger
}

// Option customizes a DaqDuring wrapper.
type Option func(*Options)

// WithDevices adds devices to stage around the plan.
func WithDevices(devices ...daq.Stageable) Option {
	return func(o *Options) { o.Devices = append(o.Devices, devices...) }
}

// WithCollector sets the run record collector.
func WithCollector(fn func(records []daq.RunRecord)) Option {
	return func(o *Options) { o.Collector = fn }
}

// WithKickoffTimeout bounds the wait for acquisition to start.
func WithKickoffTimeout(timeout time.Duration) Option {
	return func(o *Options) { o.KickoffTimeout = timeout }
}

// WithCompleteTimeout bounds the wait for the run to finish.
func WithCompleteTimeout(timeout time.Duration) Option {
	return func(o *Options) { o.CompleteTimeout = timeout }
}

// WithRunOptions applies per-run config options to the wrapped run.
func WithRunOptions(opts ...daq.Option) Option {
	return func(o *Options) { o.RunOptions = append(o.RunOptions, opts...) }
}

// WithLogger sets the wrapper logger.
func WithLogger(log logger.Logger) Option {
	return func(o *Options) { o.Logger = log }
}

// DaqDuring wraps a plan so that acquisition runs for its whole duration.
// If the session is already running when the wrapped plan starts, the
// wrapper is transparent and just delegates to the inner plan. Otherwise it
// stages the session and any extra devices, kicks off acquisition, runs the
// inner plan, completes the run, collects its records, and unstages
// everything. The run is ended on every exit path, including inner plan
// errors and panics propagated as errors.
func DaqDuring(sess *daq.Session, opts ...Option) func(Plan) Plan {
	options := Options{Logger: logger.GetLogger()}
	for _, opt := range opts {
		opt(&options)
	}

	return func(inner Plan) Plan {
		return func(ctx context.Context) error {
			if sess.State() == daq.Running {
				return inner(ctx)
			}

			return runWrapped(ctx, sess, &options, inner)
		}
	}
}

func runWrapped(ctx context.Context, sess *daq.Session, options *Options, inner Plan) (err error) {
	devices := make([]daq.Stageable, 0, len(options.Devices)+1)
	devices = append(devices, sess)
	devices = append(devices, options.Devices...)

	staged := make([]daq.Stageable, 0, len(devices))
	defer func() {
		for i := len(staged) - 1; i >= 0; i-- {
			if uerr := staged[i].Unstage(); uerr != nil && err == nil {
				err = uerr
			}
		}
	}()

	for _, dev := range devices {
		if serr := dev.Stage(); serr != nil {
			return serr
		}
		staged = append(staged, dev)
	}

	// The run must not outlive the plan, whatever path exits it.
	defer func() {
		if eerr := sess.EndRun(); eerr != nil && err == nil {
			err = eerr
		}
	}()

	if len(options.RunOptions) > 0 {
		if _, perr := sess.Preconfig(options.RunOptions...); perr != nil {
			return perr
		}
	}

	start, err := sess.Kickoff()
	if err != nil {
		return err
	}
	if err = start.Wait(options.KickoffTimeout); err != nil {
		return err
	}

	if err = inner(ctx); err != nil {
		return err
	}

	done, err := sess.Complete()
	if err != nil {
		return err
	}
	// A run stopped by Complete resolves as cancelled; that is the normal
	// outcome for an open-ended run and not a failure of the plan.
	if werr := done.Wait(options.CompleteTimeout); werr != nil && !errors.Is(werr, daq.ErrCancelled) {
		return werr
	}

	records := sess.Collect()
	options.Logger.Debug("wrapped plan finished", "records", len(records))
	if options.Collector != nil && len(records) > 0 {
		options.Collector(records)
	}

	return nil
}
