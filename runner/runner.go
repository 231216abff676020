package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/mailbox-harvester/archive"
	"github.com/dhcgn/mailbox-harvester/dedup"
	"github.com/dhcgn/mailbox-harvester/filter"
	"github.com/dhcgn/mailbox-harvester/links"
	"github.com/dhcgn/mailbox-harvester/model"
	"github.com/dhcgn/mailbox-harvester/state"
	"github.com/dhcgn/mailbox-harvester/stats"
)

// ErrListMessages marks a failure to enumerate the mailbox. The run cannot
// continue after it.
var ErrListMessages = errors.New("list messages")

// Source is a connected, folder-scoped mailbox.
type Source interface {
	ListMessageIDs(ctx context.Context) ([]model.MessageID, error)
	FetchRawMessage(ctx context.Context, id model.MessageID) (model.Message, error)
}

type LinkExtractor interface {
	Extract(body string) ([]string, error)
}

type LinkFetcher interface {
	Fetch(ctx context.Context, url string) (links.Document, error)
}

type Options struct {
	// LinkWorkers bounds concurrent link downloads within one message.
	LinkWorkers int
	// CheckpointEvery saves state after this many handled messages.
	CheckpointEvery int
	// RetryFailed leaves messages with failed items out of the processed set.
	RetryFailed bool
	// DefaultDocExt is appended to linked documents without an extension.
	DefaultDocExt string
	DryRun        bool
	Archive       archive.Options
}

type Components struct {
	Source    Source
	Store     *state.Store
	Vault     *dedup.Vault
	Extractor LinkExtractor
	Fetcher   LinkFetcher
	// Filter is optional.
	Filter *filter.Filter
}

type subscriber struct {
	name   string
	events chan stats.Event
	done   chan struct{}
	fn     func(context.Context, <-chan stats.Event) error
}

type Runner struct {
	opts      Options
	source    Source
	store     *state.Store
	vault     *dedup.Vault
	expander  *archive.Expander
	extractor LinkExtractor
	fetcher   LinkFetcher
	filter    *filter.Filter
	logger    *slog.Logger

	subs    []*subscriber
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error
}

func New(c Components, opts Options, logger *slog.Logger) (*Runner, error) {
	if c.Source == nil {
		return nil, fmt.Errorf("source must not be nil")
	}
	if c.Store == nil {
		return nil, fmt.Errorf("state store must not be nil")
	}
	if c.Vault == nil {
		return nil, fmt.Errorf("vault must not be nil")
	}
	if c.Extractor == nil {
		c.Extractor = links.NewExtractor(links.ExtractorOptions{})
	}
	if c.Fetcher == nil {
		c.Fetcher = links.NewFetcher(nil, links.FetcherOptions{})
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.LinkWorkers <= 0 {
		opts.LinkWorkers = 1
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = 1
	}

	return &Runner{
		opts:      opts,
		source:    c.Source,
		store:     c.Store,
		vault:     c.Vault,
		expander:  archive.NewExpander(c.Vault, opts.Archive, logger),
		extractor: c.Extractor,
		fetcher:   c.Fetcher,
		filter:    c.Filter,
		logger:    logger,
	}, nil
}

// SubscribeStats registers a consumer that receives every event of the run
// on its own channel. Subscribers must be added before Run.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subs = append(r.subs, &subscriber{
		name:   name,
		events: make(chan stats.Event, 128),
		done:   make(chan struct{}),
		fn:     fn,
	})
}

// Run lists the mailbox, handles every message not yet processed and saves
// state at checkpoints and at the end. The final save is attempted even when
// ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	started := time.Now()
	r.startSubscribers(ctx)

	runErr := r.run(ctx)

	r.stopSubscribers()
	if runErr == nil {
		runErr = r.subscriberErr()
	}

	duration := time.Since(started)
	if runErr != nil {
		r.logger.Error("run failed", "duration", duration, "err", runErr)
		return runErr
	}
	r.logger.Info("run completed", "duration", duration)
	return nil
}

func (r *Runner) run(ctx context.Context) error {
	ids, err := r.source.ListMessageIDs(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrListMessages, err)
		r.emit(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeError, Err: err})
		return err
	}

	pending := 0
	for _, id := range ids {
		if !r.store.AlreadyProcessed(id) {
			pending++
		}
	}
	r.emit(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeListed, Total: len(ids), Pending: pending})
	r.logger.Info("mailbox listed", "messages", len(ids), "new", pending)

	sinceCheckpoint := 0
	var loopErr error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			loopErr = err
			break
		}

		if r.store.AlreadyProcessed(id) {
			r.emit(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeSkipped, MessageID: id})
			continue
		}

		result := r.processMessage(ctx, id)
		if r.settle(result) {
			sinceCheckpoint++
		}

		if sinceCheckpoint >= r.opts.CheckpointEvery {
			if err := r.save(ctx); err != nil {
				return err
			}
			sinceCheckpoint = 0
		}
	}

	if err := r.save(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	return loopErr
}

// settle records the message outcome in the processed set. It reports whether
// the set changed.
func (r *Runner) settle(result MessageResult) bool {
	log := r.logger.With("messageID", result.ID)

	switch {
	case result.FetchErr != nil:
		log.Warn("message not fetched, will retry next run", "err", result.FetchErr)
		r.emit(stats.Event{Stage: stats.StageMessage, Type: stats.EventTypeDeferred, MessageID: result.ID, Err: result.FetchErr})
		return false
	case r.opts.RetryFailed && result.Failed():
		log.Warn("message had failures, will retry next run", "failures", len(result.Failures()))
		r.emit(stats.Event{Stage: stats.StageMessage, Type: stats.EventTypeDeferred, MessageID: result.ID})
		return false
	}

	r.store.MarkProcessed(result.ID)
	if result.Failed() {
		log.Warn("message processed with failures", "items", len(result.Items), "failures", len(result.Failures()))
	} else {
		log.Debug("message processed", "items", len(result.Items))
	}
	r.emit(stats.Event{Stage: stats.StageMessage, Type: stats.EventTypeProcessed, MessageID: result.ID})
	return true
}

func (r *Runner) save(ctx context.Context) error {
	if r.opts.DryRun {
		return nil
	}
	if err := r.store.Save(ctx); err != nil {
		r.emit(stats.Event{Stage: stats.StageState, Type: stats.EventTypeError, Err: err})
		return err
	}
	counts := r.store.Counts()
	r.emit(stats.Event{Stage: stats.StageState, Type: stats.EventTypeCheckpoint})
	r.logger.Debug("state saved", "processed", counts.Processed, "files", counts.Files)
	return nil
}

func (r *Runner) emit(evt stats.Event) {
	for _, sub := range r.subs {
		select {
		case sub.events <- evt:
		case <-sub.done:
		}
	}
}

func (r *Runner) startSubscribers(ctx context.Context) {
	// Subscribers outlive cancellation so the summary still sees every event.
	subCtx := context.WithoutCancel(ctx)
	for _, sub := range r.subs {
		r.statsWG.Add(1)
		go func(sub *subscriber) {
			defer r.statsWG.Done()
			defer close(sub.done)
			if err := sub.fn(subCtx, sub.events); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stats: %w", sub.name, err))
			}
		}(sub)
	}
}

func (r *Runner) stopSubscribers() {
	for _, sub := range r.subs {
		close(sub.events)
	}
	r.statsWG.Wait()
	r.subs = nil
}

func (r *Runner) fail(err error) {
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.errMu.Unlock()
}

func (r *Runner) subscriberErr() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}
