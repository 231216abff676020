package progress

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mailbox-harvester/model"
	"github.com/dhcgn/mailbox-harvester/stats"
)

// Bar shows a progress bar over the messages that still need handling. The
// bar starts once the mailbox has been listed.
type Bar struct {
	mu      sync.Mutex
	pb      *pterm.ProgressbarPrinter
	total   int
	enabled bool
}

// New returns a bar that only renders when logLevel is "info".
func New(logLevel string) *Bar {
	return &Bar{enabled: logLevel == "info"}
}

// Update advances the bar for one event.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeListed:
		pterm.Info.Printf("Messages in mailbox: %d\n", evt.Total)
		pterm.Info.Printf("Already processed: %d\n", evt.Total-evt.Pending)
		pterm.Info.Printf("Remaining to process: %d\n", evt.Pending)
		pterm.Println()
		if evt.Pending == 0 {
			return
		}
		b.total = evt.Pending
		b.pb, _ = pterm.DefaultProgressbar.
			WithTotal(evt.Pending).
			WithTitle("Processing messages").
			Start()
	case stats.EventTypeProcessed, stats.EventTypeDeferred:
		if b.pb == nil {
			return
		}
		b.pb.UpdateTitle("Processing: " + shortID(evt.MessageID))
		b.pb.Increment()
	case stats.EventTypeFetchError:
		pterm.Warning.Printf("Download failed %s: %v\n", evt.URL, evt.Err)
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// Stop finalizes the bar.
func (b *Bar) Stop() {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pb == nil {
		return
	}
	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
	b.pb = nil
	pterm.Success.Println("Processing complete!")
}

// Subscriber feeds run events into the bar and stops it when the stream ends.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

func shortID(id model.MessageID) string {
	s := string(id)
	if len(s) > 40 {
		return s[:37] + "..."
	}
	return s
}

// Reporter renders the bar and a pterm summary table at the end of the run.
type Reporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

// NewReporter subscribes bar and summary to stream. Nothing is subscribed
// when the bar is disabled.
func NewReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (r *Reporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	r.collector.Run(ctx, events)

	summary := r.collector.Snapshot()
	duration := time.Since(r.started).Round(time.Millisecond)

	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	_ = pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Counter", "Value"},
		{"Duration", duration.String()},
		{"Messages listed", strconv.Itoa(summary.Listed)},
		{"Skipped (seen before)", strconv.Itoa(summary.Skipped)},
		{"Processed", strconv.Itoa(summary.Processed)},
		{"Filtered", strconv.Itoa(summary.Filtered)},
		{"Deferred", strconv.Itoa(summary.Deferred)},
		{"Files stored", strconv.Itoa(summary.Stored)},
		{"Extracted from archives", strconv.Itoa(summary.Extracted)},
		{"Duplicates", strconv.Itoa(summary.Duplicates)},
		{"Archives removed", strconv.Itoa(summary.ArchivesRemoved)},
		{"Download failures", strconv.Itoa(summary.FetchErrors)},
		{"Errors", strconv.Itoa(summary.Errors)},
	}).Render()
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
	if r.logger != nil {
		r.logger.Debug("progress summary rendered", "duration", duration)
	}
	return nil
}

// Summary returns the counters collected so far.
func (r *Reporter) Summary() stats.Summary {
	return r.collector.Snapshot()
}
