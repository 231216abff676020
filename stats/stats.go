package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/mailbox-harvester/model"
)

type Stage string

const (
	StageScan    Stage = "scan"
	StageMessage Stage = "message"
	StageLink    Stage = "link"
	StageArchive Stage = "archive"
	StageState   Stage = "state"
)

type EventType string

const (
	EventTypeListed         EventType = "listed"
	EventTypeSkipped        EventType = "skipped"
	EventTypeFiltered       EventType = "filtered"
	EventTypeStored         EventType = "stored"
	EventTypeDuplicate      EventType = "duplicate"
	EventTypeExtracted      EventType = "extracted"
	EventTypeArchiveRemoved EventType = "archive_removed"
	EventTypeFetchError     EventType = "fetch_error"
	EventTypeProcessed      EventType = "processed"
	EventTypeDeferred       EventType = "deferred"
	EventTypeCheckpoint     EventType = "checkpoint"
	EventTypeError          EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID model.MessageID
	// Path is the stored or already existing file, relative to the download root.
	Path string
	URL  string
	// Total and Pending are set on listed events.
	Total   int
	Pending int
	Err     error
	Detail  string
}

type Summary struct {
	Listed          int
	Pending         int
	Skipped         int
	Filtered        int
	Processed       int
	Deferred        int
	Stored          int
	Duplicates      int
	Extracted       int
	ArchivesRemoved int
	FetchErrors     int
	Errors          int
	LastError       error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"listed", s.Listed,
		"new", s.Pending,
		"skipped", s.Skipped,
		"filtered", s.Filtered,
		"processed", s.Processed,
		"deferred", s.Deferred,
		"stored", s.Stored,
		"duplicates", s.Duplicates,
		"extracted", s.Extracted,
		"archivesRemoved", s.ArchivesRemoved,
		"fetchErrors", s.FetchErrors,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Apply folds one event into the summary.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeListed:
		c.summary.Listed += evt.Total
		c.summary.Pending += evt.Pending
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeProcessed:
		c.summary.Processed++
	case EventTypeDeferred:
		c.summary.Deferred++
	case EventTypeStored:
		c.summary.Stored++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeExtracted:
		c.summary.Extracted++
	case EventTypeArchiveRemoved:
		c.summary.ArchivesRemoved++
	case EventTypeFetchError:
		c.summary.FetchErrors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}
