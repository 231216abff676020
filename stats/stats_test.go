package stats

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type chanStream struct {
	events chan Event
	done   chan error
}

func (s *chanStream) SubscribeStats(_ string, fn func(context.Context, <-chan Event) error) {
	go func() { s.done <- fn(context.Background(), s.events) }()
}

func TestReporter_Summary(t *testing.T) {
	stream := &chanStream{events: make(chan Event), done: make(chan error, 1)}
	reporter := NewReporter(stream, nil)

	fetchErr := errors.New("status 404")
	for _, evt := range []Event{
		{Type: EventTypeListed, Total: 5, Pending: 3},
		{Type: EventTypeSkipped},
		{Type: EventTypeSkipped},
		{Type: EventTypeStored},
		{Type: EventTypeDuplicate},
		{Type: EventTypeExtracted},
		{Type: EventTypeExtracted},
		{Type: EventTypeArchiveRemoved},
		{Type: EventTypeFetchError, Err: fetchErr},
		{Type: EventTypeFiltered},
		{Type: EventTypeProcessed},
		{Type: EventTypeProcessed},
		{Type: EventTypeDeferred},
	} {
		stream.events <- evt
	}
	close(stream.events)
	assert.NoError(t, <-stream.done)

	got := reporter.Summary()
	assert.Equal(t, Summary{
		Listed:          5,
		Pending:         3,
		Skipped:         2,
		Filtered:        1,
		Processed:       2,
		Deferred:        1,
		Stored:          1,
		Duplicates:      1,
		Extracted:       2,
		ArchivesRemoved: 1,
		FetchErrors:     1,
		LastError:       fetchErr,
	}, got)
	assert.Contains(t, got.LogAttrs(), "lastError")
}

func TestCollector_StopsOnCancel(t *testing.T) {
	c := NewCollector()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c.Run(ctx, make(chan Event))
	assert.Equal(t, Summary{}, c.Snapshot())
}
