package progress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dhcgn/mailbox-harvester/model"
	"github.com/dhcgn/mailbox-harvester/stats"
)

type recordingStream struct {
	names []string
}

func (s *recordingStream) SubscribeStats(name string, _ func(context.Context, <-chan stats.Event) error) {
	s.names = append(s.names, name)
}

func TestNewReporter_Subscriptions(t *testing.T) {
	tests := []struct {
		logLevel string
		want     []string
	}{
		{logLevel: "info", want: []string{"progress-bar", "progress-stats"}},
		{logLevel: "debug", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.logLevel, func(t *testing.T) {
			stream := &recordingStream{}
			NewReporter(stream, New(tt.logLevel), nil)
			assert.Equal(t, tt.want, stream.names)
		})
	}
}

func TestBar_DisabledIgnoresEvents(t *testing.T) {
	bar := New("warn")
	bar.Update(stats.Event{Type: stats.EventTypeListed, Total: 3, Pending: 3})
	bar.Update(stats.Event{Type: stats.EventTypeProcessed, MessageID: "1:1"})
	bar.Stop()
	assert.Nil(t, bar.pb)
}

func TestShortID(t *testing.T) {
	long := "0123456789012345678901234567890123456789abcdef"
	assert.Equal(t, "42:7", shortID("42:7"))
	assert.Equal(t, long[:37]+"...", shortID(model.MessageID(long)))
}
