package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_Check(t *testing.T) {
	invoice := []byte("Subject: Your Blue Dart invoice\r\nFrom: billing@bluedart.com\r\n\r\nPlease find the invoice attached.")
	newsletter := []byte("Subject: Weekly news\r\nFrom: news@example.com\r\n\r\nunsubscribe here")

	tests := []struct {
		name       string
		opts       Options
		raw        []byte
		wantAllow  bool
		wantReason string
	}{
		{name: "no filters", opts: Options{}, raw: newsletter, wantAllow: true},
		{name: "include header match", opts: Options{IncludeHeader: []string{"(?i)invoice"}}, raw: invoice, wantAllow: true, wantReason: "include-header (?i)invoice"},
		{name: "include header miss", opts: Options{IncludeHeader: []string{"(?i)invoice"}}, raw: newsletter, wantAllow: false, wantReason: "no include pattern matched"},
		{name: "include body match", opts: Options{IncludeBody: []string{"attached"}}, raw: invoice, wantAllow: true, wantReason: "include-body attached"},
		{name: "include matches header only", opts: Options{IncludeBody: []string{"Blue Dart"}}, raw: invoice, wantAllow: false, wantReason: "no include pattern matched"},
		{name: "exclude header", opts: Options{ExcludeHeader: []string{"news@"}}, raw: newsletter, wantAllow: false, wantReason: "exclude-header news@"},
		{name: "exclude body", opts: Options{ExcludeBody: []string{"unsubscribe"}}, raw: newsletter, wantAllow: false, wantReason: "exclude-body unsubscribe"},
		{name: "exclude passes others", opts: Options{ExcludeBody: []string{"unsubscribe"}}, raw: invoice, wantAllow: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.opts)
			require.NoError(t, err)
			v := f.Check(tt.raw)
			assert.Equal(t, tt.wantAllow, v.Allowed)
			assert.Equal(t, tt.wantReason, v.Reason)
		})
	}
}

func TestFilter_NilAllowsEverything(t *testing.T) {
	var f *Filter
	assert.False(t, f.Active())
	assert.True(t, f.Check([]byte("Subject: x\n\ny")).Allowed)
}

func TestFilter_MutuallyExclusive(t *testing.T) {
	_, err := New(Options{IncludeHeader: []string{"test"}, ExcludeHeader: []string{"spam"}})
	assert.ErrorIs(t, err, ErrModeConflict)
}

func TestFilter_InvalidPattern(t *testing.T) {
	_, err := New(Options{ExcludeBody: []string{"("}})
	assert.ErrorContains(t, err, "exclude-body")
}

func TestSplitRawMessage(t *testing.T) {
	tests := []struct {
		name       string
		raw        []byte
		wantHeader []byte
		wantBody   []byte
	}{
		{name: "CRLF separator", raw: []byte("Header: value\r\n\r\nBody content"), wantHeader: []byte("Header: value"), wantBody: []byte("Body content")},
		{name: "LF separator", raw: []byte("Header: value\n\nBody content"), wantHeader: []byte("Header: value"), wantBody: []byte("Body content")},
		{name: "No separator", raw: []byte("All header content"), wantHeader: []byte("All header content")},
		{name: "Empty message", raw: []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotHeader, gotBody := SplitRawMessage(tt.raw)
			assert.Equal(t, string(tt.wantHeader), string(gotHeader))
			assert.Equal(t, string(tt.wantBody), string(gotBody))
		})
	}
}
