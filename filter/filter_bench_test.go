package filter

import (
	"testing"
)

var benchRaw = []byte("From: billing@example.com\r\nTo: ops@example.com\r\nSubject: Invoice 4711\r\n\r\nThe invoice for last month is attached. Download invoice below.")

func BenchmarkFilter_Check_NoFilters(b *testing.B) {
	f, err := New(Options{})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Check(benchRaw)
	}
}

func BenchmarkFilter_Check_Include(b *testing.B) {
	f, err := New(Options{
		IncludeHeader: []string{"From:.*@example\\.com", "Subject:.*Invoice.*"},
	})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Check(benchRaw)
	}
}

func BenchmarkFilter_Check_ExcludeBody(b *testing.B) {
	f, err := New(Options{
		ExcludeBody: []string{"(?i)unsubscribe", "newsletter"},
	})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Check(benchRaw)
	}
}
