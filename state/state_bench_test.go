package state

import (
	"context"
	"fmt"
	"testing"

	"github.com/dhcgn/mailbox-harvester/model"
)

// BenchmarkRegistry_MarkProcessed benchmarks processed set writes
func BenchmarkRegistry_MarkProcessed(b *testing.B) {
	reg := NewRegistry()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reg.MarkProcessed(model.MessageID(fmt.Sprintf("1:%d", i)))
	}
}

// BenchmarkRegistry_AlreadyProcessed benchmarks lookup performance
func BenchmarkRegistry_AlreadyProcessed(b *testing.B) {
	reg := NewRegistry()
	for i := 0; i < 1000; i++ {
		reg.MarkProcessed(model.MessageID(fmt.Sprintf("1:%d", i)))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reg.AlreadyProcessed(model.MessageID(fmt.Sprintf("1:%d", i%1000)))
	}
}

// BenchmarkFileBackend_Save benchmarks a full snapshot rewrite
func BenchmarkFileBackend_Save(b *testing.B) {
	backend, err := NewFileBackend(b.TempDir())
	if err != nil {
		b.Fatal(err)
	}

	reg := NewRegistry()
	for i := 0; i < 1000; i++ {
		reg.MarkProcessed(model.MessageID(fmt.Sprintf("1:%d", i)))
		reg.Register(model.Fingerprint(fmt.Sprintf("%064x", i)), fmt.Sprintf("bluedart/file_%d.pdf", i))
	}
	snap := reg.Snapshot()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := backend.Save(context.Background(), snap); err != nil {
			b.Fatal(err)
		}
	}
}
