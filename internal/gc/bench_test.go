package gc_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/snapguard/snapguard/internal/gc"
	"github.com/snapguard/snapguard/internal/snapshot"
)

func collectorPlan(b *testing.B, s *snapshot.Store) {
	if _, err := gc.NewCollector(s).Plan(context.Background()); err != nil {
		b.Fatal(err)
	}
}

func benchmarkPlan(b *testing.B, files int) {
	e := newEnv(b)
	s := e.open(b, 10)
	for i := 0; i < files; i++ {
		e.captureVersions(b, s, fmt.Sprintf("f%04d.txt", i), 3)
	}
	c := e.open(b, 1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		collectorPlan(b, c)
	}
}

func BenchmarkPlan_Small(b *testing.B)  { benchmarkPlan(b, 10) }
func BenchmarkPlan_Medium(b *testing.B) { benchmarkPlan(b, 100) }
