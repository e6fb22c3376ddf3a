package app

import (
	"testing"
	"time"

	"github.com/convoy-ml/convoy/internal/config"
	"github.com/convoy-ml/convoy/internal/core/domain"
)

func TestMetadataStorePutGet(t *testing.T) {
	s := NewMetadataStore(config.MetadataConfig{Retention: time.Minute})

	md := domain.NewRequestMetadata("req-1")
	md.SelectedWorker = "w1"
	s.Put(md)

	got, ok := s.Get("req-1")
	if !ok {
		t.Fatal("Get missed a stored trace")
	}
	if got.SelectedWorker != "w1" {
		t.Fatalf("trace = %+v", got)
	}
	if _, ok := s.Get("missing"); ok {
		t.Fatal("Get hit on an unknown id")
	}
}

func TestMetadataStoreEvictsFinalizedTraces(t *testing.T) {
	s := NewMetadataStore(config.MetadataConfig{Retention: 50 * time.Millisecond})

	old := domain.NewRequestMetadata("old")
	old.Finalize(nil)
	old.EndTime = time.Now().Add(-time.Minute)
	s.Put(old)

	fresh := domain.NewRequestMetadata("fresh")
	fresh.Finalize(nil)
	s.Put(fresh)

	s.evictExpired(time.Now())

	if _, ok := s.Get("old"); ok {
		t.Fatal("expired trace survived eviction")
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Fatal("fresh trace was evicted")
	}
}

func TestMetadataStoreNeverEvictsInFlight(t *testing.T) {
	s := NewMetadataStore(config.MetadataConfig{Retention: time.Millisecond})

	inflight := domain.NewRequestMetadata("inflight")
	inflight.StartTime = time.Now().Add(-time.Hour)
	s.Put(inflight)

	s.evictExpired(time.Now())

	if _, ok := s.Get("inflight"); !ok {
		t.Fatal("in-flight trace was evicted")
	}
}

func TestMetadataStoreLen(t *testing.T) {
	s := NewMetadataStore(config.MetadataConfig{Retention: time.Minute})
	for _, id := range []string{"a", "b", "c"} {
		s.Put(domain.NewRequestMetadata(id))
	}
	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}
}
