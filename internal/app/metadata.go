package app

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/convoy-ml/convoy/internal/config"
	"github.com/convoy-ml/convoy/internal/core/domain"
)

// MetadataStore keeps per-request routing traces for a bounded retention
// window. Finalized traces age out; in-flight traces are never evicted.
type MetadataStore struct {
	cfg     config.MetadataConfig
	entries *xsync.Map[string, *domain.RequestMetadata]
	stopCh  chan struct{}
}

func NewMetadataStore(cfg config.MetadataConfig) *MetadataStore {
	return &MetadataStore{
		cfg:     cfg,
		entries: xsync.NewMap[string, *domain.RequestMetadata](),
		stopCh:  make(chan struct{}),
	}
}

func (s *MetadataStore) Put(md *domain.RequestMetadata) {
	s.entries.Store(md.RequestID, md)
}

func (s *MetadataStore) Get(requestID string) (*domain.RequestMetadata, bool) {
	return s.entries.Load(requestID)
}

func (s *MetadataStore) Len() int {
	return s.entries.Size()
}

func (s *MetadataStore) Start(ctx context.Context) {
	interval := s.cfg.Retention / 4
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.evictExpired(time.Now())
			}
		}
	}()
}

func (s *MetadataStore) Stop() {
	close(s.stopCh)
}

func (s *MetadataStore) evictExpired(now time.Time) {
	cutoff := now.Add(-s.cfg.Retention)
	var expired []string
	s.entries.Range(func(id string, md *domain.RequestMetadata) bool {
		if !md.EndTime.IsZero() && md.EndTime.Before(cutoff) {
			expired = append(expired, id)
		}
		return true
	})
	for _, id := range expired {
		s.entries.Delete(id)
	}
}
