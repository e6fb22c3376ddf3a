package balancer

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/convoy-ml/convoy/internal/config"
)

type affinityEntry struct {
	workerID string
	expires  time.Time
}

// affinityTable maps session ids to sticky workers with a TTL refreshed on
// every hit. A background task evicts expired entries.
type affinityTable struct {
	entries *xsync.Map[string, affinityEntry]
	cfg     config.SessionAffinityConfig
	stopCh  chan struct{}
}

func newAffinityTable(cfg config.SessionAffinityConfig) *affinityTable {
	return &affinityTable{
		entries: xsync.NewMap[string, affinityEntry](),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// Lookup returns the sticky worker for a session and refreshes its TTL.
func (t *affinityTable) Lookup(sessionID string) (string, bool) {
	entry, ok := t.entries.Load(sessionID)
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expires) {
		t.entries.Delete(sessionID)
		return "", false
	}
	t.Record(sessionID, entry.workerID)
	return entry.workerID, true
}

func (t *affinityTable) Record(sessionID, workerID string) {
	t.entries.Store(sessionID, affinityEntry{
		workerID: workerID,
		expires:  time.Now().Add(t.cfg.TTL),
	})
}

func (t *affinityTable) Forget(sessionID string) {
	t.entries.Delete(sessionID)
}

func (t *affinityTable) Len() int {
	return t.entries.Size()
}

func (t *affinityTable) start(ctx context.Context) {
	interval := t.cfg.CleanupInterval
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
			case <-t.stopCh:
				return
			case <-ticker.C:
				t.evictExpired(time.Now())
			}
		}
	}()
}

func (t *affinityTable) stop() {
	close(t.stopCh)
}

func (t *affinityTable) evictExpired(now time.Time) {
	var expired []string
	t.entries.Range(func(sessionID string, entry affinityEntry) bool {
		if now.After(entry.expires) {
			expired = append(expired, sessionID)
		}
		return true
	})
	for _, id := range expired {
		t.entries.Delete(id)
	}
}
