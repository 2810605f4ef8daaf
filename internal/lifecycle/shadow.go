package lifecycle

import (
	"sync"
	"time"

	"accountpool/internal/directory"
	"accountpool/internal/event"
)

// ShadowRecord is the derived, non-authoritative view of one account:
// last-seen lifecycle label, per-label timestamps, and the last job log
// excerpt. Rebuilt incrementally from events; never the system of record.
type ShadowRecord struct {
	Account   string                    `json:"account"`
	LastState string                    `json:"lastState,omitempty"`
	Seen      map[event.Label]time.Time `json:"seen"`
	LastLog   string                    `json:"lastLog,omitempty"`
}

type shadowCache struct {
	mu      sync.RWMutex
	records map[string]*ShadowRecord
}

func newShadowCache() *shadowCache {
	return &shadowCache{records: make(map[string]*ShadowRecord)}
}

func (c *shadowCache) observe(ev event.Decoded, now time.Time) {
	if ev.Account == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[ev.Account]
	if !ok {
		rec = &ShadowRecord{
			Account: ev.Account,
			Seen:    make(map[event.Label]time.Time),
		}
		c.records[ev.Account] = rec
	}
	rec.Seen[ev.Label] = now

	if ev.TagChange() {
		if state, ok := ev.Tags[directory.StateTagKey]; ok {
			rec.LastState = state
		}
	}
	switch ev.Label {
	case event.LabelJobCompleted, event.LabelPreparedAccount, event.LabelPurgedAccount:
		if ev.Message != "" {
			rec.LastLog = ev.Message
		}
	}
}

// Shadow returns a copy of the account's shadow record, if one exists.
func (s *Service) Shadow(accountID string) (ShadowRecord, bool) {
	s.shadow.mu.RLock()
	defer s.shadow.mu.RUnlock()
	rec, ok := s.shadow.records[accountID]
	if !ok {
		return ShadowRecord{}, false
	}
	out := *rec
	out.Seen = make(map[event.Label]time.Time, len(rec.Seen))
	for k, v := range rec.Seen {
		out.Seen[k] = v
	}
	return out, true
}
