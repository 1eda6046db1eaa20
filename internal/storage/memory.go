package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"wacast/internal/campaign"
)

// memoryStore keeps everything in process memory. Campaign documents are
// stored as marshaled JSON so callers never share mutable state with the
// store, mirroring how the sqlite driver round-trips its doc column.
type memoryStore struct {
	mu          sync.Mutex
	campaigns   map[string][]byte
	validations map[string]Validation
}

// NewMemory returns a volatile Store with sqlite-equivalent semantics.
func NewMemory() Store {
	return &memoryStore{
		campaigns:   map[string][]byte{},
		validations: map[string]Validation{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) PutCampaign(_ context.Context, c *campaign.Campaign) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.campaigns[c.ID] = doc
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetCampaign(_ context.Context, id string) (*campaign.Campaign, bool, error) {
	s.mu.Lock()
	doc, ok := s.campaigns[id]
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	var c campaign.Campaign
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, false, err
	}
	return &c, true, nil
}

func (s *memoryStore) ListCampaigns(_ context.Context) ([]*campaign.Campaign, error) {
	s.mu.Lock()
	docs := make([][]byte, 0, len(s.campaigns))
	for _, d := range s.campaigns {
		docs = append(docs, d)
	}
	s.mu.Unlock()

	out := make([]*campaign.Campaign, 0, len(docs))
	for _, d := range docs {
		var c campaign.Campaign
		if err := json.Unmarshal(d, &c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, nil
}

func (s *memoryStore) DeleteCampaign(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.campaigns, id)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) PutValidation(_ context.Context, v Validation) error {
	s.mu.Lock()
	s.validations[v.Phone] = v
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetValidation(_ context.Context, phone string, now time.Time) (Validation, bool, error) {
	s.mu.Lock()
	v, ok := s.validations[phone]
	s.mu.Unlock()
	if !ok || !v.ExpiresAt.After(now) {
		return Validation{}, false, nil
	}
	return v, true, nil
}

func (s *memoryStore) PruneValidations(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for phone, v := range s.validations {
		if !v.ExpiresAt.After(now) {
			delete(s.validations, phone)
			n++
		}
	}
	return n, nil
}
