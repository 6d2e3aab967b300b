// Package offers holds the ephemeral offer records that back the
// offer/accept protocol. Records carry their own ExpiresAt; readers decide
// expiry against it, so an expired record is still distinguishable from one
// that never existed.
package offers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/field-dispatch/internal/models"
)

type Store interface {
	Put(ctx context.Context, offer models.Offer) error
	// Get returns (nil, nil) when no record exists.
	Get(ctx context.Context, jobID, driverID string) (*models.Offer, error)
	Delete(ctx context.Context, jobID, driverID string) error
	AddOffered(ctx context.Context, jobID, driverID string) error
	RemoveOffered(ctx context.Context, jobID, driverID string) error
	Offered(ctx context.Context, jobID string) ([]string, error)
	// ForDriver lists every stored offer for the driver, expired ones included.
	ForDriver(ctx context.Context, driverID string) ([]models.Offer, error)
	// Purge drops all offers and the offered-set for a job.
	Purge(ctx context.Context, jobID string) error
}

type key struct{ job, driver string }

// MemoryStore keeps offers in process. Expired records linger until Sweep
// runs so late accepts still see OfferExpired.
type MemoryStore struct {
	mu        sync.Mutex
	offers    map[key]models.Offer
	offered   map[string]map[string]struct{}
	retention time.Duration
	now       func() time.Time
}

func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		offers:    make(map[key]models.Offer),
		offered:   make(map[string]map[string]struct{}),
		retention: retention,
		now:       time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, offer models.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[key{offer.JobID, offer.DriverID}] = offer
	return nil
}

func (s *MemoryStore) Get(_ context.Context, jobID, driverID string) (*models.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[key{jobID, driverID}]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *MemoryStore) Delete(_ context.Context, jobID, driverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.offers, key{jobID, driverID})
	return nil
}

func (s *MemoryStore) AddOffered(_ context.Context, jobID, driverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.offered[jobID]
	if !ok {
		set = make(map[string]struct{})
		s.offered[jobID] = set
	}
	set[driverID] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveOffered(_ context.Context, jobID, driverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.offered[jobID]; ok {
		delete(set, driverID)
		if len(set) == 0 {
			delete(s.offered, jobID)
		}
	}
	return nil
}

func (s *MemoryStore) Offered(_ context.Context, jobID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.offered[jobID]))
	for id := range s.offered[jobID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) ForDriver(_ context.Context, driverID string) ([]models.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Offer, 0)
	for k, o := range s.offers {
		if k.driver == driverID {
			out = append(out, o)
		}
	}
	sortOffers(out)
	return out, nil
}

func (s *MemoryStore) Purge(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.offers {
		if k.job == jobID {
			delete(s.offers, k)
		}
	}
	delete(s.offered, jobID)
	return nil
}

// Sweep removes records that expired more than the retention window ago and
// reports how many were dropped.
func (s *MemoryStore) Sweep(_ context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.retention)
	n := 0
	for k, o := range s.offers {
		if o.ExpiresAt.Before(cutoff) {
			delete(s.offers, k)
			n++
		}
	}
	return n
}

func sortOffers(list []models.Offer) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].JobID < list[j].JobID
	})
}
