package offers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/field-dispatch/internal/apperr"
	"github.com/example/field-dispatch/internal/logging"
	"github.com/example/field-dispatch/internal/models"
)

// putOffer writes the offer and indexes it under the driver. The driver set
// only ever has its TTL extended, so one short offer cannot evict longer ones.
var putOffer = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
local ttl = tonumber(ARGV[2])
if redis.call('PTTL', KEYS[2]) < ttl then
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)

// addOffered adds a driver to the job's offered-set and keeps the set alive
// at least as long as that driver's offer record (or the retention window).
var addOffered = redis.NewScript(`
redis.call('SADD', KEYS[1], ARGV[1])
local want = redis.call('PTTL', KEYS[2])
local floor = tonumber(ARGV[2])
if want < floor then
	want = floor
end
if want > 0 and redis.call('PTTL', KEYS[1]) < want then
	redis.call('PEXPIRE', KEYS[1], want)
end
return 1
`)

// RedisStore keeps offers as JSON strings with a TTL of the offer lifetime
// plus retention, and indexes them per job and per driver with sets.
type RedisStore struct {
	client    redis.UniversalClient
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewRedisStore(client redis.UniversalClient, retention time.Duration, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client:    client,
		retention: retention,
		logger:    logging.OrDiscard(logger).With("component", "offers"),
		now:       time.Now,
	}
}

func offerKey(jobID, driverID string) string { return fmt.Sprintf("job_offer:%s:%s", jobID, driverID) }
func offeredKey(jobID string) string { return "job_offers:" + jobID }
func driverKey(driverID string) string { return "driver_offers:" + driverID }

func unavailable(err error, op string) error {
	return apperr.Wrap(apperr.CodeStoreUnavailable, err, op)
}

func (s *RedisStore) Put(ctx context.Context, offer models.Offer) error {
	raw, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("encode offer: %w", err)
	}
	ttl := offer.ExpiresAt.Sub(s.now()) + s.retention
	if ttl <= 0 {
		ttl = time.Second
	}
	keys := []string{offerKey(offer.JobID, offer.DriverID), driverKey(offer.DriverID)}
	if err := putOffer.Run(ctx, s.client, keys, raw, ttl.Milliseconds(), offer.JobID).Err(); err != nil {
		return unavailable(err, "put offer")
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, jobID, driverID string) (*models.Offer, error) {
	raw, err := s.client.Get(ctx, offerKey(jobID, driverID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err, "get offer")
	}
	var o models.Offer
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	return &o, nil
}

func (s *RedisStore) Delete(ctx context.Context, jobID, driverID string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, offerKey(jobID, driverID))
		p.SRem(ctx, driverKey(driverID), jobID)
		return nil
	})
	if err != nil {
		return unavailable(err, "delete offer")
	}
	return nil
}

func (s *RedisStore) AddOffered(ctx context.Context, jobID, driverID string) error {
	keys := []string{offeredKey(jobID), offerKey(jobID, driverID)}
	if err := addOffered.Run(ctx, s.client, keys, driverID, s.retention.Milliseconds()).Err(); err != nil {
		return unavailable(err, "add offered driver")
	}
	return nil
}

func (s *RedisStore) RemoveOffered(ctx context.Context, jobID, driverID string) error {
	if err := s.client.SRem(ctx, offeredKey(jobID), driverID).Err(); err != nil {
		return unavailable(err, "remove offered driver")
	}
	return nil
}

func (s *RedisStore) Offered(ctx context.Context, jobID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, offeredKey(jobID)).Result()
	if err != nil {
		return nil, unavailable(err, "list offered drivers")
	}
	sort.Strings(ids)
	return ids, nil
}

// ForDriver resolves the driver's job set, pruning members whose offer key
// has already been evicted.
func (s *RedisStore) ForDriver(ctx context.Context, driverID string) ([]models.Offer, error) {
	jobIDs, err := s.client.SMembers(ctx, driverKey(driverID)).Result()
	if err != nil {
		return nil, unavailable(err, "list driver offers")
	}
	out := make([]models.Offer, 0, len(jobIDs))
	if len(jobIDs) == 0 {
		return out, nil
	}
	cmds := make([]*redis.StringCmd, len(jobIDs))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, jobID := range jobIDs {
			cmds[i] = p.Get(ctx, offerKey(jobID, driverID))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable(err, "load driver offers")
	}
	var stale []interface{}
	for i, cmd := range cmds {
		raw, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			stale = append(stale, jobIDs[i])
			continue
		}
		if err != nil {
			return nil, unavailable(err, "load driver offer")
		}
		var o models.Offer
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("decode offer: %w", err)
		}
		out = append(out, o)
	}
	if len(stale) > 0 {
		// best effort; the set is an index, not the source of truth
		if err := s.client.SRem(ctx, driverKey(driverID), stale...).Err(); err != nil {
			s.logger.Debug("prune driver offer index failed", "driver_id", driverID, "stale", len(stale), "error", err)
		}
	}
	sortOffers(out)
	return out, nil
}

func (s *RedisStore) Purge(ctx context.Context, jobID string) error {
	drivers, err := s.client.SMembers(ctx, offeredKey(jobID)).Result()
	if err != nil {
		return unavailable(err, "purge offers")
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, d := range drivers {
			p.Del(ctx, offerKey(jobID, d))
			p.SRem(ctx, driverKey(d), jobID)
		}
		p.Del(ctx, offeredKey(jobID))
		return nil
	})
	if err != nil {
		return unavailable(err, "purge offers")
	}
	return nil
}
