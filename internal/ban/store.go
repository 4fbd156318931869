package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis layout:
//
//	ban:<userID>       -> reason, TTL = ban duration
//	reports:<userID>   -> set of reporter ids, TTL = ReportsWindow from first report
//	offenses:<userID>  -> offense counter, TTL = ReportsWindow from first offense
const (
	BanPrefix      = "ban:"
	ReportsPrefix  = "reports:"
	OffensesPrefix = "offenses:"
)

// Store manages ban records in Redis.
type Store struct {
	client    *redis.Client
	threshold int
}

// NewStore creates a ban store using the provided Redis client. A threshold
// below 1 uses DefaultThreshold.
func NewStore(client *redis.Client, threshold int) *Store {
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	return &Store{client: client, threshold: threshold}
}

// Lookup returns the user's active ban, or nil when the user is not banned.
// Redis errors are returned so callers can decide how to handle them.
func (s *Store) Lookup(ctx context.Context, userID string) (*Record, error) {
	key := BanPrefix + userID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ban: lookup: %w", err)
	}

	rec := &Record{UserID: userID, Reason: reason, ExpiresAt: time.Now()}

	// The ban exists even if the TTL cannot be read.
	ttl, err := s.client.TTL(ctx, key).Result()
	if err == nil && ttl > 0 {
		rec.ExpiresAt = rec.ExpiresAt.Add(ttl)
	}
	return rec, nil
}

// Ban sets a ban on a user with the given duration and reason.
func (s *Store) Ban(ctx context.Context, userID string, duration time.Duration, reason string) error {
	if err := s.client.Set(ctx, BanPrefix+userID, reason, duration).Err(); err != nil {
		return fmt.Errorf("ban: set: %w", err)
	}
	return nil
}

// Unban removes a ban immediately.
func (s *Store) Unban(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, BanPrefix+userID).Err(); err != nil {
		return fmt.Errorf("ban: unban: %w", err)
	}
	return nil
}

// OffenseCount returns the offense counter for a user. Returns 0 if the key
// does not exist (no offenses recorded or counter expired).
func (s *Store) OffenseCount(ctx context.Context, userID string) (int, error) {
	val, err := s.client.Get(ctx, OffensesPrefix+userID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ban: offense count: %w", err)
	}
	return val, nil
}

// incrWindow increments key and starts its TTL on the first increment so the
// window doesn't slide.
func (s *Store) incrWindow(ctx context.Context, key string) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, ReportsWindow).Err(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// Escalate increments the offense counter for a user and applies a ban whose
// duration escalates with the number of offenses. Returns the ban duration
// that was applied.
func (s *Store) Escalate(ctx context.Context, userID, reason string) (time.Duration, error) {
	count, err := s.incrWindow(ctx, OffensesPrefix+userID)
	if err != nil {
		return 0, fmt.Errorf("ban: escalate incr: %w", err)
	}

	duration := escalationDuration(int(count))
	if err := s.Ban(ctx, userID, duration, reason); err != nil {
		return 0, fmt.Errorf("ban: escalate: %w", err)
	}
	return duration, nil
}

// ReportAndCheck adds reporterID to the user's reporter set. Repeat reports
// from the same reporter count once. When the set reaches the threshold it is
// deleted and Escalate applies a ban; only the caller whose DEL removed the set
// escalates.
func (s *Store) ReportAndCheck(ctx context.Context, userID, reporterID string) (Outcome, error) {
	key := ReportsPrefix + userID

	var (
		added *redis.IntCmd
		card  *redis.IntCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.SAdd(ctx, key, reporterID)
		card = pipe.SCard(ctx, key)
		return nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("ban: report add: %w", err)
	}
	count := int(card.Val())
	if count == 1 && added.Val() == 1 {
		if err := s.client.Expire(ctx, key, ReportsWindow).Err(); err != nil {
			return Outcome{Reports: count}, fmt.Errorf("ban: report expire: %w", err)
		}
	}
	if count < s.threshold || added.Val() == 0 {
		return Outcome{Reports: count}, nil
	}

	deleted, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return Outcome{Reports: count}, fmt.Errorf("ban: report reset: %w", err)
	}
	if deleted == 0 {
		return Outcome{Reports: count}, nil
	}
	duration, err := s.Escalate(ctx, userID, ReasonMultipleReports)
	if err != nil {
		return Outcome{Reports: count}, err
	}
	return Outcome{Reports: count, Banned: true, Duration: duration}, nil
}
