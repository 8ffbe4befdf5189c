package coord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// MutexKeyPrefix prefixes every lock key.
const MutexKeyPrefix = "mutex:"

// MutexService hands out TTL-bounded exclusive locks shared by every process
// connected to the same backing store.
type MutexService struct {
	store     *Store
	defaults  LockOptions
	scanCount int64
	log       zerolog.Logger
}

// Lock is one successful acquisition. Only the Lock that created a key can
// release it.
type Lock struct {
	ResourceID string        `json:"resourceId" yaml:"resourceId"`
	Key        string        `json:"key" yaml:"key"`
	Value      string        `json:"value" yaml:"value"`
	TTL        time.Duration `json:"ttl" yaml:"ttl"`

	client redis.UniversalClient
}

// LockInfo describes a held lock for observability.
type LockInfo struct {
	ResourceID string `json:"resourceId" yaml:"resourceId"`
	Key        string `json:"key" yaml:"key"`
	TTL        int64  `json:"ttlMs" yaml:"ttlMs"`
}

// MutexStats lists the currently held locks.
type MutexStats struct {
	Count int        `json:"count" yaml:"count"`
	Locks []LockInfo `json:"locks" yaml:"locks"`
}

// NewMutexService connects the store and validates the default lock policy.
func NewMutexService(ctx context.Context, store *Store, opt ...Opt) (*MutexService, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: mutex service needs a backing store", ErrConfig)
	}
	o, err := applyOpts("mutex", opt)
	if err != nil {
		return nil, err
	}
	if err := store.Connect(ctx); err != nil {
		return nil, err
	}
	return &MutexService{
		store:     store,
		defaults:  o.lock,
		scanCount: o.scanCount,
		log:       o.logger,
	}, nil
}

func lockKey(resourceID string) string {
	return MutexKeyPrefix + resourceID
}

// Acquire takes the lock for resourceID. It makes one attempt plus up to
// MaxRetries retries spaced by RetryDelay, then returns a *ContentionError.
func (s *MutexService) Acquire(ctx context.Context, resourceID string, opt ...LockOpt) (*Lock, error) {
	if resourceID == "" {
		return nil, fmt.Errorf("%w: empty resource id", ErrConfig)
	}
	o, err := applyLockOpts(s.defaults, opt)
	if err != nil {
		return nil, err
	}

	client := s.store.Client()
	key := lockKey(resourceID)
	value := generateUUID()

	for attempt := 0; ; attempt++ {
		ok, err := client.SetNX(ctx, key, value, o.Timeout).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %q: %w", resourceID, err)
		}
		if ok {
			s.log.Debug().Str("resource", resourceID).Int("attempt", attempt+1).Dur("ttl", o.Timeout).Msg("lock acquired")
			return &Lock{ResourceID: resourceID, Key: key, Value: value, TTL: o.Timeout, client: client}, nil
		}
		if attempt >= o.MaxRetries {
			break
		}
		if err := sleepContext(ctx, o.RetryDelay); err != nil {
			return nil, err
		}
	}

	s.log.Debug().Str("resource", resourceID).Int("retries", o.MaxRetries).Msg("lock contended")
	return nil, &ContentionError{ResourceID: resourceID, Retries: o.MaxRetries}
}

// WithLock runs fn while holding the lock for resourceID.
func (s *MutexService) WithLock(ctx context.Context, resourceID string, fn func(ctx context.Context) error, opt ...LockOpt) error {
	lock, err := s.Acquire(ctx, resourceID, opt...)
	if err != nil {
		return err
	}
	fnErr := fn(ctx)
	// Release with a fresh context so a cancelled ctx does not strand the lock until TTL.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return errors.Join(fnErr, lock.Release(releaseCtx))
}

// Release deletes the lock only if it still holds this Lock's value. A lock
// that expired, or was taken over by another holder, returns ErrLockNotOwned
// and leaves the current holder's key in place.
func (l *Lock) Release(ctx context.Context) error {
	return releaseLock(ctx, l.client, l.ResourceID, l.Value)
}

// Release releases the lock on resourceID held under value, for holders that
// only kept the value returned by Acquire.
func (s *MutexService) Release(ctx context.Context, resourceID, value string) error {
	return releaseLock(ctx, s.store.Client(), resourceID, value)
}

func releaseLock(ctx context.Context, client redis.UniversalClient, resourceID, value string) error {
	n, err := releaseLockScript.Run(ctx, client, []string{lockKey(resourceID)}, value).Int()
	if err != nil {
		return fmt.Errorf("release lock %q: %w", resourceID, err)
	}
	if n == 0 {
		return fmt.Errorf("release lock %q: %w", resourceID, ErrLockNotOwned)
	}
	return nil
}

// Func returns Release as a closure bound to this lock's key and value.
func (l *Lock) Func() func(context.Context) error {
	return l.Release
}

// IsHeld reports whether any holder has the lock. Store errors read as false.
func (s *MutexService) IsHeld(ctx context.Context, resourceID string) bool {
	n, err := s.store.Client().Exists(ctx, lockKey(resourceID)).Result()
	if err != nil {
		s.log.Warn().Err(err).Str("resource", resourceID).Msg("lock check failed")
		return false
	}
	return n == 1
}

// GetTTL returns the lock's remaining lifetime in milliseconds, TTLAbsent
// when no lock exists (or on error), and TTLNoExpiry for an orphaned lock.
func (s *MutexService) GetTTL(ctx context.Context, resourceID string) int64 {
	ttl, err := pttl(ctx, s.store.Client(), lockKey(resourceID))
	if err != nil {
		s.log.Warn().Err(err).Str("resource", resourceID).Msg("lock ttl read failed")
		return TTLAbsent
	}
	return ttl
}

// ForceRelease deletes the lock regardless of who holds it. This breaks
// mutual exclusion for the current holder and is meant for operators only.
func (s *MutexService) ForceRelease(ctx context.Context, resourceID string) (bool, error) {
	n, err := s.store.Client().Del(ctx, lockKey(resourceID)).Result()
	if err != nil {
		return false, fmt.Errorf("force release %q: %w", resourceID, err)
	}
	s.log.Warn().Str("resource", resourceID).Bool("deleted", n > 0).Msg("lock force released")
	return n > 0, nil
}

// CleanupOrphaned deletes lock keys that carry no expiry. Every lock made by
// Acquire has a TTL, so such keys were written some other way. Errors are
// logged; the number of deleted keys is returned.
func (s *MutexService) CleanupOrphaned(ctx context.Context) int {
	client := s.store.Client()
	keys, err := collectKeys(ctx, client, MutexKeyPrefix+"*", s.scanCount)
	if err != nil {
		s.log.Error().Err(err).Int("scanned", len(keys)).Msg("orphan scan failed")
	}

	deleted := 0
	for _, key := range keys {
		n, err := deleteOrphanScript.Run(ctx, client, []string{key}).Int()
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("orphan cleanup failed")
			continue
		}
		if n == 0 {
			continue
		}
		deleted += n
		s.log.Info().Str("key", key).Msg("orphaned lock removed")
	}
	return deleted
}

// GetStats lists the locks currently held and their remaining TTL. A failed
// scan returns what was collected so far.
func (s *MutexService) GetStats(ctx context.Context) MutexStats {
	client := s.store.Client()
	stats := MutexStats{Locks: []LockInfo{}}
	err := scanKeys(ctx, client, MutexKeyPrefix+"*", s.scanCount, func(keys []string) error {
		for _, key := range keys {
			ttl, err := pttl(ctx, client, key)
			if err != nil || ttl == TTLAbsent {
				continue
			}
			stats.Locks = append(stats.Locks, LockInfo{
				ResourceID: strings.TrimPrefix(key, MutexKeyPrefix),
				Key:        key,
				TTL:        ttl,
			})
		}
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("lock stats scan failed")
	}
	stats.Count = len(stats.Locks)
	return stats
}

// Close closes the service's store.
func (s *MutexService) Close() error {
	return s.store.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
