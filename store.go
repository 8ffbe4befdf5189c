package coord

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// probeReply is the only acceptable answer to the connection probe.
const probeReply = "PONG"

// StoreConfig holds the backing store connection parameters.
type StoreConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	DB       int

	// Development allows a missing password.
	Development bool

	DialTimeout time.Duration
	PoolSize    int
}

// Addr returns host:port.
func (c StoreConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate rejects configurations that must never reach a running process.
func (c StoreConfig) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("%w: backing store host is required", ErrConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: backing store port %d out of range", ErrConfig, c.Port)
	}
	if c.DB < 0 {
		return fmt.Errorf("%w: backing store database index must not be negative", ErrConfig)
	}
	if c.Password == "" && !c.Development {
		return fmt.Errorf("%w: backing store credential is required outside development", ErrConfig)
	}
	return nil
}

// Store is one validated connection to the backing store. It is created once,
// shared by reference, and closed once.
type Store struct {
	client redis.UniversalClient
	addr   string
	owned  bool
	log    zerolog.Logger

	mu        sync.Mutex
	connected bool
	closed    bool
}

// NewStore validates cfg and builds a client owned by the returned Store.
// No network traffic happens until Connect.
func NewStore(cfg StoreConfig, opt ...Opt) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o, err := applyOpts("store", opt)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		PoolSize:    cfg.PoolSize,
	})
	return &Store{
		client: client,
		addr:   cfg.Addr(),
		owned:  true,
		log:    o.logger.With().Str("addr", cfg.Addr()).Logger(),
	}, nil
}

// NewStoreFromClient wraps a client shared with other components. Closing the
// Store does not close the client.
func NewStoreFromClient(client redis.UniversalClient, opt ...Opt) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: store needs a client", ErrConfig)
	}
	o, err := applyOpts("store", opt)
	if err != nil {
		return nil, err
	}
	addr := "shared"
	if c, ok := client.(*redis.Client); ok {
		addr = c.Options().Addr
	}
	return &Store{
		client: client,
		addr:   addr,
		log:    o.logger.With().Str("addr", addr).Logger(),
	}, nil
}

// Connect issues a round-trip probe and fails hard unless the store answers PONG.
// Later calls are no-ops once a probe succeeded.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store %s: %w", s.addr, ErrClosed)
	}
	if s.connected {
		return nil
	}

	reply, err := s.client.Ping(ctx).Result()
	if err != nil {
		s.log.Error().Err(err).Msg("connection probe failed")
		return &ConnectionError{Addr: s.addr, Err: err}
	}
	if reply != probeReply {
		s.log.Error().Str("reply", reply).Msg("connection probe returned unexpected reply")
		return &ConnectionError{Addr: s.addr, Reply: reply}
	}

	s.connected = true
	s.log.Debug().Msg("connected")
	return nil
}

// Connected reports whether a probe has succeeded and the store is still open.
func (s *Store) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && !s.closed
}

// Client returns the underlying client.
func (s *Store) Client() redis.UniversalClient {
	return s.client
}

// Addr returns the address the store was configured with.
func (s *Store) Addr() string {
	return s.addr
}

// Close releases the client if the Store owns it. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.connected = false
	if !s.owned {
		return nil
	}
	if err := s.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("close store %s: %w", s.addr, err)
	}
	return nil
}

// scanKeys walks every key matching pattern with SCAN and hands each page to fn.
func scanKeys(ctx context.Context, client redis.UniversalClient, pattern string, count int64, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, pattern, count).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// collectKeys returns every key matching pattern. Callers delete only after the
// scan finished: deleting between pages skips keys on offset-cursor servers.
func collectKeys(ctx context.Context, client redis.UniversalClient, pattern string, count int64) ([]string, error) {
	var all []string
	err := scanKeys(ctx, client, pattern, count, func(keys []string) error {
		all = append(all, keys...)
		return nil
	})
	return all, err
}

// batches splits keys into slices of at most size entries.
func batches(keys []string, size int64) [][]string {
	if size <= 0 {
		size = defaultScanCount
	}
	var out [][]string
	for len(keys) > 0 {
		n := min(int64(len(keys)), size)
		out = append(out, keys[:n])
		keys = keys[n:]
	}
	return out
}

// Sentinel TTL values returned by GetTTL on locks and cache entries.
const (
	TTLAbsent   int64 = -1
	TTLNoExpiry int64 = -2
)

// pttl reads a key's remaining lifetime in milliseconds using the TTLAbsent
// and TTLNoExpiry conventions.
func pttl(ctx context.Context, client redis.UniversalClient, key string) (int64, error) {
	d, err := client.PTTL(ctx, key).Result()
	if err != nil {
		return TTLAbsent, err
	}
	switch d {
	case -2:
		return TTLAbsent, nil
	case -1:
		return TTLNoExpiry, nil
	}
	return d.Milliseconds(), nil
}
