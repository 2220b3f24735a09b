package common

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/cheatcode-dev/sandboxd/pkg/types"
)

var (
	ErrConnectionIssue  = errors.New("redis: connection issue")
	ErrUnknownRedisMode = errors.New("redis: unknown mode")
)

type RedisClient struct {
	redis.UniversalClient
}

func WithClientName(name string) func(*redis.UniversalOptions) {
	// Remove empty spaces and new lines
	name = strings.ReplaceAll(name, " ", "")
	name = strings.ReplaceAll(name, "\n", "")

	// Remove special characters using a regular expression
	reg := regexp.MustCompile("[^a-zA-Z0-9]+")
	name = reg.ReplaceAllString(name, "")

	return func(uo *redis.UniversalOptions) {
		uo.ClientName = name
	}
}

func NewRedisClient(config types.RedisConfig, options ...func(*redis.UniversalOptions)) (*RedisClient, error) {
	opts := &redis.UniversalOptions{}
	CopyStruct(&config, opts)

	for _, opt := range options {
		opt(opts)
	}

	if config.EnableTLS {
		opts.TLSConfig = &tls.Config{
			InsecureSkipVerify: config.InsecureSkipVerify,
		}
	}

	var client redis.UniversalClient
	switch config.Mode {
	case types.RedisModeSingle:
		client = redis.NewClient(opts.Simple())
	case types.RedisModeCluster:
		client = redis.NewClusterClient(opts.Cluster())
	default:
		return nil, ErrUnknownRedisMode
	}

	err := client.Ping(context.TODO()).Err()
	if err != nil {
		return nil, fmt.Errorf("%s: %s", ErrConnectionIssue, err)
	}

	return &RedisClient{UniversalClient: client}, nil
}

func CopyStruct(src, dst any) error {
	config := mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           dst,
	}

	decoder, err := mapstructure.NewDecoder(&config)
	if err != nil {
		return err
	}

	if err := decoder.Decode(src); err != nil {
		return err
	}

	return nil
}

type RedisLockOptions struct {
	TtlS    int
	Retries int
}

// RedisLock serializes state transitions across gateway replicas. A lock is
// a single SET NX EX whose value is the holder's owner token; the TTL is the
// recovery path when a holder dies before releasing.
type RedisLock struct {
	rdb *RedisClient
}

func NewRedisLock(rdb *RedisClient) *RedisLock {
	return &RedisLock{rdb: rdb}
}

// Acquire attempts a conditional set on the key and returns the owner token
// on success. With Retries > 0 it retries failed attempts with exponential
// backoff (100ms initial, doubling) before giving up with
// types.ErrLockNotAcquired. Store errors are returned as-is and are never
// treated as an acquired lock.
func (l *RedisLock) Acquire(ctx context.Context, key string, opts RedisLockOptions) (string, error) {
	token := newOwnerToken()
	ttl := time.Duration(opts.TtlS) * time.Second

	attempt := func() error {
		ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return types.ErrLockNotAcquired
		}
		return nil
	}

	var err error
	if opts.Retries > 0 {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 100 * time.Millisecond
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0
		err = backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(b, uint64(opts.Retries)), ctx))
	} else {
		err = attempt()
	}

	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return "", perm.Err
		}
		return "", err
	}

	return token, nil
}

// Refresh overwrites the lock value with a marker prefix while keeping the
// owner token embedded, and extends the TTL. Long operations use this to
// widen their window without losing the ability to release.
func (l *RedisLock) Refresh(ctx context.Context, key, marker, token string, ttlS int) error {
	value := fmt.Sprintf("%s:%s", marker, token)
	return l.rdb.Set(ctx, key, value, time.Duration(ttlS)*time.Second).Err()
}

// Release deletes the key only while the stored value still contains the
// caller's token. A substring check rather than full equality: Refresh
// prepends markers to the value mid-operation. If the TTL expired and
// another holder re-acquired, the token no longer matches and the key is
// left alone.
func (l *RedisLock) Release(ctx context.Context, key, token string) error {
	current, err := l.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return types.ErrLockNotHeld
	}
	if err != nil {
		return err
	}

	if !strings.Contains(current, token) {
		return types.ErrLockNotHeld
	}

	return l.rdb.Del(ctx, key).Err()
}

// ReleaseQuietly is Release for defer paths: a stale or stolen lock heals
// itself through the TTL, so failures are logged and dropped.
func (l *RedisLock) ReleaseQuietly(ctx context.Context, key, token string) {
	err := l.Release(ctx, key, token)
	if err != nil && err != types.ErrLockNotHeld {
		log.Warn().Str("key", key).Err(err).Msg("failed to release lock")
	}
}

func newOwnerToken() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s:%s:%d", hostname, uuid.New().String(), time.Now().Unix())
}
