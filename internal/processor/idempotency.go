package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/email-gateway/pkg/logger"
	"github.com/nimasrn/email-gateway/pkg/redis"
)

var (
	ErrAlreadyProcessed = errors.New("email already dispatched")
	ErrLockHeld         = errors.New("email is being dispatched by another worker")
)

type IdempotencyConfig struct {
	// LockTTL bounds how long a crashed worker can block an email.
	LockTTL time.Duration

	// ProcessedTTL keeps the dispatched marker around for redeliveries.
	ProcessedTTL time.Duration

	LockKeyPrefix string

	ProcessedKeyPrefix string
}

func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		LockTTL:            2 * time.Minute,
		ProcessedTTL:       24 * time.Hour,
		LockKeyPrefix:      "dispatch:lock:",
		ProcessedKeyPrefix: "dispatch:done:",
	}
}

// IdempotencyService keeps one email from being dispatched by two workers
// at once and remembers emails that already went out.
type IdempotencyService struct {
	redis  redis.RedisAdapter
	config IdempotencyConfig
}

func NewIdempotencyService(redisAdapter redis.RedisAdapter, config IdempotencyConfig) *IdempotencyService {
	def := DefaultIdempotencyConfig()
	if config.LockTTL <= 0 {
		config.LockTTL = def.LockTTL
	}
	if config.ProcessedTTL <= 0 {
		config.ProcessedTTL = def.ProcessedTTL
	}
	if config.LockKeyPrefix == "" {
		config.LockKeyPrefix = def.LockKeyPrefix
	}
	if config.ProcessedKeyPrefix == "" {
		config.ProcessedKeyPrefix = def.ProcessedKeyPrefix
	}
	return &IdempotencyService{
		redis:  redisAdapter,
		config: config,
	}
}

// releaseScript deletes the lock only while it still carries our token, so
// a worker whose lock expired cannot free a lock someone else now holds.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type ProcessingContext struct {
	EmailID      string
	token        string
	lockAcquired bool
}

func (s *IdempotencyService) AcquireProcessingLock(ctx context.Context, emailID string) (*ProcessingContext, error) {
	done, err := s.IsProcessed(ctx, emailID)
	if err != nil {
		// the store is the source of truth, keep going
		logger.Warn("failed to check dispatched marker", "email_id", emailID, "error", err)
	} else if done {
		return nil, ErrAlreadyProcessed
	}

	token := uuid.NewString()
	acquired, err := s.redis.SetNX(ctx, s.config.LockKeyPrefix+emailID, []byte(token), s.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire dispatch lock: %w", err)
	}
	if !acquired {
		return nil, ErrLockHeld
	}

	logger.Debug("dispatch lock acquired", "email_id", emailID, "lock_ttl", s.config.LockTTL)

	return &ProcessingContext{
		EmailID:      emailID,
		token:        token,
		lockAcquired: true,
	}, nil
}

// MarkSuccess records the dispatch and frees the lock.
func (s *IdempotencyService) MarkSuccess(ctx context.Context, pc *ProcessingContext) error {
	err := s.redis.Set(ctx, s.config.ProcessedKeyPrefix+pc.EmailID, []byte("1"), s.config.ProcessedTTL)
	if releaseErr := s.ReleaseLock(ctx, pc); releaseErr != nil && err == nil {
		err = releaseErr
	}
	if err != nil {
		return fmt.Errorf("failed to mark email dispatched: %w", err)
	}
	return nil
}

func (s *IdempotencyService) ReleaseLock(ctx context.Context, pc *ProcessingContext) error {
	if pc == nil || !pc.lockAcquired {
		return nil
	}
	pc.lockAcquired = false

	res, err := s.redis.Eval(ctx, releaseScript, []string{s.config.LockKeyPrefix + pc.EmailID}, pc.token)
	if err != nil {
		logger.Warn("failed to release dispatch lock", "email_id", pc.EmailID, "error", err)
		return err
	}
	if n, _ := res.(int64); n == 0 {
		logger.Warn("dispatch lock expired before release", "email_id", pc.EmailID)
	}
	return nil
}

func (s *IdempotencyService) IsProcessed(ctx context.Context, emailID string) (bool, error) {
	return s.redis.Exists(ctx, s.config.ProcessedKeyPrefix+emailID)
}
