package escrow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker 为单个托管提供互斥。返回的 unlock 必须调用且只调用一次。
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// MemoryLocker 是进程内按键加锁的互斥表。
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker 创建进程内锁。
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*keyLock)}
}

// Lock 阻塞直到取得 key 的锁或 ctx 结束。
func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl)
		return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待托管锁超时")
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.release(key, kl)
		})
	}, nil
}

func (l *MemoryLocker) release(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// unlockScript 仅在持有者令牌匹配时删除锁。
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLockClient 是 RedisLocker 需要的 go-redis 能力。
type RedisLockClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisLocker 使用 SET NX PX 在多进程之间互斥。
type RedisLocker struct {
	client RedisLockClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

// RedisLockerOption 定义可选配置。
type RedisLockerOption func(*RedisLocker)

// WithLockTTL 设置锁的自动过期时间。
func WithLockTTL(ttl time.Duration) RedisLockerOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithLockRetry 设置争用时的重试间隔。
func WithLockRetry(interval time.Duration) RedisLockerOption {
	return func(l *RedisLocker) {
		if interval > 0 {
			l.retry = interval
		}
	}
}

// WithLockPrefix 设置锁键前缀。
func WithLockPrefix(prefix string) RedisLockerOption {
	return func(l *RedisLocker) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// WithLockLogger 指定释放锁失败时的日志输出。
func WithLockLogger(l *slog.Logger) RedisLockerOption {
	return func(rl *RedisLocker) {
		if l != nil {
			rl.logger = l
		}
	}
}

// NewRedisLocker 基于 go-redis 客户端创建分布式锁。
func NewRedisLocker(client RedisLockClient, opts ...RedisLockerOption) *RedisLocker {
	l := &RedisLocker{
		client: client,
		prefix: "agentescrow:lock:",
		ttl:    30 * time.Second,
		retry:  25 * time.Millisecond,
		logger: logger.Named("escrow"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Lock 实现 Locker 接口。
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	if l == nil || l.client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis 锁未初始化")
	}
	redisKey := l.prefix + key
	token := uuid.NewString()
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取 Redis 锁失败")
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待托管锁超时")
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// 调用方的 ctx 可能已取消，释放锁使用独立的超时。
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			deleted, err := unlockScript.Run(releaseCtx, l.client, []string{redisKey}, token).Int64()
			switch {
			case err != nil:
				// 锁会在 TTL 到期后自动释放。
				l.logger.Warn("释放 Redis 锁失败", slog.String("key", redisKey), slog.Any("error", err))
			case deleted == 0:
				l.logger.Warn("Redis 锁已过期或被其他进程持有", slog.String("key", redisKey))
			}
		})
	}, nil
}

var (
	_ Locker = (*MemoryLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
)
