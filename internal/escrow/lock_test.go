package escrow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "AgentEscrow/internal/errors"

	"github.com/redis/go-redis/v9"
)

func TestMemoryLockerSerializesPerKey(t *testing.T) {
	locker := NewMemoryLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), "escrow-1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("expected exclusive access, saw %d holders", maxInside)
	}
	if len(locker.locks) != 0 {
		t.Fatalf("lock table should be empty after release, got %d", len(locker.locks))
	}
}

func TestMemoryLockerHonoursContext(t *testing.T) {
	locker := NewMemoryLocker()
	unlock, err := locker.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	other, err := locker.Lock(context.Background(), "other")
	if err != nil {
		t.Fatalf("independent keys must not block: %v", err)
	}
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(ctx, "k"); !xerrors.IsCode(err, xerrors.CodeTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}

type fakeRedis struct {
	mu      sync.Mutex
	values  map[string]string
	deletes int
	evalErr error
}

func newFakeRedis() *fakeRedis { return &fakeRedis{values: make(map[string]string)} }

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewBoolCmd(ctx)
	if _, ok := f.values[key]; ok {
		cmd.SetVal(false)
		return cmd
	}
	f.values[key] = fmt.Sprint(value)
	cmd.SetVal(true)
	return cmd
}

func (f *fakeRedis) compareAndDelete(ctx context.Context, keys []string, args []interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewCmd(ctx)
	if f.evalErr != nil {
		cmd.SetErr(f.evalErr)
		return cmd
	}
	if f.values[keys[0]] == fmt.Sprint(args[0]) {
		delete(f.values, keys[0])
		f.deletes++
		cmd.SetVal(int64(1))
		return cmd
	}
	cmd.SetVal(int64(0))
	return cmd
}

func (f *fakeRedis) Eval(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.compareAndDelete(ctx, keys, args)
}

func (f *fakeRedis) EvalSha(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.compareAndDelete(ctx, keys, args)
}

func (f *fakeRedis) EvalRO(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.compareAndDelete(ctx, keys, args)
}

func (f *fakeRedis) EvalShaRO(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.compareAndDelete(ctx, keys, args)
}

func (f *fakeRedis) ScriptExists(ctx context.Context, _ ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceCmd(ctx)
}

func (f *fakeRedis) ScriptLoad(ctx context.Context, _ string) *redis.StringCmd {
	return redis.NewStringCmd(ctx)
}

func TestRedisLockerAcquireAndRelease(t *testing.T) {
	client := newFakeRedis()
	locker := NewRedisLocker(client, WithLockRetry(time.Millisecond), WithLockPrefix("test:"))

	unlock, err := locker.Lock(context.Background(), "escrow-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, ok := client.values["test:escrow-1"]; !ok {
		t.Fatalf("lock key not written: %v", client.values)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(ctx, "escrow-1"); !xerrors.IsCode(err, xerrors.CodeTimeout) {
		t.Fatalf("expected TIMEOUT while held, got %v", err)
	}

	unlock()
	unlock()
	if client.deletes != 1 {
		t.Fatalf("expected exactly one delete, got %d", client.deletes)
	}

	again, err := locker.Lock(context.Background(), "escrow-1")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	again()
}

func TestRedisLockerDoesNotDeleteForeignToken(t *testing.T) {
	client := newFakeRedis()
	var logs bytes.Buffer
	locker := NewRedisLocker(client, WithLockTTL(time.Second), WithLockLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	unlock, err := locker.Lock(context.Background(), "escrow-2")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	// 模拟锁过期后被其他进程重新获取。
	client.mu.Lock()
	client.values["agentescrow:lock:escrow-2"] = "someone-else"
	client.mu.Unlock()

	unlock()
	if client.deletes != 0 || client.values["agentescrow:lock:escrow-2"] != "someone-else" {
		t.Fatalf("foreign lock was released")
	}
	if !strings.Contains(logs.String(), "agentescrow:lock:escrow-2") {
		t.Fatalf("expected a warning for the expired lock, got %q", logs.String())
	}
}

func TestRedisLockerLogsReleaseFailure(t *testing.T) {
	client := newFakeRedis()
	var logs bytes.Buffer
	locker := NewRedisLocker(client, WithLockLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	unlock, err := locker.Lock(context.Background(), "escrow-3")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	client.mu.Lock()
	client.evalErr = errors.New("connection refused")
	client.mu.Unlock()

	unlock()
	if !strings.Contains(logs.String(), "释放 Redis 锁失败") || !strings.Contains(logs.String(), "connection refused") {
		t.Fatalf("release failure was not logged: %q", logs.String())
	}
}
