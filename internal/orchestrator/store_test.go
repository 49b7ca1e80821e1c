package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"AgentEscrow/internal/agent"
)

func newSession(id string) *Session {
	return &Session{
		ID:            id,
		OwnerID:       "owner-1",
		WorkflowID:    "wf-" + id,
		Listing:       testListing(),
		Status:        StatusCreated,
		WorkflowState: map[agent.Type]StepStatus{},
	}
}

func TestMemoryStoreClaimIsExclusive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newSession("s1")); err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}

	var claimed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Claim(ctx, "s1"); err == nil {
				claimed.Add(1)
			} else if !errors.Is(err, ErrSessionNotClaimable) {
				t.Errorf("意外错误: %v", err)
			}
		}()
	}
	wg.Wait()
	if claimed.Load() != 1 {
		t.Fatalf("期望只领取一次，实际 %d", claimed.Load())
	}
}

func TestMemoryStoreUpdateKeepsCancelRequest(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newSession("s1")); err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}
	running, err := store.Claim(ctx, "s1")
	if err != nil {
		t.Fatalf("领取失败: %v", err)
	}
	if _, err := store.RequestCancel(ctx, "s1"); err != nil {
		t.Fatalf("取消失败: %v", err)
	}

	running.CurrentStep = agent.TypeVisual
	running.CancelRequested = false
	if err := store.Update(ctx, running); err != nil {
		t.Fatalf("更新失败: %v", err)
	}
	got, _ := store.Get(ctx, "s1")
	if !got.CancelRequested {
		t.Fatalf("更新不应清除取消标记")
	}
	if !running.CancelRequested || running.Version != got.Version {
		t.Fatalf("调用方副本应同步取消标记与版本")
	}
}

func TestMemoryStoreUpdateRejectsStaleVersion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newSession("s1")); err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}
	first, _ := store.Get(ctx, "s1")
	second, _ := store.Get(ctx, "s1")
	if err := store.Update(ctx, first); err != nil {
		t.Fatalf("首次更新失败: %v", err)
	}
	if err := store.Update(ctx, second); !errors.Is(err, ErrSessionConflict) {
		t.Fatalf("期望版本冲突，实际 %v", err)
	}
	if err := store.Update(ctx, newSession("missing")); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("期望不存在，实际 %v", err)
	}
}

func TestMemoryStoreCancelTerminalSession(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	s := newSession("s1")
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}
	s.Status = StatusCompleted
	if err := store.Update(ctx, s); err != nil {
		t.Fatalf("更新失败: %v", err)
	}
	if _, err := store.RequestCancel(ctx, "s1"); !errors.Is(err, ErrSessionTerminal) {
		t.Fatalf("期望已结束错误，实际 %v", err)
	}
	if _, err := store.RequestCancel(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("期望不存在，实际 %v", err)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		s := newSession(id)
		if id == "c" {
			s.OwnerID = "owner-2"
		}
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("创建会话失败: %v", err)
		}
	}
	if _, err := store.Claim(ctx, "b"); err != nil {
		t.Fatalf("领取失败: %v", err)
	}

	owned, err := store.List(ctx, buildListOptions([]ListOption{WithOwner("owner-1")}))
	if err != nil || len(owned) != 2 {
		t.Fatalf("按发起人过滤失败: %d %v", len(owned), err)
	}
	running, _ := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusRunning, "bogus")}))
	if len(running) != 1 || running[0].ID != "b" {
		t.Fatalf("按状态过滤失败: %+v", running)
	}
	paged, _ := store.List(ctx, buildListOptions([]ListOption{WithLimit(1), WithOffset(5)}))
	if len(paged) != 0 {
		t.Fatalf("越界分页应返回空列表")
	}
}

func TestSessionCloneIsDeep(t *testing.T) {
	s := newSession("s1")
	s.AgentSequence = []agent.Type{agent.TypeIntake}
	c := s.Clone()
	c.WorkflowState[agent.TypeIntake] = StepFailed
	c.AgentSequence[0] = agent.TypeVisual
	c.Listing.Offers[0].PriceMinor = 1
	if len(s.WorkflowState) != 0 || s.AgentSequence[0] != agent.TypeIntake || s.Listing.Offers[0].PriceMinor != 50000 {
		t.Fatalf("克隆不应影响原会话")
	}
}
