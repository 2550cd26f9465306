package contextstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"message-orchestrator/internal/domain"
)

type stubLoader struct {
	mu    sync.Mutex
	turns map[string][]domain.ContextTurn
	calls map[string]int
	err   error
}

func newStubLoader() *stubLoader {
	return &stubLoader{turns: map[string][]domain.ContextTurn{}, calls: map[string]int{}}
}

func (l *stubLoader) LoadContext(_ context.Context, conversationID string, limit int) ([]domain.ContextTurn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[conversationID]++
	if l.err != nil {
		return nil, l.err
	}
	turns := l.turns[conversationID]
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

func turn(i int) domain.ContextTurn {
	return domain.ContextTurn{
		DeliveryID: fmt.Sprintf("SM%d", i),
		Input:      fmt.Sprintf("q%d", i),
		Response:   fmt.Sprintf("a%d", i),
	}
}

func TestNew_RequiresLoader(t *testing.T) {
	_, err := New(nil, 5, 10, nil)
	require.Error(t, err)
}

func TestGet_EmptyConversation(t *testing.T) {
	s, err := New(newStubLoader(), 5, 10, nil)
	require.NoError(t, err)

	msgs, err := s.Get(context.Background(), "conv-1", 5)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestGet_AlternatesRolesOldestFirst(t *testing.T) {
	s, _ := New(newStubLoader(), 5, 10, nil)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "conv-1", turn(1)))
	require.NoError(t, s.Append(ctx, "conv-1", turn(2)))

	msgs, err := s.Get(ctx, "conv-1", 5)
	require.NoError(t, err)
	require.Equal(t, []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "q1"},
		{Role: domain.RoleAssistant, Content: "a1"},
		{Role: domain.RoleUser, Content: "q2"},
		{Role: domain.RoleAssistant, Content: "a2"},
	}, msgs)
}

func TestAppend_EvictsOldestBeyondCapacity(t *testing.T) {
	s, _ := New(newStubLoader(), 3, 10, nil)
	ctx := context.Background()
	for i := 1; i <= 7; i++ {
		require.NoError(t, s.Append(ctx, "conv-1", turn(i)))

		msgs, err := s.Get(ctx, "conv-1", 3)
		require.NoError(t, err)
		require.LessOrEqual(t, len(msgs), 6)
		require.Equal(t, fmt.Sprintf("q%d", i), msgs[len(msgs)-2].Content)
	}

	msgs, _ := s.Get(ctx, "conv-1", 10)
	require.Len(t, msgs, 6)
	require.Equal(t, "q5", msgs[0].Content)
	require.Equal(t, "a7", msgs[5].Content)
}

func TestGet_MaxTurnsSmallerThanWindow(t *testing.T) {
	s, _ := New(newStubLoader(), 5, 10, nil)
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		require.NoError(t, s.Append(ctx, "conv-1", turn(i)))
	}

	msgs, err := s.Get(ctx, "conv-1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	require.Equal(t, "q3", msgs[0].Content)

	msgs, err = s.Get(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestGet_ReturnsCopy(t *testing.T) {
	s, _ := New(newStubLoader(), 5, 10, nil)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "conv-1", turn(1)))

	msgs, _ := s.Get(ctx, "conv-1", 5)
	msgs[0].Content = "tampered"

	again, _ := s.Get(ctx, "conv-1", 5)
	require.Equal(t, "q1", again[0].Content)
}

func TestAppend_IsIdempotentPerDelivery(t *testing.T) {
	s, _ := New(newStubLoader(), 5, 10, nil)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "conv-1", turn(1)))
	require.NoError(t, s.Append(ctx, "conv-1", turn(1)))

	msgs, _ := s.Get(ctx, "conv-1", 5)
	require.Len(t, msgs, 2)
}

func TestAppend_RejectsIncompleteTurn(t *testing.T) {
	s, _ := New(newStubLoader(), 5, 10, nil)
	err := s.Append(context.Background(), "conv-1", domain.ContextTurn{Input: "q"})
	require.Error(t, err)
	require.Error(t, s.Append(context.Background(), "", turn(1)))
}

func (l *stubLoader) set(conversationID string, turns ...domain.ContextTurn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns[conversationID] = turns
}

func (l *stubLoader) count(conversationID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[conversationID]
}

func TestGet_ReloadsFromLoaderEveryRead(t *testing.T) {
	loader := newStubLoader()
	loader.set("conv-1", turn(1), turn(2), turn(3))
	s, _ := New(loader, 2, 10, nil)
	ctx := context.Background()

	msgs, err := s.Get(ctx, "conv-1", 5)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	require.Equal(t, "q2", msgs[0].Content)

	// The persisted copy of an appended turn is not duplicated.
	require.NoError(t, s.Append(ctx, "conv-1", turn(3)))
	msgs, _ = s.Get(ctx, "conv-1", 5)
	require.Len(t, msgs, 4)

	loader.set("conv-1", turn(1), turn(2), turn(3), turn(4))
	msgs, _ = s.Get(ctx, "conv-1", 5)
	require.Equal(t, "q3", msgs[0].Content)
	require.Equal(t, "a4", msgs[3].Content)
	require.Equal(t, 3, loader.count("conv-1"))
}

func TestGet_SeesTurnsCompletedByAnotherStore(t *testing.T) {
	loader := newStubLoader()
	a, _ := New(loader, 5, 10, nil)
	b, _ := New(loader, 5, 10, nil)
	ctx := context.Background()

	_, err := a.Get(ctx, "conv-1", 5)
	require.NoError(t, err)
	_, err = b.Get(ctx, "conv-1", 5)
	require.NoError(t, err)

	// b completes a turn: it is persisted, then appended to b's window.
	loader.set("conv-1", turn(1))
	require.NoError(t, b.Append(ctx, "conv-1", turn(1)))

	msgs, err := a.Get(ctx, "conv-1", 5)
	require.NoError(t, err)
	require.Equal(t, []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "q1"},
		{Role: domain.RoleAssistant, Content: "a1"},
	}, msgs)

	// And the other way around.
	loader.set("conv-1", turn(1), turn(2))
	require.NoError(t, a.Append(ctx, "conv-1", turn(2)))
	msgs, err = b.Get(ctx, "conv-1", 5)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	require.Equal(t, "q2", msgs[2].Content)
}

func TestGet_AppendedTurnSurvivesLaggingLoader(t *testing.T) {
	loader := newStubLoader()
	loader.set("conv-1", turn(1))
	s, _ := New(loader, 5, 10, nil)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "conv-1", turn(2)))
	msgs, err := s.Get(ctx, "conv-1", 5)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	require.Equal(t, "q2", msgs[2].Content)

	loader.set("conv-1", turn(1), turn(2))
	msgs, err = s.Get(ctx, "conv-1", 5)
	require.NoError(t, err)
	require.Len(t, msgs, 4, "the persisted copy replaces the appended one")
}

func TestGet_ServesCachedWindowWhenReloadFails(t *testing.T) {
	loader := newStubLoader()
	loader.set("conv-1", turn(1))
	s, _ := New(loader, 5, 10, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := s.Get(ctx, "conv-1", 5)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, "conv-1", turn(2)))

	loader.mu.Lock()
	loader.err = errors.New("dynamodb down")
	loader.mu.Unlock()

	msgs, err := s.Get(ctx, "conv-1", 5)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	require.Equal(t, "a2", msgs[3].Content)
}

func TestGet_LoaderErrorIsRetriedNextTime(t *testing.T) {
	loader := newStubLoader()
	loader.err = errors.New("dynamodb down")
	s, _ := New(loader, 5, 10, nil)

	_, err := s.Get(context.Background(), "conv-1", 5)
	require.Error(t, err)
	require.Contains(t, err.Error(), "dynamodb down")

	loader.mu.Lock()
	loader.err = nil
	loader.turns["conv-1"] = []domain.ContextTurn{turn(1)}
	loader.mu.Unlock()

	msgs, err := s.Get(context.Background(), "conv-1", 5)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestLRU_EvictsLeastRecentlyUsedConversation(t *testing.T) {
	loader := newStubLoader()
	s, _ := New(loader, 5, 2, nil)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "a", turn(1)))
	require.NoError(t, s.Append(ctx, "b", turn(2)))
	_, _ = s.Get(ctx, "a", 5)
	require.NoError(t, s.Append(ctx, "c", turn(3)))
	require.Equal(t, 2, s.Len())

	// "b" was evicted and is rebuilt from persistence on the next read.
	loader.set("b", turn(2))
	msgs, err := s.Get(ctx, "b", 5)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, 1, loader.count("b"))
	require.Equal(t, 1, loader.count("a"))
	require.Equal(t, 2, s.Len())
}

func TestConcurrentAppendsNeverExceedCapacity(t *testing.T) {
	s, _ := New(newStubLoader(), 4, 10, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = s.Append(ctx, "conv-1", turn(i))
		}(i)
		go func() {
			defer wg.Done()
			msgs, err := s.Get(ctx, "conv-1", 4)
			if err == nil && len(msgs) > 8 {
				t.Errorf("window too large: %d", len(msgs))
			}
		}()
	}
	wg.Wait()

	msgs, _ := s.Get(ctx, "conv-1", 10)
	require.Len(t, msgs, 8)
	for i := 0; i < len(msgs); i += 2 {
		require.Equal(t, domain.RoleUser, msgs[i].Role)
		require.Equal(t, domain.RoleAssistant, msgs[i+1].Role)
	}
}
