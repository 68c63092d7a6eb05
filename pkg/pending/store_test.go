package pending

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/glitchcube/pkg/tools"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	ret := map[string]Store{
		"memory": NewMemoryStore(),
	}

	s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "pending.db"))
	require.NoError(t, err)
	ret["sqlite"] = s

	if addr := os.Getenv("GLITCHCUBE_TEST_REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		ret["redis"] = NewRedisStore(rdb, WithRedisPrefix("glitchcube-test:"+uuid.NewString()+":"))
	}

	t.Cleanup(func() {
		for _, s := range ret {
			_ = s.Close()
		}
	})
	return ret
}

func result(session, tool string) Result {
	return Result{
		SessionID: session,
		Result: tools.ToolResult{
			CallID:         uuid.NewString(),
			Tool:           tool,
			Classification: tools.ClassificationAsync,
			Success:        true,
			Data:           map[string]any{"state": "playing"},
			Duration:       1500 * time.Millisecond,
		},
	}
}

func TestStore_DrainDeliversOnce(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Ping(ctx))

			require.NoError(t, s.Append(ctx, result("a", "play_music")))
			require.NoError(t, s.Append(ctx, result("a", "run_script")))
			require.NoError(t, s.Append(ctx, result("b", "play_music")))

			got, err := s.Drain(ctx, "a")
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "play_music", got[0].Result.Tool)
			assert.Equal(t, "run_script", got[1].Result.Tool)
			assert.True(t, got[0].Result.Success)
			assert.Equal(t, 1500*time.Millisecond, got[0].Result.Duration)
			assert.Less(t, got[0].ID, got[1].ID)

			again, err := s.Drain(ctx, "a")
			require.NoError(t, err)
			assert.Empty(t, again)

			other, err := s.Drain(ctx, "b")
			require.NoError(t, err)
			assert.Len(t, other, 1)

			none, err := s.Drain(ctx, "never-seen")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStore_ConcurrentAppendAndDrain(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const writers, perWriter = 4, 10

			var wg sync.WaitGroup
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < perWriter; i++ {
						r := result("s", fmt.Sprintf("tool_%d_%d", w, i))
						assert.NoError(t, s.Append(ctx, r))
					}
				}(w)
			}

			seen := map[string]int{}
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			drain := func() {
				got, err := s.Drain(ctx, "s")
				require.NoError(t, err)
				for _, r := range got {
					seen[r.Result.CallID]++
				}
			}
		loop:
			for {
				select {
				case <-done:
					break loop
				default:
					drain()
					time.Sleep(time.Millisecond)
				}
			}
			drain()

			assert.Len(t, seen, writers*perWriter)
			for id, n := range seen {
				assert.Equal(t, 1, n, id)
			}
		})
	}
}

func TestStore_Closed(t *testing.T) {
	m := NewMemoryStore()
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Append(context.Background(), result("a", "x")), ErrClosed)
	_, err := m.Drain(context.Background(), "a")
	assert.ErrorIs(t, err, ErrClosed)
}
