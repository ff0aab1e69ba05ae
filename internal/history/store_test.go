package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/InternLM/HuixiangDou-sub000/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(1000, 0)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, "group-1", types.Message{
			Role:      types.RoleUser,
			Sender:    "alice",
			Content:   fmt.Sprintf("消息%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.Append(ctx, "group-1", types.Message{
		Role:      types.RoleAssistant,
		Content:   "答复",
		CreatedAt: base.Add(5 * time.Minute),
	}))
	require.NoError(t, s.Append(ctx, "group-2", types.Message{
		Role: "user", Sender: "bob", Content: "别的群", CreatedAt: base,
	}))

	recent, err := s.Recent(ctx, "group-1", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	// 时间升序，且只有最近 3 条；角色经落库往返仍是类型化的 Role
	assert.Equal(t, "消息3", recent[0].Content)
	assert.Equal(t, types.RoleUser, recent[0].Role)
	assert.Equal(t, "答复", recent[2].Content)
	assert.Equal(t, types.RoleAssistant, recent[2].Role)

	// 群隔离
	other, err := s.Recent(ctx, "group-2", 10)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "别的群", other[0].Content)
}

func TestRecentEmptyGroup(t *testing.T) {
	s := newTestStore(t)
	recent, err := s.Recent(context.Background(), "nobody", 5)
	require.NoError(t, err)
	assert.Empty(t, recent)

	recent, err = s.Recent(context.Background(), "nobody", 0)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(2000, 0)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Append(ctx, "g", types.Message{
			Role:      "user",
			Content:   fmt.Sprintf("m%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	removed, err := s.Prune(ctx, "g", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(6), removed)

	recent, err := s.Recent(ctx, "g", 10)
	require.NoError(t, err)
	require.Len(t, recent, 4)
	assert.Equal(t, "m6", recent[0].Content)
	assert.Equal(t, "m9", recent[3].Content)
}
