package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

func newRedisBlacklist(t *testing.T) (*RedisBlacklist, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBlacklist(client, "test"), mr
}

func TestRedisBlacklistAppendKeepsFirstEntry(t *testing.T) {
	bl, mr := newRedisBlacklist(t)
	ctx := context.Background()

	first := model.BlacklistEntry{Phone: "+254712345678", Reason: model.BlacklistUserRequest, Source: model.SourceSelfOptOut, CreatedAt: time.Unix(100, 0).UTC()}
	second := model.BlacklistEntry{Phone: "+254712345678", Reason: model.BlacklistAdmin, Source: model.SourceAdministrative}
	require.NoError(t, bl.Append(ctx, first))
	require.NoError(t, bl.Append(ctx, second))

	ok, err := mr.SIsMember("test:blacklist", "+254712345678")
	require.NoError(t, err)
	assert.True(t, ok)

	entries, err := bl.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.BlacklistUserRequest, entries[0].Reason)
}

func TestRedisBlacklistSnapshotAndRemove(t *testing.T) {
	bl, _ := newRedisBlacklist(t)
	ctx := context.Background()

	for _, p := range []string{"+254700000001", "+254700000002"} {
		require.NoError(t, bl.Append(ctx, model.BlacklistEntry{Phone: p, Reason: model.BlacklistAdmin, Source: model.SourceAdministrative}))
	}

	set, err := bl.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, set, 2)

	removed, err := bl.Remove(ctx, "+254700000001")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = bl.Remove(ctx, "+254700000001")
	require.NoError(t, err)
	assert.False(t, removed)

	// an earlier snapshot is unaffected
	assert.True(t, set.Contains("+254700000001"))

	set, err = bl.Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, set.Contains("+254700000001"))
	assert.True(t, set.Contains("+254700000002"))
}
