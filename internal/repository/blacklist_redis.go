package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// RedisBlacklist keeps numbers in a set for membership and entry details in a hash.
type RedisBlacklist struct {
	Client *goredis.Client
	Prefix string
}

func NewRedisBlacklist(client *goredis.Client, prefix string) *RedisBlacklist {
	return &RedisBlacklist{Client: client, Prefix: prefix}
}

func (r *RedisBlacklist) key(parts ...string) string {
	var sb strings.Builder
	sb.WriteString(r.Prefix)
	for _, p := range parts {
		sb.WriteByte(':')
		sb.WriteString(p)
	}
	return sb.String()
}

func (r *RedisBlacklist) Append(ctx context.Context, e model.BlacklistEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode blacklist entry: %w", err)
	}
	added, err := r.Client.SAdd(ctx, r.key("blacklist"), e.Phone).Result()
	if err != nil {
		return err
	}
	if added == 0 {
		return nil
	}
	return r.Client.HSet(ctx, r.key("blacklist", "entries"), e.Phone, data).Err()
}

func (r *RedisBlacklist) Remove(ctx context.Context, phone string) (bool, error) {
	pipe := r.Client.TxPipeline()
	removed := pipe.SRem(ctx, r.key("blacklist"), phone)
	pipe.HDel(ctx, r.key("blacklist", "entries"), phone)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (r *RedisBlacklist) Snapshot(ctx context.Context) (model.PhoneSet, error) {
	members, err := r.Client.SMembers(ctx, r.key("blacklist")).Result()
	if err != nil {
		return nil, err
	}
	set := make(model.PhoneSet, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	return set, nil
}

func (r *RedisBlacklist) List(ctx context.Context) ([]model.BlacklistEntry, error) {
	raw, err := r.Client.HGetAll(ctx, r.key("blacklist", "entries")).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]model.BlacklistEntry, 0, len(raw))
	for phone, data := range raw {
		var e model.BlacklistEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("decode blacklist entry %s: %w", phone, err)
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(a, b int) bool {
		if !entries[a].CreatedAt.Equal(entries[b].CreatedAt) {
			return entries[a].CreatedAt.Before(entries[b].CreatedAt)
		}
		return entries[a].Phone < entries[b].Phone
	})
	return entries, nil
}

var _ BlacklistStore = (*RedisBlacklist)(nil)
