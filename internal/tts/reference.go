package tts

import (
	"context"
	"encoding/binary"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/example/fishspeech-server/internal/metrics"
	"github.com/example/fishspeech-server/internal/tokens"
)

// Reference is an ad-hoc speaker sample sent with a synthesis request.
type Reference struct {
	Audio []byte `json:"audio" msgpack:"audio"`
	Text  string `json:"text" msgpack:"text"`
}

// referenceCache holds conditioning prompts for recently seen references so
// repeated uploads of the same clip skip the codec.
type referenceCache struct {
	items *ttlcache.Cache[uint64, tokens.Matrix]
	group singleflight.Group
}

func newReferenceCache(ttl time.Duration, capacity int) *referenceCache {
	opts := []ttlcache.Option[uint64, tokens.Matrix]{
		ttlcache.WithTTL[uint64, tokens.Matrix](ttl),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[uint64, tokens.Matrix](uint64(capacity)))
	}
	return &referenceCache{items: ttlcache.New(opts...)}
}

// get returns the cached prompt for ref or builds it with build. Concurrent
// misses for the same reference share one build.
func (c *referenceCache) get(ctx context.Context, ref Reference, build func(context.Context, Reference) (tokens.Matrix, error)) (tokens.Matrix, error) {
	key := referenceKey(ref)
	if item := c.items.Get(key); item != nil {
		metrics.RecordCacheHit("reference")
		return item.Value(), nil
	}
	metrics.RecordCacheMiss("reference")

	v, err, _ := c.group.Do(strconv.FormatUint(key, 16), func() (any, error) {
		p, err := build(ctx, ref)
		if err != nil {
			return nil, err
		}
		c.items.Set(key, p, ttlcache.DefaultTTL)
		return p, nil
	})
	if err != nil {
		return tokens.Matrix{}, err
	}
	return v.(tokens.Matrix), nil
}

func (c *referenceCache) len() int { return c.items.Len() }

func referenceKey(ref Reference) uint64 {
	d := xxhash.New()
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(ref.Text)))
	_, _ = d.Write(n[:])
	_, _ = d.WriteString(ref.Text)
	_, _ = d.Write(ref.Audio)
	return d.Sum64()
}
