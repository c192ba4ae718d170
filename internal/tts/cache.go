package tts

import (
	"context"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cachedProvider remembers successful syntheses so repeated chunk text (scene breaks, refrains)
// is only paid for once per run.
type cachedProvider struct {
	Provider
	cache *lru.Cache[string, Audio]
}

// Cached wraps p with an LRU of the given size. A non-positive size returns p unchanged.
func Cached(p Provider, size int) Provider {
	if size <= 0 {
		return p
	}
	cache, err := lru.New[string, Audio](size)
	if err != nil {
		return p
	}
	return &cachedProvider{Provider: p, cache: cache}
}

func cacheKey(text string, v VoiceConfig) string {
	return strings.Join([]string{
		v.Name, v.Model, strconv.FormatFloat(v.Speed, 'f', -1, 64), v.Language, v.Format, v.Instructions, text,
	}, "\x00")
}

func (c *cachedProvider) Synthesize(ctx context.Context, text string, voice VoiceConfig) (Audio, error) {
	key := cacheKey(text, voice)
	if audio, ok := c.cache.Get(key); ok {
		return audio, nil
	}
	audio, err := c.Provider.Synthesize(ctx, text, voice)
	if err != nil {
		return Audio{}, err
	}
	c.cache.Add(key, audio)
	return audio, nil
}
