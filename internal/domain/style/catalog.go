package style

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	cacheKeyPrefix = "style:"
	cacheTTL       = 5 * time.Minute
)

// Catalog resolves style references for generation requests. Browsing
// lookups are cached in Redis when a client is configured; submissions
// always read the repository so a retired style is rejected immediately.
type Catalog struct {
	repo  Repository
	redis *redis.Client // nil if Redis disabled
}

// NewCatalog creates a style catalog
func NewCatalog(repo Repository, redis *redis.Client) *Catalog {
	return &Catalog{repo: repo, redis: redis}
}

// Resolve finds an active style by id or slug, reading through to the
// repository. The cache is refreshed on success and evicted when the style
// is gone or inactive.
func (c *Catalog) Resolve(ctx context.Context, ref string) (*Style, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrStyleNotFound
	}

	s, err := c.load(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrStyleNotFound) {
			c.evict(ctx, ref)
		}
		return nil, err
	}
	if !s.IsActive {
		c.evict(ctx, ref, s.ID.String(), s.Slug)
		return nil, ErrStyleInactive
	}

	c.store(ctx, ref, s)
	return s, nil
}

// Lookup is Resolve for read-only browsing: a cached entry is served as is
// for up to cacheTTL.
func (c *Catalog) Lookup(ctx context.Context, ref string) (*Style, error) {
	if s := c.cached(ctx, strings.TrimSpace(ref)); s != nil && s.IsActive {
		return s, nil
	}
	return c.Resolve(ctx, ref)
}

func (c *Catalog) load(ctx context.Context, ref string) (*Style, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return c.repo.GetByID(ctx, id)
	}
	return c.repo.GetBySlug(ctx, strings.ToLower(ref))
}

// List returns active styles.
func (c *Catalog) List(ctx context.Context, filter ListFilter) ([]Style, error) {
	return c.repo.List(ctx, filter)
}

// Categories returns the categories that have at least one active style.
func (c *Catalog) Categories(ctx context.Context) ([]Category, error) {
	return c.repo.Categories(ctx)
}

// RecordUsage bumps the usage counter. Failures are logged only; usage is a
// popularity hint and never blocks a submission.
func (c *Catalog) RecordUsage(ctx context.Context, id uuid.UUID) {
	if err := c.repo.IncrementUsage(ctx, id); err != nil {
		log.Warn().Err(err).Str("style_id", id.String()).Msg("Failed to record style usage")
	}
}

func (c *Catalog) cached(ctx context.Context, ref string) *Style {
	if c.redis == nil {
		return nil
	}
	raw, err := c.redis.Get(ctx, cacheKeyPrefix+ref).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Debug().Err(err).Str("ref", ref).Msg("Style cache read failed")
		}
		return nil
	}
	var s Style
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return &s
}

func (c *Catalog) store(ctx context.Context, ref string, s *Style) {
	if c.redis == nil {
		return
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, cacheKeyPrefix+ref, raw, cacheTTL).Err(); err != nil {
		log.Debug().Err(err).Str("ref", ref).Msg("Style cache write failed")
	}
}

func (c *Catalog) evict(ctx context.Context, refs ...string) {
	if c.redis == nil {
		return
	}
	keys := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref != "" {
			keys = append(keys, cacheKeyPrefix+ref)
		}
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		log.Debug().Err(err).Strs("refs", refs).Msg("Style cache evict failed")
	}
}
