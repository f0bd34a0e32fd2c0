// Package models exposes the vendor model list with feature suffixes and
// resolves a requested model id into the backend call settings it implies.
package models

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/qwen-gateway/internal/credentials"
	"github.com/nulpointcorp/qwen-gateway/internal/metrics"
)

const (
	DefaultTTL   = time.Hour
	DefaultModel = "qwen-max-latest"

	// fallbackTTL keeps a failed fetch from being retried on every request.
	fallbackTTL = time.Minute

	baseKey = "base"
)

// DefaultFallback is served when the backend list cannot be fetched.
var DefaultFallback = []string{"qwen-max-latest", "qwen-plus-latest", "qwen-turbo-latest", "qwq-32b"}

// Model is one entry of the OpenAI model list.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// Lister fetches the vendor's base model ids. *backend.Client implements it.
type Lister interface {
	Models(ctx context.Context, cred credentials.Credential) ([]string, error)
}

// CredentialSource hands out a credential for the list call.
type CredentialSource interface {
	Acquire() (credentials.Credential, error)
}

type Options struct {
	TTL          time.Duration
	Fallback     []string
	DefaultModel string
	ImageSize    string
	VideoSize    string

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Catalog caches the base model list. Safe for concurrent use.
type Catalog struct {
	lister Lister
	creds  CredentialSource
	cache  *gocache.Cache
	group  singleflight.Group
	opts   Options
	log    *slog.Logger
}

func NewCatalog(lister Lister, creds CredentialSource, opts Options) *Catalog {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if len(opts.Fallback) == 0 {
		opts.Fallback = DefaultFallback
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = DefaultModel
	}
	if opts.ImageSize == "" {
		opts.ImageSize = DefaultImageSize
	}
	if opts.VideoSize == "" {
		opts.VideoSize = DefaultVideoSize
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Catalog{
		lister: lister,
		creds:  creds,
		cache:  gocache.New(opts.TTL, 2*opts.TTL),
		opts:   opts,
		log:    log,
	}
}

// Base returns the vendor's base model ids, fetching them when the cached
// copy has expired. A failed fetch yields the fallback list.
func (c *Catalog) Base(ctx context.Context) []string {
	if v, ok := c.cache.Get(baseKey); ok {
		return v.([]string)
	}
	v, _, _ := c.group.Do(baseKey, func() (any, error) {
		if v, ok := c.cache.Get(baseKey); ok {
			return v, nil
		}
		return c.fetch(ctx), nil
	})
	return v.([]string)
}

// Refresh drops the cached list and fetches it again.
func (c *Catalog) Refresh(ctx context.Context) []string {
	c.cache.Delete(baseKey)
	return c.Base(ctx)
}

// Probe fetches the list without touching the cache. Health checks use it.
func (c *Catalog) Probe(ctx context.Context) error {
	cred, err := c.creds.Acquire()
	if err != nil {
		return err
	}
	_, err = c.lister.Models(ctx, cred)
	return err
}

// List returns every base model expanded with each feature suffix.
func (c *Catalog) List(ctx context.Context) []Model {
	base := c.Base(ctx)
	out := make([]Model, 0, len(base)*len(Suffixes))
	for _, id := range base {
		for _, s := range Suffixes {
			out = append(out, Model{ID: id + s, Object: "model", OwnedBy: "qwen"})
		}
	}
	return out
}

// Resolve maps a requested model id to its backend settings. A base model
// the vendor does not list is replaced by the default model.
func (c *Catalog) Resolve(ctx context.Context, model string) Config {
	cfg := resolve(model, c.opts.ImageSize, c.opts.VideoSize)
	if cfg.Model == "" || !slices.Contains(c.Base(ctx), cfg.Model) {
		c.log.WarnContext(ctx, "model_unknown",
			slog.String("model", model),
			slog.String("fallback", c.opts.DefaultModel),
		)
		cfg.Model = c.opts.DefaultModel
	}
	return cfg
}

func (c *Catalog) fetch(ctx context.Context) []string {
	ids, err := c.fetchIDs(ctx)
	if err != nil || len(ids) == 0 {
		msg := "empty model list"
		if err != nil {
			msg = err.Error()
		}
		c.log.WarnContext(ctx, "models_fetch_failed", slog.String("error", msg))
		if c.opts.Metrics != nil {
			c.opts.Metrics.RecordError("models", "fetch")
		}
		fb := slices.Clone(c.opts.Fallback)
		c.cache.Set(baseKey, fb, fallbackTTL)
		return fb
	}
	c.log.InfoContext(ctx, "models_fetched", slog.Int("count", len(ids)))
	c.cache.Set(baseKey, ids, gocache.DefaultExpiration)
	return ids
}

func (c *Catalog) fetchIDs(ctx context.Context) ([]string, error) {
	cred, err := c.creds.Acquire()
	if err != nil {
		return nil, err
	}
	ids, err := c.lister.Models(ctx, cred)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}
