package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anatoly-dev/lobby-sync/pkg/metrics"
	"github.com/anatoly-dev/lobby-sync/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Loader performs the network fetch for one filter.
type Loader func(ctx context.Context, filter models.CatalogFilter) (*models.GamePage, error)

// Result is the outcome of a coordinated request. A Stale result carries no page: a newer
// generation for the same fingerprint superseded it, and it was not applied anywhere.
type Result struct {
	Fingerprint string
	Filter      models.CatalogFilter
	Generation  uint64
	Page        *models.GamePage
	Stale       bool
	Shared      bool
}

type outcome struct {
	page  *models.GamePage
	stale bool
}

// Coordinator keeps at most one in-flight load per fingerprint and generation, and commits a
// response to the cache only while its generation is still current for that fingerprint.
// It never retries and never cancels a load at the transport level.
type Coordinator struct {
	mu          sync.Mutex
	group       singleflight.Group
	generations map[string]uint64
	epoch       uint64

	cache   *Cache
	ttl     time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	tracer  trace.Tracer
	logger  *zap.Logger
	metrics *metrics.CatalogMetrics
}

func NewCoordinator(cache *Cache, ttl time.Duration, logger *zap.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		generations: make(map[string]uint64),
		cache:       cache,
		ttl:         ttl,
		ctx:         ctx,
		cancel:      cancel,
		tracer:      otel.Tracer("github.com/anatoly-dev/lobby-sync/pkg/catalog"),
		logger:      logger,
	}
}

func (c *Coordinator) SetMetrics(metrics *metrics.CatalogMetrics) {
	c.metrics = metrics
}

// Request joins the in-flight load for filter's fingerprint, or starts one.
// ctx bounds only how long the caller waits; the shared load keeps running.
func (c *Coordinator) Request(ctx context.Context, filter models.CatalogFilter, loader Loader) (*Result, error) {
	return c.do(ctx, filter, loader, false)
}

// Refresh starts a new generation for filter's fingerprint even if a load is in flight.
// The older load keeps running but its response is discarded as stale.
func (c *Coordinator) Refresh(ctx context.Context, filter models.CatalogFilter, loader Loader) (*Result, error) {
	return c.do(ctx, filter, loader, true)
}

// Reset makes every pending generation stale. Used as the logout boundary.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.generations = make(map[string]uint64)
}

// Generation returns the current generation for a fingerprint, 0 if none was issued.
func (c *Coordinator) Generation(fp string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[fp]
}

// Close stops waiting loads from being started with a live context.
func (c *Coordinator) Close() {
	c.cancel()
}

func (c *Coordinator) do(ctx context.Context, filter models.CatalogFilter, loader Loader, force bool) (*Result, error) {
	fp := c.cache.Fingerprint(filter)

	c.mu.Lock()
	if force || c.generations[fp] == 0 {
		c.generations[fp]++
	}
	gen := c.generations[fp]
	epoch := c.epoch
	c.mu.Unlock()

	key := fmt.Sprintf("%s#%d#%d", fp, epoch, gen)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.load(fp, epoch, gen, filter, loader)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared && c.metrics != nil {
			c.metrics.SharedRequests.Inc()
		}
		if res.Err != nil {
			return nil, AsFetchError(fp, res.Err)
		}
		out := res.Val.(*outcome)
		return &Result{
			Fingerprint: fp,
			Filter:      filter,
			Generation:  gen,
			Page:        out.page,
			Stale:       out.stale,
			Shared:      res.Shared,
		}, nil
	}
}

func (c *Coordinator) load(fp string, epoch, gen uint64, filter models.CatalogFilter, loader Loader) (*outcome, error) {
	ctx, span := c.tracer.Start(c.ctx, "catalog.load", trace.WithAttributes(
		attribute.String("catalog.fingerprint", fp),
		attribute.Int64("catalog.generation", int64(gen)),
	))
	defer span.End()

	start := time.Now()
	page, err := loader(ctx, filter)
	if c.metrics != nil {
		c.metrics.FetchDuration.Observe(time.Since(start).Seconds())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch != epoch || c.generations[fp] != gen {
		if c.metrics != nil {
			c.metrics.Fetches.WithLabelValues("stale").Inc()
			c.metrics.StaleDiscards.Inc()
		}
		span.SetAttributes(attribute.Bool("catalog.stale", true))
		c.logger.Debug("Discarding stale catalog response",
			zap.String("fingerprint", fp),
			zap.Uint64("generation", gen),
			zap.Uint64("current", c.generations[fp]))
		return &outcome{stale: true}, nil
	}

	if err != nil {
		if c.metrics != nil {
			c.metrics.Fetches.WithLabelValues("error").Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if page == nil {
		page = &models.GamePage{Games: []models.Game{}}
	}
	c.cache.Put(filter, page, c.ttl)

	if c.metrics != nil {
		c.metrics.Fetches.WithLabelValues("ok").Inc()
	}
	return &outcome{page: page}, nil
}
