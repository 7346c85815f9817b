// Package lazycache wraps a TableProvider so its upstream is scanned at
// most conceptually once: the first execution against it drains the whole
// upstream into an in-memory table and atomically swaps the cache over to
// serving scans from that table from then on.
package lazycache

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sync/errgroup"

	"mongosql/internal/engine"
	"mongosql/internal/memtable"
)

// DrainBatchSize bounds the batch size used for the internal scan that
// collects the upstream's rows when transitioning from Lazy to Loaded.
const DrainBatchSize = 8192

type stateKind int

const (
	stateLazy stateKind = iota
	stateLoaded
)

// cacheState is the value an atomic.Pointer swaps between: either still
// backed by the original upstream, or already materialized into a
// memtable.Table.
type cacheState struct {
	kind     stateKind
	upstream engine.TableProvider
	loaded   *memtable.Table
}

// Cache is an engine.TableProvider that starts Lazy over some upstream
// provider and transitions to Loaded the first time it is executed.
type Cache struct {
	mem    memory.Allocator
	schema *arrow.Schema
	state  atomic.Pointer[cacheState]
}

// New wraps upstream in a Cache, initially Lazy.
func New(mem memory.Allocator, upstream engine.TableProvider) *Cache {
	c := &Cache{mem: mem, schema: upstream.Schema()}
	c.state.Store(&cacheState{kind: stateLazy, upstream: upstream})
	return c
}

func (c *Cache) Schema() *arrow.Schema { return c.schema }

func (c *Cache) Statistics() engine.Statistics {
	st := c.state.Load()
	if st.kind == stateLoaded {
		return st.loaded.Statistics()
	}
	return st.upstream.Statistics()
}

// Scan dispatches on the current state. If Loaded, it delegates straight to
// the backing memtable. If Lazy, it returns a LazyPlan that will perform the
// drain-and-swap the first time it is executed.
func (c *Cache) Scan(ctx context.Context, projection []int, batchSize int, filters []engine.Filter) (engine.ExecutionPlan, error) {
	st := c.state.Load()
	if st.kind == stateLoaded {
		return st.loaded.Scan(ctx, projection, batchSize, filters)
	}

	projSchema, err := projectSchema(c.schema, projection)
	if err != nil {
		return nil, err
	}

	return &LazyPlan{
		cache:      c,
		projection: projection,
		batchSize:  batchSize,
		filters:    filters,
		schema:     projSchema,
	}, nil
}

// LazyPlan is the ExecutionPlan returned while the cache is still Lazy. Its
// Execute method performs the one-time drain of the upstream and swaps the
// cache to Loaded before recursively executing against the new state.
type LazyPlan struct {
	cache      *Cache
	projection []int
	batchSize  int
	filters    []engine.Filter
	schema     *arrow.Schema
}

func (p *LazyPlan) Schema() *arrow.Schema { return p.schema }

func (p *LazyPlan) OutputPartitioning() engine.Partitioning { return engine.UnknownPartitioning(1) }

func (p *LazyPlan) Children() []engine.ExecutionPlan { return nil }

func (p *LazyPlan) WithNewChildren(children []engine.ExecutionPlan) (engine.ExecutionPlan, error) {
	if len(children) != 0 {
		return nil, fmt.Errorf("lazycache: LazyPlan is a leaf, got %d children", len(children))
	}
	return p, nil
}

// Execute drains the cache's upstream in full (ignoring this call's
// projection/batchSize/filters, which apply only to this call's own
// output), builds a memtable.Table from the result, stores it as the
// cache's new state, then re-dispatches through Cache.Scan so the returned
// reader is served from the now-Loaded state.
//
// Two callers racing here may both drain the upstream; that duplicated
// work is wasted but not incorrect; both land on an equivalent Loaded
// state, and whichever store lands last is the one later scans observe.
func (p *LazyPlan) Execute(ctx context.Context, partition int) (arrow.RecordReader, error) {
	if partition != 0 {
		return nil, fmt.Errorf("lazycache: partition %d out of range [0,1)", partition)
	}

	st := p.cache.state.Load()
	if st.kind == stateLazy {
		if err := p.cache.drain(ctx, st.upstream); err != nil {
			return nil, err
		}
	}

	plan, err := p.cache.Scan(ctx, p.projection, p.batchSize, p.filters)
	if err != nil {
		return nil, err
	}
	return plan.Execute(ctx, partition)
}

// drain fully collects upstream's output across every one of its
// partitions, concurrently, and swaps cache's state to Loaded.
func (c *Cache) drain(ctx context.Context, upstream engine.TableProvider) error {
	upstreamPlan, err := upstream.Scan(ctx, nil, DrainBatchSize, nil)
	if err != nil {
		return fmt.Errorf("lazycache: drain scan: %w", err)
	}

	n := upstreamPlan.OutputPartitioning().PartitionCount()
	if n < 1 {
		n = 1
	}

	collected := make([][]arrow.Record, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			reader, err := upstreamPlan.Execute(gctx, i)
			if err != nil {
				return fmt.Errorf("lazycache: drain partition %d: %w", i, err)
			}
			defer reader.Release()

			var recs []arrow.Record
			for reader.Next() {
				rec := reader.Record()
				rec.Retain()
				recs = append(recs, rec)
			}
			if err := reader.Err(); err != nil {
				for _, r := range recs {
					r.Release()
				}
				return fmt.Errorf("lazycache: drain partition %d: %w", i, err)
			}
			collected[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var all []arrow.Record
	for _, part := range collected {
		all = append(all, part...)
	}
	for _, r := range all {
		defer r.Release()
	}

	loaded := memtable.New(c.mem, c.schema, all)
	c.state.Store(&cacheState{kind: stateLoaded, loaded: loaded})
	return nil
}

// projectSchema applies projection (nil meaning identity) to schema,
// mirroring the projection semantics memtable.Table.Scan uses.
func projectSchema(schema *arrow.Schema, projection []int) (*arrow.Schema, error) {
	fields := schema.Fields()
	if projection == nil {
		projection = make([]int, len(fields))
		for i := range projection {
			projection[i] = i
		}
	}
	out := make([]arrow.Field, len(projection))
	for i, idx := range projection {
		if idx < 0 || idx >= len(fields) {
			return nil, fmt.Errorf("lazycache: projection index %d out of range [0,%d)", idx, len(fields))
		}
		out[i] = fields[idx]
	}
	md := schema.Metadata()
	return arrow.NewSchema(out, &md), nil
}
