// Package memtable is an in-memory, already-materialized columnar table:
// the backing store for a lazycache once it has drained its upstream.
package memtable

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"mongosql/internal/engine"
)

// Table is an engine.TableProvider over a fixed set of already-built Arrow
// records, held as a single partition. Scan re-batches and re-projects on
// demand; the source records are never re-read or mutated.
type Table struct {
	mem     memory.Allocator
	schema  *arrow.Schema
	records []arrow.Record
}

// New retains each of records for the Table's own use; the caller still owns
// and releases its references. The Table never releases the references it
// takes.
func New(mem memory.Allocator, schema *arrow.Schema, records []arrow.Record) *Table {
	for _, r := range records {
		r.Retain()
	}
	return &Table{mem: mem, schema: schema, records: records}
}

func (t *Table) Schema() *arrow.Schema { return t.schema }

// NumRows sums the row count across all backing records.
func (t *Table) NumRows() int64 {
	var n int64
	for _, r := range t.records {
		n += r.NumRows()
	}
	return n
}

func (t *Table) Statistics() engine.Statistics {
	n := t.NumRows()
	return engine.Statistics{NumRows: &n}
}

// Scan builds a plan that projects and re-batches the backing records.
// Filters are accepted but ignored: memtable applies no predicate pushdown.
func (t *Table) Scan(ctx context.Context, projection []int, batchSize int, filters []engine.Filter) (engine.ExecutionPlan, error) {
	if projection == nil {
		projection = make([]int, len(t.schema.Fields()))
		for i := range projection {
			projection[i] = i
		}
	}
	fields := t.schema.Fields()
	projFields := make([]arrow.Field, len(projection))
	for i, idx := range projection {
		if idx < 0 || idx >= len(fields) {
			return nil, fmt.Errorf("memtable: projection index %d out of range [0,%d)", idx, len(fields))
		}
		projFields[i] = fields[idx]
	}
	md := t.schema.Metadata()
	projSchema := arrow.NewSchema(projFields, &md)

	if batchSize <= 0 {
		batchSize = 1024
	}

	return &Plan{
		mem:        t.mem,
		source:     t.records,
		projection: projection,
		schema:     projSchema,
		batchSize:  batchSize,
	}, nil
}

// Plan is memtable's ExecutionPlan: a single partition re-batching the
// table's records to the requested projection and batch size.
type Plan struct {
	mem        memory.Allocator
	source     []arrow.Record
	projection []int
	schema     *arrow.Schema
	batchSize  int
}

func (p *Plan) Schema() *arrow.Schema { return p.schema }

func (p *Plan) OutputPartitioning() engine.Partitioning { return engine.UnknownPartitioning(1) }

func (p *Plan) Children() []engine.ExecutionPlan { return nil }

func (p *Plan) WithNewChildren(children []engine.ExecutionPlan) (engine.ExecutionPlan, error) {
	if len(children) != 0 {
		return nil, fmt.Errorf("memtable: Plan is a leaf, got %d children", len(children))
	}
	return p, nil
}

// Execute concatenates the projected columns across every source record and
// re-slices the result into batchSize-row chunks, so the output batching is
// independent of how the source records happened to be chunked.
func (p *Plan) Execute(ctx context.Context, partition int) (arrow.RecordReader, error) {
	if partition != 0 {
		return nil, fmt.Errorf("memtable: partition %d out of range [0,1)", partition)
	}

	if len(p.source) == 0 {
		return newSliceReader(p.schema, nil), nil
	}

	concatenated := make([]arrow.Array, len(p.projection))
	for outIdx, srcIdx := range p.projection {
		parts := make([]arrow.Array, len(p.source))
		for i, rec := range p.source {
			parts[i] = rec.Column(srcIdx)
		}
		arr, err := array.Concatenate(parts, p.mem)
		if err != nil {
			for _, c := range concatenated[:outIdx] {
				c.Release()
			}
			return nil, fmt.Errorf("memtable: concatenate column %d: %w", srcIdx, err)
		}
		concatenated[outIdx] = arr
	}
	defer func() {
		for _, c := range concatenated {
			c.Release()
		}
	}()

	total := int64(0)
	if len(concatenated) > 0 {
		total = int64(concatenated[0].Len())
	}

	var batches []arrow.Record
	for start := int64(0); start < total || (total == 0 && start == 0); start += int64(p.batchSize) {
		if total == 0 {
			break
		}
		end := start + int64(p.batchSize)
		if end > total {
			end = total
		}
		cols := make([]arrow.Array, len(concatenated))
		for i, arr := range concatenated {
			cols[i] = array.NewSlice(arr, start, end)
		}
		rec := array.NewRecord(p.schema, cols, end-start)
		for _, c := range cols {
			c.Release()
		}
		batches = append(batches, rec)
	}

	return newSliceReader(p.schema, batches), nil
}

// sliceReader is an arrow.RecordReader over a precomputed, already-batched
// slice of records.
type sliceReader struct {
	refs    int64
	schema  *arrow.Schema
	batches []arrow.Record
	idx     int
	cur     arrow.Record
}

func newSliceReader(schema *arrow.Schema, batches []arrow.Record) *sliceReader {
	s := &sliceReader{schema: schema, batches: batches}
	s.Retain()
	return s
}

func (s *sliceReader) Retain() { atomic.AddInt64(&s.refs, 1) }

func (s *sliceReader) Release() {
	if atomic.AddInt64(&s.refs, -1) != 0 {
		return
	}
	if s.cur != nil {
		s.cur.Release()
	}
	for _, b := range s.batches[s.idx:] {
		b.Release()
	}
}

func (s *sliceReader) Schema() *arrow.Schema { return s.schema }
func (s *sliceReader) Err() error            { return nil }

func (s *sliceReader) Next() bool {
	if s.cur != nil {
		s.cur.Release()
		s.cur = nil
	}
	if s.idx >= len(s.batches) {
		return false
	}
	s.cur = s.batches[s.idx]
	s.idx++
	return true
}

func (s *sliceReader) Record() arrow.Record { return s.cur }
