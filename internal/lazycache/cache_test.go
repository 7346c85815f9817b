package lazycache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mongosql/internal/engine"
	"mongosql/internal/lazycache"
)

var twoColSchema = arrow.NewSchema([]arrow.Field{
	{Name: "a", Type: arrow.PrimitiveTypes.Int32},
	{Name: "b", Type: arrow.PrimitiveTypes.Int32},
}, nil)

// countingProvider emits two fixed batches (2 rows, then 3 rows) over its
// single partition and counts how many times Scan is invoked, so tests can
// assert the upstream is drained at most once across multiple cache scans.
type countingProvider struct {
	mem       memory.Allocator
	scanCalls int32
}

func (p *countingProvider) Schema() *arrow.Schema { return twoColSchema }

func (p *countingProvider) Scan(ctx context.Context, projection []int, batchSize int, filters []engine.Filter) (engine.ExecutionPlan, error) {
	atomic.AddInt32(&p.scanCalls, 1)
	return &countingPlan{mem: p.mem}, nil
}

func (p *countingProvider) Statistics() engine.Statistics { return engine.Statistics{} }

type countingPlan struct {
	mem memory.Allocator
}

func (p *countingPlan) Schema() *arrow.Schema                 { return twoColSchema }
func (p *countingPlan) OutputPartitioning() engine.Partitioning { return engine.UnknownPartitioning(1) }
func (p *countingPlan) Children() []engine.ExecutionPlan        { return nil }
func (p *countingPlan) WithNewChildren(c []engine.ExecutionPlan) (engine.ExecutionPlan, error) {
	return p, nil
}

func (p *countingPlan) Execute(ctx context.Context, partition int) (arrow.RecordReader, error) {
	batches := []arrow.Record{
		makeRecord(p.mem, []int32{1, 2}, []int32{10, 20}),
		makeRecord(p.mem, []int32{3, 4, 5}, []int32{30, 40, 50}),
	}
	return &fixedReader{batches: batches}, nil
}

func makeRecord(mem memory.Allocator, a, b []int32) arrow.Record {
	ab := array.NewInt32Builder(mem)
	ab.AppendValues(a, nil)
	aArr := ab.NewInt32Array()
	ab.Release()

	bb := array.NewInt32Builder(mem)
	bb.AppendValues(b, nil)
	bArr := bb.NewInt32Array()
	bb.Release()

	rec := array.NewRecord(twoColSchema, []arrow.Array{aArr, bArr}, int64(len(a)))
	aArr.Release()
	bArr.Release()
	return rec
}

type fixedReader struct {
	batches []arrow.Record
	idx     int
	cur     arrow.Record
}

func (r *fixedReader) Retain()  {}
func (r *fixedReader) Release() {}
func (r *fixedReader) Schema() *arrow.Schema { return twoColSchema }
func (r *fixedReader) Err() error            { return nil }

func (r *fixedReader) Next() bool {
	if r.idx >= len(r.batches) {
		return false
	}
	r.cur = r.batches[r.idx]
	r.idx++
	return true
}

func (r *fixedReader) Record() arrow.Record { return r.cur }

func TestCache_LazyThenLoaded(t *testing.T) {
	mem := memory.NewGoAllocator()
	up := &countingProvider{mem: mem}
	cache := lazycache.New(mem, up)

	plan1, err := cache.Scan(context.Background(), []int{1, 0}, 10, nil)
	require.NoError(t, err)
	reader1, err := plan1.Execute(context.Background(), 0)
	require.NoError(t, err)

	require.True(t, reader1.Next())
	rec1 := reader1.Record()
	assert.EqualValues(t, 5, rec1.NumRows())
	assert.Equal(t, "b", reader1.Schema().Field(0).Name)
	assert.Equal(t, "a", reader1.Schema().Field(1).Name)
	assert.Equal(t, int32(10), rec1.Column(0).(*array.Int32).Value(0))
	assert.False(t, reader1.Next())
	reader1.Release()

	plan2, err := cache.Scan(context.Background(), []int{0}, 10, nil)
	require.NoError(t, err)
	reader2, err := plan2.Execute(context.Background(), 0)
	require.NoError(t, err)

	require.True(t, reader2.Next())
	rec2 := reader2.Record()
	assert.EqualValues(t, 5, rec2.NumRows())
	assert.Equal(t, 1, rec2.NumCols())
	assert.Equal(t, int32(1), rec2.Column(0).(*array.Int32).Value(0))
	assert.False(t, reader2.Next())
	reader2.Release()

	assert.EqualValues(t, 1, atomic.LoadInt32(&up.scanCalls))
}

func TestCache_ConcurrentExecuteIsIdempotent(t *testing.T) {
	mem := memory.NewGoAllocator()
	up := &countingProvider{mem: mem}
	cache := lazycache.New(mem, up)

	const n = 8
	var wg sync.WaitGroup
	rows := make([]int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			plan, err := cache.Scan(context.Background(), nil, 10, nil)
			if err != nil {
				t.Error(err)
				return
			}
			reader, err := plan.Execute(context.Background(), 0)
			if err != nil {
				t.Error(err)
				return
			}
			defer reader.Release()
			var total int64
			for reader.Next() {
				total += reader.Record().NumRows()
			}
			rows[i] = total
		}(i)
	}
	wg.Wait()

	for _, r := range rows {
		assert.EqualValues(t, 5, r)
	}
}
