package memtable_test

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mongosql/internal/memtable"
)

func intRecord(t *testing.T, mem memory.Allocator, schema *arrow.Schema, vals []int32) arrow.Record {
	t.Helper()
	b := array.NewInt32Builder(mem)
	defer b.Release()
	b.AppendValues(vals, nil)
	arr := b.NewInt32Array()
	defer arr.Release()
	rec := array.NewRecord(schema, []arrow.Array{arr}, int64(len(vals)))
	return rec
}

func TestPlan_MergesRecordsAcrossBoundaries(t *testing.T) {
	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{{Name: "n", Type: arrow.PrimitiveTypes.Int32}}, nil)

	r1 := intRecord(t, mem, schema, []int32{1, 2})
	r2 := intRecord(t, mem, schema, []int32{3, 4, 5})
	defer r1.Release()
	defer r2.Release()

	tbl := memtable.New(mem, schema, []arrow.Record{r1, r2})
	assert.EqualValues(t, 5, tbl.NumRows())

	plan, err := tbl.Scan(context.Background(), nil, 10, nil)
	require.NoError(t, err)

	reader, err := plan.Execute(context.Background(), 0)
	require.NoError(t, err)
	defer reader.Release()

	require.True(t, reader.Next())
	assert.EqualValues(t, 5, reader.Record().NumRows())
	assert.False(t, reader.Next())
}

func TestPlan_RebatchesSmallerThanBatchSize(t *testing.T) {
	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{{Name: "n", Type: arrow.PrimitiveTypes.Int32}}, nil)

	r1 := intRecord(t, mem, schema, []int32{1, 2, 3, 4, 5})
	defer r1.Release()

	tbl := memtable.New(mem, schema, []arrow.Record{r1})
	plan, err := tbl.Scan(context.Background(), nil, 2, nil)
	require.NoError(t, err)

	reader, err := plan.Execute(context.Background(), 0)
	require.NoError(t, err)
	defer reader.Release()

	var counts []int64
	for reader.Next() {
		counts = append(counts, reader.Record().NumRows())
	}
	assert.Equal(t, []int64{2, 2, 1}, counts)
}

func TestPlan_ProjectionReordersColumns(t *testing.T) {
	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "a", Type: arrow.PrimitiveTypes.Int32},
		{Name: "b", Type: arrow.PrimitiveTypes.Int32},
	}, nil)

	ab := array.NewInt32Builder(mem)
	ab.AppendValues([]int32{1, 2}, nil)
	aArr := ab.NewInt32Array()
	ab.Release()

	bb := array.NewInt32Builder(mem)
	bb.AppendValues([]int32{10, 20}, nil)
	bArr := bb.NewInt32Array()
	bb.Release()

	rec := array.NewRecord(schema, []arrow.Array{aArr, bArr}, 2)
	aArr.Release()
	bArr.Release()
	defer rec.Release()

	tbl := memtable.New(mem, schema, []arrow.Record{rec})
	plan, err := tbl.Scan(context.Background(), []int{1, 0}, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", plan.Schema().Field(0).Name)
	assert.Equal(t, "a", plan.Schema().Field(1).Name)

	reader, err := plan.Execute(context.Background(), 0)
	require.NoError(t, err)
	defer reader.Release()

	require.True(t, reader.Next())
	out := reader.Record()
	assert.Equal(t, int32(10), out.Column(0).(*array.Int32).Value(0))
	assert.Equal(t, int32(1), out.Column(1).(*array.Int32).Value(0))
}
