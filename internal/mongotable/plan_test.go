package mongotable

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"mongosql/internal/materialize"
	"mongosql/internal/schema"
)

type fakeCursor struct {
	docs   []bson.Raw
	idx    int
	closed bool
	err    error
}

func (f *fakeCursor) Next(ctx context.Context) bool {
	if f.idx >= len(f.docs) {
		return false
	}
	f.idx++
	return true
}

func (f *fakeCursor) Current() bson.Raw { return f.docs[f.idx-1] }
func (f *fakeCursor) Err() error        { return f.err }
func (f *fakeCursor) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

func mustRaw(t *testing.T, v any) bson.Raw {
	t.Helper()
	b, err := bson.Marshal(v)
	require.NoError(t, err)
	return bson.Raw(b)
}

func widgetSchema() *schema.MappedSchema {
	return schema.New("widgets", []schema.MappedField{
		{Name: "n", Type: arrow.PrimitiveTypes.Int32, Nullable: false, SourcePath: "n"},
	}, nil)
}

func newBuilder(t *testing.T, ms *schema.MappedSchema) *materialize.Builder {
	t.Helper()
	b, err := materialize.NewBuilder(memory.NewGoAllocator(), ms)
	require.NoError(t, err)
	return b
}

func TestMongoStream_BatchesByBatchSize(t *testing.T) {
	ms := widgetSchema()
	docs := make([]bson.Raw, 5)
	for i := range docs {
		docs[i] = mustRaw(t, bson.M{"n": int32(i)})
	}
	cur := &fakeCursor{docs: docs}
	s := newMongoStream(context.Background(), cur, newBuilder(t, ms), ms.Arrow(), 2)
	defer s.Release()

	require.True(t, s.Next())
	assert.EqualValues(t, 2, s.Record().NumRows())

	require.True(t, s.Next())
	assert.EqualValues(t, 2, s.Record().NumRows())

	require.True(t, s.Next())
	assert.EqualValues(t, 1, s.Record().NumRows())

	assert.False(t, s.Next())
	assert.NoError(t, s.Err())
}

func TestMongoStream_EmptyCursorYieldsNoBatches(t *testing.T) {
	ms := widgetSchema()
	cur := &fakeCursor{}
	s := newMongoStream(context.Background(), cur, newBuilder(t, ms), ms.Arrow(), 10)
	defer s.Release()

	assert.False(t, s.Next())
	assert.NoError(t, s.Err())
}

func TestMongoStream_ReleaseClosesCursor(t *testing.T) {
	ms := widgetSchema()
	cur := &fakeCursor{docs: []bson.Raw{mustRaw(t, bson.M{"n": int32(1)})}}
	s := newMongoStream(context.Background(), cur, newBuilder(t, ms), ms.Arrow(), 10)

	require.True(t, s.Next())
	s.Release()
	assert.True(t, cur.closed)
}

func TestMongoStream_ContextCancelledDuringFill(t *testing.T) {
	ms := widgetSchema()
	cur := &fakeCursor{docs: []bson.Raw{mustRaw(t, bson.M{"n": int32(1)})}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newMongoStream(ctx, cur, newBuilder(t, ms), ms.Arrow(), 10)
	defer s.Release()

	assert.False(t, s.Next())
	assert.Error(t, s.Err())
}

func TestWireProjection_ExcludesIDByDefault(t *testing.T) {
	ms := schema.New("widgets", []schema.MappedField{
		{Name: "n", Type: arrow.PrimitiveTypes.Int32, SourcePath: "n"},
	}, nil)
	proj := wireProjection(ms)
	asMap := proj.Map()
	assert.Equal(t, 1, asMap["n"])
	assert.Equal(t, 0, asMap["_id"])
}

func TestWireProjection_KeepsIDWhenRequested(t *testing.T) {
	ms := schema.New("widgets", []schema.MappedField{
		{Name: "id", Type: arrow.BinaryTypes.String, SourcePath: "_id"},
	}, nil)
	proj := wireProjection(ms)
	asMap := proj.Map()
	assert.Equal(t, 1, asMap["_id"])
}
