package mongotable

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mongosql/internal/engine"
	"mongosql/internal/materialize"
	"mongosql/internal/schema"
)

// MongoPlan is the leaf ExecutionPlan reading one MongoDB collection. It
// always reports a single, unordered partition: this module does not split
// a collection scan across multiple cursors.
type MongoPlan struct {
	coll            *mongo.Collection
	sourceSchema    *schema.MappedSchema
	projectedSchema *schema.MappedSchema
	batchSize       int
}

func (p *MongoPlan) Schema() *arrow.Schema { return p.projectedSchema.Arrow() }

func (p *MongoPlan) OutputPartitioning() engine.Partitioning {
	return engine.UnknownPartitioning(1)
}

func (p *MongoPlan) Children() []engine.ExecutionPlan { return nil }

func (p *MongoPlan) WithNewChildren(children []engine.ExecutionPlan) (engine.ExecutionPlan, error) {
	if len(children) != 0 {
		return nil, fmt.Errorf("mongotable: MongoPlan is a leaf, got %d children", len(children))
	}
	return p, nil
}

// Execute opens a cursor over p.coll projected to p.projectedSchema's source
// paths and returns a RecordReader that materializes batches of up to
// p.batchSize rows as they are pulled.
func (p *MongoPlan) Execute(ctx context.Context, partition int) (arrow.RecordReader, error) {
	if partition != 0 {
		return nil, fmt.Errorf("mongotable: partition %d out of range [0,1)", partition)
	}

	proj := wireProjection(p.projectedSchema)
	opts := options.Find().SetProjection(proj).SetBatchSize(int32(p.batchSize))

	cur, err := p.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongotable: find on %s: %w", p.sourceSchema.Collection, err)
	}

	b, err := materialize.NewBuilder(memory.NewGoAllocator(), p.projectedSchema)
	if err != nil {
		cur.Close(ctx)
		return nil, err
	}

	return newMongoStream(ctx, mongoCursorAdapter{cur}, b, p.projectedSchema.Arrow(), p.batchSize), nil
}

// wireProjection builds the MongoDB projection document requesting exactly
// the source paths ms names. MongoDB includes "_id" by default even when
// unrequested; this module explicitly excludes it unless some column's
// source path is "_id" itself.
func wireProjection(ms *schema.MappedSchema) bson.D {
	doc := make(bson.D, 0, ms.Len()+1)
	wantsID := false
	for _, f := range ms.Fields {
		doc = append(doc, bson.E{Key: f.SourcePath, Value: 1})
		if f.SourcePath == "_id" {
			wantsID = true
		}
	}
	if !wantsID {
		doc = append(doc, bson.E{Key: "_id", Value: 0})
	}
	return doc
}

// rawCursor is the slice of *mongo.Cursor's behavior this package depends
// on, narrowed so tests can substitute a scripted fake.
type rawCursor interface {
	Next(ctx context.Context) bool
	Current() bson.Raw
	Err() error
	Close(ctx context.Context) error
}

type mongoCursorAdapter struct{ *mongo.Cursor }

func (a mongoCursorAdapter) Current() bson.Raw { return bson.Raw(a.Cursor.Current) }

// ctxMutex is a binary semaphore whose Lock honors context cancellation,
// so a caller waiting on cursor access can still be interrupted.
type ctxMutex chan struct{}

func newCtxMutex() ctxMutex {
	m := make(ctxMutex, 1)
	m <- struct{}{}
	return m
}

func (m ctxMutex) Lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m ctxMutex) Unlock() {
	m <- struct{}{}
}

// mongoStream adapts a rawCursor plus a materialize.Builder into an
// arrow.RecordReader: each Next call drains up to batchSize documents from
// the cursor, materializes them into one record, and exposes that record
// until the following Next call or Release.
type mongoStream struct {
	refs int64

	ctx       context.Context
	cur       rawCursor
	mu        ctxMutex
	builder   *materialize.Builder
	schema    *arrow.Schema
	batchSize int

	rec  arrow.Record
	err  error
	done bool
}

func newMongoStream(ctx context.Context, cur rawCursor, b *materialize.Builder, schema *arrow.Schema, batchSize int) *mongoStream {
	s := &mongoStream{
		ctx:       ctx,
		cur:       cur,
		mu:        newCtxMutex(),
		builder:   b,
		schema:    schema,
		batchSize: batchSize,
	}
	s.Retain()
	return s
}

func (s *mongoStream) Retain()  { atomic.AddInt64(&s.refs, 1) }
func (s *mongoStream) Schema() *arrow.Schema { return s.schema }
func (s *mongoStream) Err() error            { return s.err }

func (s *mongoStream) Release() {
	if atomic.AddInt64(&s.refs, -1) != 0 {
		return
	}
	if s.rec != nil {
		s.rec.Release()
		s.rec = nil
	}
	s.cur.Close(s.ctx)
}

// Next fills and exposes the next batch. It returns false once the cursor
// is exhausted and no partial batch remains, or once an error has occurred.
func (s *mongoStream) Next() bool {
	if s.rec != nil {
		s.rec.Release()
		s.rec = nil
	}
	if s.done || s.err != nil {
		return false
	}

	if err := s.mu.Lock(s.ctx); err != nil {
		s.err = err
		return false
	}
	defer s.mu.Unlock()

	for s.builder.Len() < s.batchSize {
		if !s.cur.Next(s.ctx) {
			s.done = true
			break
		}
		if rowErrs := s.builder.AppendValue(s.cur.Current()); len(rowErrs) > 0 {
			for _, re := range rowErrs {
				log.Printf("mongotable: row materialization: %v", re)
			}
		}
	}
	if err := s.cur.Err(); err != nil {
		s.err = fmt.Errorf("mongotable: cursor: %w", err)
		return false
	}

	if s.builder.Len() == 0 {
		return false
	}

	s.rec = s.builder.Finish()
	return true
}

func (s *mongoStream) Record() arrow.Record { return s.rec }
