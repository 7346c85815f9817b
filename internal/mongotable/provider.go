// Package mongotable implements engine.TableProvider over a single MongoDB
// collection, materializing its documents into Arrow record batches as they
// are scanned.
package mongotable

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"go.mongodb.org/mongo-driver/mongo"

	"mongosql/internal/engine"
	"mongosql/internal/schema"
)

// DefaultBatchSize is used when a caller asks Scan for batchSize <= 0.
const DefaultBatchSize = 1024

// Provider is a TableProvider backed by one MongoDB collection.
type Provider struct {
	coll   *mongo.Collection
	schema *schema.MappedSchema
}

// New binds ms to coll. ms's field source paths are resolved against
// documents read from coll; ms.Collection is informational only (the Go
// driver handle already names the collection).
func New(coll *mongo.Collection, ms *schema.MappedSchema) *Provider {
	return &Provider{coll: coll, schema: ms}
}

func (p *Provider) Schema() *arrow.Schema { return p.schema.Arrow() }

// Scan builds a MongoPlan for reading p's collection. A nil projection
// means every column of p's schema, in declared order.
func (p *Provider) Scan(ctx context.Context, projection []int, batchSize int, filters []engine.Filter) (engine.ExecutionPlan, error) {
	if projection == nil {
		projection = make([]int, p.schema.Len())
		for i := range projection {
			projection[i] = i
		}
	}

	projected, err := p.schema.Project(projection)
	if err != nil {
		return nil, fmt.Errorf("mongotable: scan %s: %w", p.schema.Collection, err)
	}

	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &MongoPlan{
		coll:            p.coll,
		sourceSchema:    p.schema,
		projectedSchema: projected,
		batchSize:       batchSize,
	}, nil
}

// Statistics reports nothing: this module does not maintain collection
// statistics (row counts, document sizes) independent of MongoDB itself.
func (p *Provider) Statistics() engine.Statistics {
	return engine.Statistics{}
}
