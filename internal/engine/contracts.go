// Package engine defines the seam between this module's table sources and
// the SQL execution engine that plans and runs queries over them. The
// engine itself — parser, planner, optimizer — is out of scope here; this
// package only names the contract a table source must satisfy to be
// registered with one.
package engine

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
)

// TableProvider is a named, schema-bearing source of rows that the query
// engine can scan. Implementations must be safe for concurrent Scan calls.
type TableProvider interface {
	// Schema returns the full (unprojected) schema of the table.
	Schema() *arrow.Schema

	// Scan builds an ExecutionPlan for reading this table.
	//
	// projection names the output column indices into Schema(), in output
	// order; a nil projection means all columns, in schema order.
	// batchSize bounds the number of rows per emitted record; filters are
	// opaque to this seam and may be ignored by an implementation that
	// cannot push them down.
	Scan(ctx context.Context, projection []int, batchSize int, filters []Filter) (ExecutionPlan, error)

	// Statistics returns whatever row/byte estimates this table can cheaply
	// provide. A table with nothing to report returns the zero value.
	Statistics() Statistics
}

// Filter is an opaque predicate handed to Scan for optional pushdown. This
// module does not interpret filter contents; a provider that cannot apply a
// filter must still produce rows as if the filter were absent and let the
// engine apply it above the scan.
type Filter struct {
	// Expr is engine-defined; this seam does not constrain its shape.
	Expr any
}

// Partitioning describes how an ExecutionPlan divides its output across
// parallel execution units.
type Partitioning interface {
	// PartitionCount returns the number of partitions.
	PartitionCount() int

	// String renders the partitioning scheme for diagnostics.
	String() string
}

// UnknownPartitioning is a Partitioning of n units whose placement of rows
// across those units makes no ordering or hash guarantee.
type UnknownPartitioning int

func (p UnknownPartitioning) PartitionCount() int { return int(p) }
func (p UnknownPartitioning) String() string       { return "UnknownPartitioning" }

// Statistics is a best-effort, possibly-empty estimate of a table's size.
// A zero field means "unknown", not "zero".
type Statistics struct {
	NumRows   *int64
	TotalByte *int64
}

// ExecutionPlan is a single node of a (trivial, single-node-deep in this
// module) physical query plan: something the engine can ask to produce
// Arrow record batches for one of its partitions.
type ExecutionPlan interface {
	// Schema is this plan node's output schema (after projection).
	Schema() *arrow.Schema

	// OutputPartitioning describes this node's partitioning.
	OutputPartitioning() Partitioning

	// Children returns this node's input plans. A leaf scan has none.
	Children() []ExecutionPlan

	// WithNewChildren rebuilds this plan with different children. A leaf
	// scan has no children to replace and returns an error if called with
	// a non-empty slice.
	WithNewChildren(children []ExecutionPlan) (ExecutionPlan, error)

	// Execute starts producing the given partition's output. The returned
	// reader must be released by the caller once fully drained or
	// abandoned.
	Execute(ctx context.Context, partition int) (arrow.RecordReader, error)
}
