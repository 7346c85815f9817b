// Package materialize converts batches of BSON documents into Arrow record
// batches conforming to a declared mapped schema (component B).
package materialize

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"

	"mongosql/internal/bsonpath"
	"mongosql/internal/schema"
)

// ErrorKind classifies a row materialization error.
type ErrorKind int

const (
	// MissingField: the source field was absent (or BSON null) and the
	// column is not nullable.
	MissingField ErrorKind = iota
	// UnexpectedType: the source value's BSON variant is not accepted by
	// the column's declared type, or an intermediate path segment was not
	// a subdocument.
	UnexpectedType
)

func (k ErrorKind) String() string {
	switch k {
	case MissingField:
		return "missing_field"
	case UnexpectedType:
		return "unexpected_type"
	default:
		return "unknown"
	}
}

// RowError is one column's materialization failure for one row.
type RowError struct {
	Column string
	Kind   ErrorKind
}

func (e RowError) Error() string {
	return fmt.Sprintf("materialize: column %q: %s", e.Column, e.Kind)
}

// Builder appends BSON documents into one Arrow record batch conforming to
// a MappedSchema. Finish emits the rows appended so far as one record batch
// and resets the Builder, so one Builder can produce successive batches.
type Builder struct {
	mem    memory.Allocator
	schema *schema.MappedSchema
	arrow  *arrow.Schema
	sb     *array.StructBuilder
	rows   int
}

// NewBuilder validates ms against the supported type table and constructs a
// builder. An unsupported declared type is a construction-time schema error.
func NewBuilder(mem memory.Allocator, ms *schema.MappedSchema) (*Builder, error) {
	as := ms.Arrow()
	for _, f := range as.Fields() {
		if !supported(f.Type) {
			return nil, fmt.Errorf("materialize: column %q: unsupported data type %s", f.Name, f.Type)
		}
	}

	structType := arrow.StructOf(as.Fields()...)
	sb := array.NewBuilder(mem, structType).(*array.StructBuilder)

	return &Builder{mem: mem, schema: ms, arrow: as, sb: sb}, nil
}

// Len returns the number of rows appended so far.
func (b *Builder) Len() int { return b.rows }

// AppendValue appends exactly one row to every column, derived from doc.
// It returns nil if the row was fully clean, or the aggregated list of
// per-column errors otherwise. Column alignment is preserved either way:
// every column receives a value (or null) for this row.
func (b *Builder) AppendValue(doc bson.Raw) []RowError {
	var errs []RowError

	for i, f := range b.schema.Fields {
		child := b.sb.FieldBuilder(i)

		val, lookupErr := bsonpath.Get(doc, f.SourcePath)
		switch {
		case lookupErr == nil:
			if val.Type == bsontype.Null {
				if f.Nullable {
					child.AppendNull()
				} else {
					errs = append(errs, RowError{Column: f.Name, Kind: MissingField})
					child.AppendNull()
				}
				continue
			}
			if !appendTyped(child, f.Type, val) {
				errs = append(errs, RowError{Column: f.Name, Kind: UnexpectedType})
				child.AppendNull()
			}
		case errors.Is(lookupErr, bsonpath.ErrNotPresent):
			if f.Nullable {
				child.AppendNull()
			} else {
				errs = append(errs, RowError{Column: f.Name, Kind: MissingField})
				child.AppendNull()
			}
		case errors.Is(lookupErr, bsonpath.ErrUnexpectedType):
			errs = append(errs, RowError{Column: f.Name, Kind: UnexpectedType})
			child.AppendNull()
		default:
			// bsonpath.Get never returns any other error; treat defensively
			// as a schema-shape mismatch rather than panicking.
			errs = append(errs, RowError{Column: f.Name, Kind: UnexpectedType})
			child.AppendNull()
		}
	}

	b.sb.Append(len(errs) == 0)
	b.rows++
	return errs
}

// Finish produces the accumulated rows as an Arrow record batch and resets
// the builder to empty. The returned record's schema equals ms.Arrow().
func (b *Builder) Finish() arrow.Record {
	structArr := b.sb.NewStructArray()
	defer structArr.Release()

	cols := make([]arrow.Array, structArr.NumField())
	for i := 0; i < structArr.NumField(); i++ {
		cols[i] = structArr.Field(i)
	}
	rec := array.NewRecord(b.arrow, cols, int64(structArr.Len()))
	b.rows = 0
	return rec
}

// supported reports whether dt is one of the declared types the 4.B
// dispatch table accepts.
func supported(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.STRING, arrow.LARGE_STRING,
		arrow.INT32, arrow.INT64, arrow.FLOAT64, arrow.BOOL,
		arrow.TIMESTAMP, arrow.DATE32, arrow.DATE64,
		arrow.TIME32, arrow.TIME64,
		arrow.BINARY, arrow.LARGE_BINARY:
		return true
	default:
		return false
	}
}

// appendTyped dispatches on the column's declared type and appends val to
// child, converting per the 4.B table. It returns false if val's BSON
// variant is not accepted for dt, leaving child untouched (the caller
// appends null itself).
func appendTyped(child array.Builder, dt arrow.DataType, val bson.RawValue) bool {
	switch dt.ID() {
	case arrow.STRING, arrow.LARGE_STRING:
		return appendUtf8(child, val)
	case arrow.INT32:
		v, ok := val.Int32OK()
		if !ok {
			return false
		}
		child.(*array.Int32Builder).Append(v)
		return true
	case arrow.INT64:
		v, ok := val.Int64OK()
		if !ok {
			return false
		}
		child.(*array.Int64Builder).Append(v)
		return true
	case arrow.FLOAT64:
		v, ok := val.DoubleOK()
		if !ok {
			return false
		}
		child.(*array.Float64Builder).Append(v)
		return true
	case arrow.BOOL:
		v, ok := val.BooleanOK()
		if !ok {
			return false
		}
		child.(*array.BooleanBuilder).Append(v)
		return true
	case arrow.TIMESTAMP:
		return appendTimestamp(child, dt.(*arrow.TimestampType), val)
	case arrow.DATE32:
		return appendDate32(child, val)
	case arrow.DATE64:
		return appendDate64(child, val)
	case arrow.TIME32:
		return appendTime32(child, dt.(*arrow.Time32Type), val)
	case arrow.TIME64:
		return appendTime64(child, dt.(*arrow.Time64Type), val)
	case arrow.BINARY, arrow.LARGE_BINARY:
		return appendBinary(child, val)
	default:
		return false
	}
}

func appendUtf8(child array.Builder, val bson.RawValue) bool {
	var s string
	switch val.Type {
	case bsontype.ObjectID:
		oid, ok := val.ObjectIDOK()
		if !ok {
			return false
		}
		s = oid.Hex()
	case bsontype.String:
		v, ok := val.StringValueOK()
		if !ok {
			return false
		}
		s = v
	case bsontype.Symbol:
		v, ok := val.SymbolOK()
		if !ok {
			return false
		}
		s = v
	default:
		return false
	}
	switch cb := child.(type) {
	case *array.StringBuilder:
		cb.Append(s)
	case *array.LargeStringBuilder:
		cb.Append(s)
	default:
		return false
	}
	return true
}

func appendBinary(child array.Builder, val bson.RawValue) bool {
	if val.Type != bsontype.Binary {
		return false
	}
	subtype, data, ok := val.BinaryOK()
	if !ok {
		return false
	}
	switch subtype {
	case 0x00, 0x02:
		// Generic, BinaryOld
	default:
		if subtype < 0x80 {
			return false
		}
		// UserDefined (0x80-0xFF)
	}
	switch cb := child.(type) {
	case *array.BinaryBuilder:
		cb.Append(data)
	default:
		return false
	}
	return true
}

// datetimeParts splits a BSON DateTime (milliseconds since the Unix epoch)
// into whole seconds (floored) and a nanosecond remainder within that
// second; the second- and nanosecond-based Timestamp/Date/Time conversions
// derive from this one decomposition.
func datetimeParts(ms int64) (sec int64, nsec int64) {
	sec = floorDiv(ms, 1000)
	nsec = (ms - sec*1000) * 1_000_000
	return sec, nsec
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int64) int64 {
	return a - floorDiv(a, b)*b
}

func dateTimeMS(val bson.RawValue) (int64, bool) {
	if val.Type != bsontype.DateTime {
		return 0, false
	}
	return val.DateTimeOK()
}

func appendTimestamp(child array.Builder, dt *arrow.TimestampType, val bson.RawValue) bool {
	ms, ok := dateTimeMS(val)
	if !ok {
		return false
	}
	sec, nsec := datetimeParts(ms)

	var out arrow.Timestamp
	switch dt.Unit {
	case arrow.Second:
		out = arrow.Timestamp(sec)
	case arrow.Millisecond:
		out = arrow.Timestamp(ms)
	case arrow.Microsecond:
		out = arrow.Timestamp(ms * 1000)
	case arrow.Nanosecond:
		out = arrow.Timestamp(sec*1_000_000_000 + nsec)
	default:
		return false
	}
	cb, ok := child.(*array.TimestampBuilder)
	if !ok {
		return false
	}
	cb.Append(out)
	return true
}

func appendDate32(child array.Builder, val bson.RawValue) bool {
	ms, ok := dateTimeMS(val)
	if !ok {
		return false
	}
	sec, _ := datetimeParts(ms)
	days := floorDiv(sec, 86_400)
	cb, ok := child.(*array.Date32Builder)
	if !ok {
		return false
	}
	cb.Append(arrow.Date32(int32(days)))
	return true
}

func appendDate64(child array.Builder, val bson.RawValue) bool {
	ms, ok := dateTimeMS(val)
	if !ok {
		return false
	}
	sec, _ := datetimeParts(ms)
	days := floorDiv(sec, 86_400)
	cb, ok := child.(*array.Date64Builder)
	if !ok {
		return false
	}
	// Intentional day-quantization, matching the source this is ported
	// from: not true millisecond resolution.
	cb.Append(arrow.Date64(days * 1000))
	return true
}

func appendTime32(child array.Builder, dt *arrow.Time32Type, val bson.RawValue) bool {
	ms, ok := dateTimeMS(val)
	if !ok {
		return false
	}
	sec, nsec := datetimeParts(ms)
	secOfDay := floorMod(sec, 86_400)

	var out arrow.Time32
	switch dt.Unit {
	case arrow.Second:
		out = arrow.Time32(secOfDay)
	case arrow.Millisecond:
		out = arrow.Time32(secOfDay*1000 + nsec/1_000_000)
	default:
		return false
	}
	cb, ok := child.(*array.Time32Builder)
	if !ok {
		return false
	}
	cb.Append(out)
	return true
}

func appendTime64(child array.Builder, dt *arrow.Time64Type, val bson.RawValue) bool {
	ms, ok := dateTimeMS(val)
	if !ok {
		return false
	}
	sec, nsec := datetimeParts(ms)
	secOfDay := floorMod(sec, 86_400)

	var out arrow.Time64
	switch dt.Unit {
	case arrow.Microsecond:
		out = arrow.Time64(secOfDay*1_000_000 + nsec/1000)
	case arrow.Nanosecond:
		out = arrow.Time64(secOfDay*1_000_000_000 + nsec)
	default:
		return false
	}
	cb, ok := child.(*array.Time64Builder)
	if !ok {
		return false
	}
	cb.Append(out)
	return true
}
