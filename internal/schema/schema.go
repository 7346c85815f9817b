// Package schema models the mapping between a logical relational schema and
// the MongoDB collection it is materialized from.
package schema

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
)

// MongoFieldKey is the schema-file metadata key naming a field's source path
// when it differs from the logical column name (see schema file format,
// SPEC_FULL.md §6).
const MongoFieldKey = "mongodb"

// MappedField binds one logical column to a (possibly nested, dotted) source
// field path.
type MappedField struct {
	Name       string
	Type       arrow.DataType
	Nullable   bool
	SourcePath string
}

func (f MappedField) arrowField() arrow.Field {
	return arrow.Field{
		Name:     f.Name,
		Type:     f.Type,
		Nullable: f.Nullable,
		Metadata: arrow.NewMetadata([]string{MongoFieldKey}, []string{f.SourcePath}),
	}
}

// MappedSchema is an ordered sequence of MappedFields plus the source
// collection identifier and free-form metadata. Field order defines column
// index in every batch emitted for this schema.
type MappedSchema struct {
	Collection string
	Fields     []MappedField
	Metadata   map[string]string
}

// New builds a MappedSchema, defaulting SourcePath to Name for any field that
// doesn't name one explicitly.
func New(collection string, fields []MappedField, metadata map[string]string) *MappedSchema {
	out := make([]MappedField, len(fields))
	for i, f := range fields {
		if f.SourcePath == "" {
			f.SourcePath = f.Name
		}
		out[i] = f
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &MappedSchema{Collection: collection, Fields: out, Metadata: metadata}
}

// Field returns the field at index i.
func (s *MappedSchema) Field(i int) MappedField { return s.Fields[i] }

// Len returns the number of fields.
func (s *MappedSchema) Len() int { return len(s.Fields) }

// Arrow converts the mapped schema to its Arrow representation, with each
// field's source path embedded as metadata under MongoFieldKey.
func (s *MappedSchema) Arrow() *arrow.Schema {
	fields := make([]arrow.Field, len(s.Fields))
	for i, f := range s.Fields {
		fields[i] = f.arrowField()
	}
	keys := make([]string, 0, len(s.Metadata))
	vals := make([]string, 0, len(s.Metadata))
	for k, v := range s.Metadata {
		keys = append(keys, k)
		vals = append(vals, v)
	}
	md := arrow.NewMetadata(keys, vals)
	return arrow.NewSchema(fields, &md)
}

// Project builds a new MappedSchema whose field list is indices applied to
// s.Fields (duplicates and reorderings permitted), preserving the collection
// identifier and a copy of the metadata. Every index must be in
// [0, s.Len()); an out-of-range index is a planning-time error.
func (s *MappedSchema) Project(indices []int) (*MappedSchema, error) {
	fields := make([]MappedField, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= len(s.Fields) {
			return nil, fmt.Errorf("schema: projection index %d out of range [0,%d)", idx, len(s.Fields))
		}
		fields[i] = s.Fields[idx]
	}
	md := make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		md[k] = v
	}
	return &MappedSchema{Collection: s.Collection, Fields: fields, Metadata: md}, nil
}

// Equal reports whether s and other describe the same collection and fields
// in the same order; metadata is compared as sets, ignoring ordering.
func (s *MappedSchema) Equal(other *MappedSchema) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.Collection != other.Collection || len(s.Fields) != len(other.Fields) {
		return false
	}
	for i := range s.Fields {
		a, b := s.Fields[i], other.Fields[i]
		if a.Name != b.Name || a.Nullable != b.Nullable || a.SourcePath != b.SourcePath || !arrow.TypeEqual(a.Type, b.Type) {
			return false
		}
	}
	if len(s.Metadata) != len(other.Metadata) {
		return false
	}
	for k, v := range s.Metadata {
		if ov, ok := other.Metadata[k]; !ok || ov != v {
			return false
		}
	}
	return true
}
