package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"gopkg.in/yaml.v3"
)

// fileField is the on-disk shape of one field entry. Both the JSON and YAML
// decoders target this struct; only the struct tags differ.
type fileField struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"`
	Nullable bool   `json:"nullable" yaml:"nullable"`
	Mongo    string `json:"mongodb" yaml:"mongodb"`
}

type fileSchema struct {
	Collection string            `json:"collection" yaml:"collection"`
	Metadata   map[string]string `json:"metadata" yaml:"metadata"`
	Fields     []fileField       `json:"fields" yaml:"fields"`
}

// LoadFile reads one schema file. Dispatch is by extension: ".yaml"/".yml"
// decode as YAML, everything else as JSON. The collection identifier
// defaults to the file's stem when the document doesn't name one.
func LoadFile(path string) (*MappedSchema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}

	var fs fileSchema
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &fs); err != nil {
			return nil, fmt.Errorf("schema: parse yaml %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(raw, &fs); err != nil {
			return nil, fmt.Errorf("schema: parse json %s: %w", path, err)
		}
	}

	collection := fs.Collection
	if collection == "" {
		stem := filepath.Base(path)
		collection = strings.TrimSuffix(stem, filepath.Ext(stem))
	}

	fields := make([]MappedField, len(fs.Fields))
	for i, ff := range fs.Fields {
		dt, err := parseDataType(ff.Type)
		if err != nil {
			return nil, fmt.Errorf("schema: field %q in %s: %w", ff.Name, path, err)
		}
		fields[i] = MappedField{
			Name:       ff.Name,
			Type:       dt,
			Nullable:   ff.Nullable,
			SourcePath: ff.Mongo,
		}
	}

	return New(collection, fields, fs.Metadata), nil
}

// LoadDir reads every file directly inside dir as a schema file, in
// lexical filename order, skipping subdirectories.
func LoadDir(dir string) ([]*MappedSchema, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("schema: read dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	schemas := make([]*MappedSchema, 0, len(names))
	for _, name := range names {
		s, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, s)
	}
	return schemas, nil
}

// parseDataType maps the declared type names from the 4.B conversion table
// to their Arrow data types. Any other name is a schema error.
func parseDataType(name string) (arrow.DataType, error) {
	switch name {
	case "Utf8":
		return arrow.BinaryTypes.String, nil
	case "LargeUtf8":
		return arrow.BinaryTypes.LargeString, nil
	case "Int32":
		return arrow.PrimitiveTypes.Int32, nil
	case "Int64":
		return arrow.PrimitiveTypes.Int64, nil
	case "Float64":
		return arrow.PrimitiveTypes.Float64, nil
	case "Boolean":
		return arrow.FixedWidthTypes.Boolean, nil
	case "Timestamp(Second)":
		return &arrow.TimestampType{Unit: arrow.Second}, nil
	case "Timestamp(Millisecond)":
		return &arrow.TimestampType{Unit: arrow.Millisecond}, nil
	case "Timestamp(Microsecond)":
		return &arrow.TimestampType{Unit: arrow.Microsecond}, nil
	case "Timestamp(Nanosecond)":
		return &arrow.TimestampType{Unit: arrow.Nanosecond}, nil
	case "Date32(Day)":
		return arrow.FixedWidthTypes.Date32, nil
	case "Date64(Millisecond)":
		return arrow.FixedWidthTypes.Date64, nil
	case "Time32(Second)":
		return &arrow.Time32Type{Unit: arrow.Second}, nil
	case "Time32(Millisecond)":
		return &arrow.Time32Type{Unit: arrow.Millisecond}, nil
	case "Time64(Microsecond)":
		return &arrow.Time64Type{Unit: arrow.Microsecond}, nil
	case "Time64(Nanosecond)":
		return &arrow.Time64Type{Unit: arrow.Nanosecond}, nil
	case "Binary":
		return arrow.BinaryTypes.Binary, nil
	case "LargeBinary":
		return arrow.BinaryTypes.LargeBinary, nil
	default:
		return nil, fmt.Errorf("schema: unsupported data type %q", name)
	}
}
