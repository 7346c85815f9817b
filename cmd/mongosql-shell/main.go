// Command mongosql-shell is a small REPL over a directory of schema files
// mapped onto MongoDB collections. It registers every schema as a
// lazily-materializing table and lets you scan or describe them; it does
// not parse or plan SQL (that's the engine seam this module hands off to).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/joho/godotenv"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mongosql/internal/engine"
	"mongosql/internal/lazycache"
	"mongosql/internal/mongotable"
	"mongosql/internal/schema"
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load(".env")

	uri := flag.String("uri", getenv("MONGO_URI", "mongodb://127.0.0.1:27017"), "MongoDB connection URI")
	dbName := flag.String("db", getenv("MONGO_DB", "test"), "MongoDB database name")
	schemaDir := flag.String("schema-dir", getenv("SCHEMA_DIR", "./schemas"), "directory of schema files, one per table")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(*uri))
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer client.Disconnect(context.Background())

	schemas, err := schema.LoadDir(*schemaDir)
	if err != nil {
		log.Fatalf("load schemas: %v", err)
	}

	mem := memory.NewGoAllocator()
	db := client.Database(*dbName)
	tables := make(map[string]engine.TableProvider, len(schemas))
	for _, ms := range schemas {
		provider := mongotable.New(db.Collection(ms.Collection), ms)
		tables[ms.Collection] = lazycache.New(mem, provider)
		log.Printf("registered table %q (%d columns)", ms.Collection, ms.Len())
	}

	repl(os.Stdin, os.Stdout, tables)
}

func repl(in *os.File, out *os.File, tables map[string]engine.TableProvider) {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "mongosql> ")
	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimSuffix(scanner.Text(), ";"))
		if line == "" {
			fmt.Fprint(out, "mongosql> ")
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}
		if err := runCommand(context.Background(), out, tables, line); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		fmt.Fprint(out, "mongosql> ")
	}
}

func runCommand(ctx context.Context, out *os.File, tables map[string]engine.TableProvider, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch strings.ToLower(fields[0]) {
	case "describe":
		if len(fields) != 2 {
			return fmt.Errorf("usage: describe <table>")
		}
		tbl, ok := tables[fields[1]]
		if !ok {
			return fmt.Errorf("no such table %q", fields[1])
		}
		for _, f := range tbl.Schema().Fields() {
			fmt.Fprintf(out, "  %-20s %-12s nullable=%v\n", f.Name, f.Type, f.Nullable)
		}
		return nil

	case "scan":
		if len(fields) < 2 {
			return fmt.Errorf("usage: scan <table> [batch_size]")
		}
		tbl, ok := tables[fields[1]]
		if !ok {
			return fmt.Errorf("no such table %q", fields[1])
		}
		batchSize := mongotable.DefaultBatchSize
		if len(fields) >= 3 {
			n, err := strconv.Atoi(fields[2])
			if err != nil {
				return fmt.Errorf("bad batch size %q: %w", fields[2], err)
			}
			batchSize = n
		}
		return scanTable(ctx, out, tbl, batchSize)

	case "tables":
		for name := range tables {
			fmt.Fprintln(out, " ", name)
		}
		return nil

	default:
		return fmt.Errorf("unrecognized command %q (expected: tables, describe, scan)", fields[0])
	}
}

func scanTable(ctx context.Context, out *os.File, tbl engine.TableProvider, batchSize int) error {
	plan, err := tbl.Scan(ctx, nil, batchSize, nil)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	reader, err := plan.Execute(ctx, 0)
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	defer reader.Release()

	var total int64
	for reader.Next() {
		rec := reader.Record()
		total += rec.NumRows()
		printRecord(out, rec)
	}
	if err := reader.Err(); err != nil {
		return err
	}
	fmt.Fprintf(out, "(%d rows)\n", total)
	return nil
}

func printRecord(out *os.File, rec arrow.Record) {
	for i := int64(0); i < rec.NumRows(); i++ {
		vals := make([]string, rec.NumCols())
		for c := 0; c < int(rec.NumCols()); c++ {
			col := rec.Column(c)
			if col.IsNull(int(i)) {
				vals[c] = "NULL"
			} else {
				vals[c] = col.ValueStr(int(i))
			}
		}
		fmt.Fprintln(out, strings.Join(vals, " | "))
	}
}
