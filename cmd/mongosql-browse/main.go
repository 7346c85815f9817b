// Command mongosql-browse is a terminal browser over the tables registered
// from a schema directory: pick a table, page through its materialized
// rows, and refresh them on demand. The UI does not show whether a table's
// cache is Lazy or Loaded.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/joho/godotenv"
	"github.com/rivo/tview"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

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

// AppState holds everything the UI callbacks need; it is only ever mutated
// from the tview goroutine via QueueUpdateDraw.
type AppState struct {
	app    *tview.Application
	tables map[string]engine.TableProvider
	order  []string
	mem    memory.Allocator

	current string
	columns []string
	rows    [][]string
	status  string

	refreshUI func()
	rowLimit  int
}

func newAppState() *AppState {
	return &AppState{
		tables:   map[string]engine.TableProvider{},
		mem:      memory.NewGoAllocator(),
		status:   "starting",
		rowLimit: 500,
	}
}

func connectAndRegister(state *AppState) error {
	_ = godotenv.Load(".env")

	uri := getenv("MONGO_URI", "mongodb://127.0.0.1:27017")
	dbName := getenv("MONGO_DB", "test")
	schemaDir := getenv("SCHEMA_DIR", "./schemas")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetServerSelectionTimeout(10*time.Second))
	if err != nil {
		return fmt.Errorf("MongoDB connection failed: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("MongoDB ping failed: %w", err)
	}

	schemas, err := schema.LoadDir(schemaDir)
	if err != nil {
		return fmt.Errorf("load schemas: %w", err)
	}

	db := client.Database(dbName)
	for _, ms := range schemas {
		provider := mongotable.New(db.Collection(ms.Collection), ms)
		state.tables[ms.Collection] = lazycache.New(state.mem, provider)
		state.order = append(state.order, ms.Collection)
	}
	return nil
}

// loadRows scans the named table fully (bounded by state.rowLimit) and
// stores the materialized rows as display strings.
func (s *AppState) loadRows(name string) error {
	tbl, ok := s.tables[name]
	if !ok {
		return fmt.Errorf("no such table %q", name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	plan, err := tbl.Scan(ctx, nil, mongotable.DefaultBatchSize, nil)
	if err != nil {
		return err
	}
	reader, err := plan.Execute(ctx, 0)
	if err != nil {
		return err
	}
	defer reader.Release()

	fields := reader.Schema().Fields()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	var rows [][]string
	for reader.Next() && len(rows) < s.rowLimit {
		rec := reader.Record()
		rows = append(rows, recordRows(rec, s.rowLimit-len(rows))...)
	}
	if err := reader.Err(); err != nil {
		return err
	}

	s.current = name
	s.columns = columns
	s.rows = rows
	return nil
}

func recordRows(rec arrow.Record, maxRows int) [][]string {
	n := int(rec.NumRows())
	if n > maxRows {
		n = maxRows
	}
	out := make([][]string, n)
	for i := 0; i < n; i++ {
		row := make([]string, rec.NumCols())
		for c := 0; c < int(rec.NumCols()); c++ {
			col := rec.Column(c)
			if col.IsNull(i) {
				row[c] = "NULL"
			} else {
				row[c] = col.ValueStr(i)
			}
		}
		out[i] = row
	}
	return out
}

func createUI(state *AppState) tview.Primitive {
	header := tview.NewTextView().
		SetDynamicColors(true).
		SetText("[yellow]mongosql browse[-] - [green]F5[-] refresh  [green]Tab[-] switch table  [green]q[-] quit")

	status := tview.NewTextView().SetDynamicColors(true)

	grid := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)

	render := func() {
		grid.Clear()
		for i, col := range state.columns {
			grid.SetCell(0, i, tview.NewTableCell(col).
				SetTextColor(tcell.ColorYellow).
				SetSelectable(false))
		}
		for r, row := range state.rows {
			for c, val := range row {
				grid.SetCell(r+1, c, tview.NewTableCell(val))
			}
		}
		tableList := strings.Join(state.order, ", ")
		status.SetText(fmt.Sprintf("table=[green]%s[-] rows=%d | registered: %s | %s",
			state.current, len(state.rows), tableList, state.status))
	}
	state.refreshUI = render

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(header, 1, 0, false).
		AddItem(status, 1, 0, false).
		AddItem(grid, 0, 1, true)

	refresh := func() {
		go func() {
			name := state.current
			if name == "" && len(state.order) > 0 {
				name = state.order[0]
			}
			if name == "" {
				return
			}
			err := state.loadRows(name)
			state.app.QueueUpdateDraw(func() {
				if err != nil {
					state.status = fmt.Sprintf("[red]load failed: %v[-]", err)
				} else {
					state.status = "ok"
				}
				render()
			})
		}()
	}

	state.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch {
		case event.Key() == tcell.KeyF5:
			refresh()
			return nil
		case event.Key() == tcell.KeyTab:
			if len(state.order) > 0 {
				idx := 0
				for i, name := range state.order {
					if name == state.current {
						idx = (i + 1) % len(state.order)
						break
					}
				}
				state.current = state.order[idx]
				refresh()
			}
			return nil
		case event.Rune() == 'q' || event.Rune() == 'Q':
			state.app.Stop()
			return nil
		}
		return event
	})

	render()
	return layout
}

func main() {
	state := newAppState()
	app := tview.NewApplication().EnableMouse(true)
	state.app = app

	layout := createUI(state)

	state.status = "connecting..."
	go func() {
		if err := connectAndRegister(state); err != nil {
			state.app.QueueUpdateDraw(func() {
				state.status = fmt.Sprintf("[red]connect failed: %v[-]", err)
				if state.refreshUI != nil {
					state.refreshUI()
				}
			})
			return
		}
		if len(state.order) > 0 {
			if err := state.loadRows(state.order[0]); err != nil {
				state.status = fmt.Sprintf("[red]load failed: %v[-]", err)
			} else {
				state.status = "ok"
			}
		}
		state.app.QueueUpdateDraw(func() {
			if state.refreshUI != nil {
				state.refreshUI()
			}
		})
	}()

	if err := app.SetRoot(layout, true).SetFocus(layout).Run(); err != nil {
		log.Fatalf("error running application: %v", err)
	}
}
