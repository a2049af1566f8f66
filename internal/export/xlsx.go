// Package export renders a target's entity tables as an xlsx workbook.
package export

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/jackzampolin/codex/internal/entities"
)

// Sheet names, in workbook order.
const (
	SheetCharacters = "Characters"
	SheetTerms      = "Terms"
	SheetEvents     = "Events"
)

// ContentType is the media type of the workbook.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Loader reads a target's entities. *store.Store implements it.
type Loader interface {
	LoadEntities(ctx context.Context, targetID string) (entities.Set, error)
}

// Exporter writes entity workbooks.
type Exporter struct {
	loader Loader
	logger *slog.Logger
}

// New creates an exporter.
func New(l Loader, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{loader: l, logger: logger}
}

// WriteTarget loads targetID's entities and writes them to w.
func (e *Exporter) WriteTarget(ctx context.Context, w io.Writer, targetID string) error {
	start := time.Now()
	set, err := e.loader.LoadEntities(ctx, targetID)
	if err != nil {
		return fmt.Errorf("load entities: %w", err)
	}
	set.Sort()

	f, err := Workbook(set)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	e.logger.Info("exported entities",
		"target_id", targetID,
		"characters", len(set.Characters),
		"terms", len(set.Terms),
		"events", len(set.Events),
		"elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

type sheet struct {
	name    string
	headers []string
	widths  []float64
	rows    [][]any
}

// Workbook builds a workbook with one sheet per entity class. Rows follow
// the order of s.
func Workbook(s entities.Set) (*excelize.File, error) {
	sheets := []sheet{
		{
			name:    SheetCharacters,
			headers: []string{"Name", "Translated Name", "Aliases", "Titles", "Gender", "First Chapter", "Description"},
			widths:  []float64{20, 24, 28, 24, 10, 14, 60},
		},
		{
			name:    SheetTerms,
			headers: []string{"Term", "Translation", "Category", "Aliases", "First Chapter", "Description"},
			widths:  []float64{20, 24, 16, 28, 14, 60},
		},
		{
			name:    SheetEvents,
			headers: []string{"Title", "Start Chapter", "End Chapter", "Characters", "Location", "Description"},
			widths:  []float64{32, 14, 14, 32, 20, 60},
		},
	}
	for _, c := range s.Characters {
		sheets[0].rows = append(sheets[0].rows, []any{
			c.Name, c.TranslatedName, join(c.Aliases), join(c.Titles), c.Gender, chapter(c.FirstChapter), c.Description,
		})
	}
	for _, t := range s.Terms {
		sheets[1].rows = append(sheets[1].rows, []any{
			t.Term, t.Translation, t.Category, join(t.Aliases), chapter(t.FirstChapter), t.Description,
		})
	}
	for _, ev := range s.Events {
		sheets[2].rows = append(sheets[2].rows, []any{
			ev.Title, chapter(ev.StartChapter), chapter(ev.EndChapter), join(ev.Characters), ev.Location, ev.Description,
		})
	}

	f := excelize.NewFile()
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, err
	}
	for i, sh := range sheets {
		if err := writeSheet(f, sh, bold); err != nil {
			f.Close()
			return nil, fmt.Errorf("sheet %s: %w", sh.name, err)
		}
		if i == 0 {
			idx, _ := f.GetSheetIndex(sh.name)
			f.SetActiveSheet(idx)
		}
	}
	// NewFile starts with a default sheet we never write to.
	if err := f.DeleteSheet("Sheet1"); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func writeSheet(f *excelize.File, sh sheet, headerStyle int) error {
	if _, err := f.NewSheet(sh.name); err != nil {
		return err
	}
	if err := f.SetSheetRow(sh.name, "A1", &sh.headers); err != nil {
		return err
	}
	last, _ := excelize.CoordinatesToCellName(len(sh.headers), 1)
	if err := f.SetCellStyle(sh.name, "A1", last, headerStyle); err != nil {
		return err
	}
	for i, row := range sh.rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sh.name, cell, &row); err != nil {
			return err
		}
	}
	for i, w := range sh.widths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		if err := f.SetColWidth(sh.name, col, col, w); err != nil {
			return err
		}
	}
	return f.SetPanes(sh.name, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

func join(v []string) string { return strings.Join(v, ", ") }

// chapter leaves unknown chapter numbers blank instead of writing 0.
func chapter(n int) any {
	if n <= 0 {
		return ""
	}
	return n
}
