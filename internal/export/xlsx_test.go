package export

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/jackzampolin/codex/internal/entities"
	"github.com/jackzampolin/codex/internal/testutil"
)

type loaderFunc func(ctx context.Context, targetID string) (entities.Set, error)

func (f loaderFunc) LoadEntities(ctx context.Context, targetID string) (entities.Set, error) {
	return f(ctx, targetID)
}

func sample() entities.Set {
	return entities.Set{
		Characters: []entities.Character{
			{Name: "Zhou Li", TranslatedName: "Zhou Li", Aliases: []string{"Li'er", "the Swordsman"}, FirstChapter: 3},
			{Name: "An Mei", Gender: "female", FirstChapter: 1},
		},
		Terms: []entities.Term{
			{Term: "qi", Translation: "vital energy", Category: "cultivation"},
		},
		Events: []entities.Event{
			{Title: "Fall of the Sect", StartChapter: 10, EndChapter: 12, Characters: []string{"Zhou Li"}},
		},
	}
}

func TestWorkbook(t *testing.T) {
	f, err := Workbook(sample())
	if err != nil {
		t.Fatalf("Workbook() error = %v", err)
	}
	defer f.Close()

	want := []string{SheetCharacters, SheetTerms, SheetEvents}
	got := f.GetSheetList()
	if len(got) != len(want) {
		t.Fatalf("sheets = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sheet %d = %q, want %q", i, got[i], want[i])
		}
	}

	rows, err := f.GetRows(SheetCharacters)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("character rows = %d, want header + 2", len(rows))
	}
	if rows[0][0] != "Name" || rows[1][0] != "Zhou Li" || rows[1][2] != "Li'er, the Swordsman" {
		t.Errorf("character rows = %v", rows)
	}

	// Unknown first chapter stays blank.
	if v, _ := f.GetCellValue(SheetTerms, "E2"); v != "" {
		t.Errorf("term first chapter = %q, want blank", v)
	}
	if v, _ := f.GetCellValue(SheetEvents, "C2"); v != "12" {
		t.Errorf("event end chapter = %q, want 12", v)
	}
}

func TestWriteTarget(t *testing.T) {
	var asked string
	e := New(loaderFunc(func(_ context.Context, id string) (entities.Set, error) {
		asked = id
		return sample(), nil
	}), testutil.Logger(t))

	var buf bytes.Buffer
	if err := e.WriteTarget(context.Background(), &buf, "book-1"); err != nil {
		t.Fatalf("WriteTarget() error = %v", err)
	}
	if asked != "book-1" {
		t.Errorf("loaded target %q", asked)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("output is not a workbook: %v", err)
	}
	defer f.Close()
	// WriteTarget sorts by natural key.
	if v, _ := f.GetCellValue(SheetCharacters, "A2"); v != "An Mei" {
		t.Errorf("first character = %q, want An Mei", v)
	}
}

func TestWriteTarget_LoadError(t *testing.T) {
	boom := errors.New("db gone")
	e := New(loaderFunc(func(context.Context, string) (entities.Set, error) {
		return entities.Set{}, boom
	}), testutil.Logger(t))

	var buf bytes.Buffer
	if err := e.WriteTarget(context.Background(), &buf, "x"); !errors.Is(err, boom) {
		t.Errorf("WriteTarget() error = %v, want wrapped load error", err)
	}
	if buf.Len() != 0 {
		t.Error("partial workbook written on error")
	}
}
