package export

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/jackzampolin/codex/internal/store"
	"github.com/jackzampolin/codex/internal/testutil"
)

func seedBook(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s := testutil.NewStore(t)
	if _, err := s.PutChapters(ctx, "novel", []store.Chapter{
		{Number: 1, Title: "第一章", Content: "林默到了。"},
		{Number: 2, Title: "第二章", Content: "他开始修炼。"},
		{Number: 3, Title: "第三章", Content: "夜深了。"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTranslation(ctx, "novel", 1, "Lin Mo arrived."); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTranslation(ctx, "novel", 3, "Night fell."); err != nil {
		t.Fatal(err)
	}
	return s
}

func chapterFiles(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("output is not an epub: %v", err)
	}
	out := make(map[string]string)
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, "OEBPS/chapters/") {
			continue
		}
		rc, _ := f.Open()
		b, _ := io.ReadAll(rc)
		rc.Close()
		out[strings.TrimPrefix(f.Name, "OEBPS/chapters/")] = string(b)
	}
	return out
}

func TestWriteBook_TranslatedOnly(t *testing.T) {
	s := seedBook(t)

	var buf bytes.Buffer
	sum, err := WriteBook(context.Background(), s, &buf, "novel", BookOptions{Language: "en"})
	if err != nil {
		t.Fatalf("WriteBook() error = %v", err)
	}
	if sum.Chapters != 2 || !reflect.DeepEqual(sum.Untranslated, []int{2}) {
		t.Errorf("summary = %+v", sum)
	}

	files := chapterFiles(t, buf.Bytes())
	if len(files) != 2 {
		t.Fatalf("chapters = %v", files)
	}
	if !strings.Contains(files["ch0001.xhtml"], "<p>Lin Mo arrived.</p>") {
		t.Errorf("chapter 1 = %s", files["ch0001.xhtml"])
	}
	if _, ok := files["ch0002.xhtml"]; ok {
		t.Error("untranslated chapter included")
	}
}

func TestWriteBook_IncludeOriginal(t *testing.T) {
	s := seedBook(t)

	var buf bytes.Buffer
	sum, err := WriteBook(context.Background(), s, &buf, "novel", BookOptions{IncludeOriginal: true})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Chapters != 3 {
		t.Errorf("chapters = %d, want 3", sum.Chapters)
	}
	if got := chapterFiles(t, buf.Bytes())["ch0002.xhtml"]; !strings.Contains(got, "他开始修炼。") {
		t.Errorf("chapter 2 should carry its source text: %s", got)
	}
}

func TestWriteBook_NothingToExport(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()

	var buf bytes.Buffer
	if _, err := WriteBook(ctx, s, &buf, "missing", BookOptions{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown target error = %v, want ErrNotFound", err)
	}

	s.PutChapters(ctx, "raw", []store.Chapter{{Number: 1, Content: "未译"}})
	if _, err := WriteBook(ctx, s, &buf, "raw", BookOptions{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("untranslated target error = %v, want ErrNotFound", err)
	}
	if buf.Len() != 0 {
		t.Error("bytes written for an empty book")
	}
}
