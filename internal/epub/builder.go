// Package epub writes EPUB 3 books from translated chapter text.
package epub

import (
	"archive/zip"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MediaType is the media type of an EPUB container.
const MediaType = "application/epub+zip"

// Book contains the metadata needed for epub generation.
type Book struct {
	ID       string // stable identifier; a random urn:uuid when empty
	Title    string
	Creator  string
	Language string // BCP 47 tag, "en" when empty
	Modified time.Time
}

// Chapter is one reading-order document. Text is plain prose with
// paragraphs separated by blank lines.
type Chapter struct {
	Number int
	Title  string
	Text   string
}

func (c Chapter) id() string { return fmt.Sprintf("ch%04d", c.Number) }

func (c Chapter) heading() string {
	if c.Title != "" {
		return c.Title
	}
	return fmt.Sprintf("Chapter %d", c.Number)
}

// Builder creates ePub 3.0 files.
type Builder struct {
	book     Book
	chapters []Chapter
}

// NewBuilder creates a builder for chapters in the given order.
func NewBuilder(book Book, chapters []Chapter) *Builder {
	if book.ID == "" {
		book.ID = "urn:uuid:" + uuid.New().String()
	}
	if book.Language == "" {
		book.Language = "en"
	}
	if book.Modified.IsZero() {
		book.Modified = time.Now()
	}
	return &Builder{book: book, chapters: chapters}
}

// WriteTo writes the epub to w.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	if len(b.chapters) == 0 {
		return 0, fmt.Errorf("epub %q has no chapters", b.book.Title)
	}
	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)

	// The mimetype entry must come first and be stored uncompressed.
	mw, err := zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	if err != nil {
		return cw.n, fmt.Errorf("failed to create mimetype: %w", err)
	}
	if _, err := io.WriteString(mw, MediaType); err != nil {
		return cw.n, err
	}

	files := []struct{ name, body string }{
		{"META-INF/container.xml", containerXML},
		{"OEBPS/content.opf", b.packageDocument()},
		{"OEBPS/nav.xhtml", b.navDocument()},
		{"OEBPS/toc.ncx", b.ncxDocument()},
		{"OEBPS/styles/style.css", stylesheet},
	}
	for _, ch := range b.chapters {
		files = append(files, struct{ name, body string }{
			"OEBPS/chapters/" + ch.id() + ".xhtml", b.chapterDocument(ch),
		})
	}
	for _, f := range files {
		fw, err := zw.Create(f.name)
		if err != nil {
			return cw.n, fmt.Errorf("failed to create %s: %w", f.name, err)
		}
		if _, err := io.WriteString(fw, f.body); err != nil {
			return cw.n, fmt.Errorf("failed to write %s: %w", f.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func escapeXML(s string) string { return xmlEscaper.Replace(s) }

const containerXML = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>
`

const stylesheet = `body {
  font-family: Georgia, "Times New Roman", serif;
  line-height: 1.6;
  margin: 1em;
}

h1 {
  font-size: 1.6em;
  text-align: center;
  margin: 2em 0 1em;
}

p {
  margin: 0.4em 0;
  text-indent: 1.5em;
}

h1 + p {
  text-indent: 0;
}
`
