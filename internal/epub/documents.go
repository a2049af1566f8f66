package epub

import (
	"fmt"
	"strings"
)

func (b *Builder) packageDocument() string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="pub-id">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
`)
	fmt.Fprintf(&sb, "    <dc:identifier id=\"pub-id\">%s</dc:identifier>\n", escapeXML(b.book.ID))
	fmt.Fprintf(&sb, "    <dc:title>%s</dc:title>\n", escapeXML(b.book.Title))
	if b.book.Creator != "" {
		fmt.Fprintf(&sb, "    <dc:creator>%s</dc:creator>\n", escapeXML(b.book.Creator))
	}
	fmt.Fprintf(&sb, "    <dc:language>%s</dc:language>\n", escapeXML(b.book.Language))
	fmt.Fprintf(&sb, "    <meta property=\"dcterms:modified\">%s</meta>\n",
		b.book.Modified.UTC().Format("2006-01-02T15:04:05Z"))
	sb.WriteString("  </metadata>\n  <manifest>\n")
	sb.WriteString("    <item id=\"nav\" href=\"nav.xhtml\" media-type=\"application/xhtml+xml\" properties=\"nav\"/>\n")
	sb.WriteString("    <item id=\"ncx\" href=\"toc.ncx\" media-type=\"application/x-dtbncx+xml\"/>\n")
	sb.WriteString("    <item id=\"style\" href=\"styles/style.css\" media-type=\"text/css\"/>\n")
	for _, ch := range b.chapters {
		fmt.Fprintf(&sb, "    <item id=\"%s\" href=\"chapters/%s.xhtml\" media-type=\"application/xhtml+xml\"/>\n", ch.id(), ch.id())
	}
	sb.WriteString("  </manifest>\n  <spine toc=\"ncx\">\n")
	for _, ch := range b.chapters {
		fmt.Fprintf(&sb, "    <itemref idref=\"%s\"/>\n", ch.id())
	}
	sb.WriteString("  </spine>\n</package>\n")
	return sb.String()
}

func (b *Builder) navDocument() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE html>
<html xmlns="http://www.w3.org/1999/xhtml" xmlns:epub="http://www.idpf.org/2007/ops" xml:lang="%s">
<head>
  <title>%s</title>
</head>
<body>
  <nav epub:type="toc" id="toc">
    <h1>Contents</h1>
    <ol>
`, escapeXML(b.book.Language), escapeXML(b.book.Title))
	for _, ch := range b.chapters {
		fmt.Fprintf(&sb, "      <li><a href=\"chapters/%s.xhtml\">%s</a></li>\n", ch.id(), escapeXML(ch.heading()))
	}
	sb.WriteString("    </ol>\n  </nav>\n</body>\n</html>\n")
	return sb.String()
}

// ncxDocument keeps EPUB 2 readers working.
func (b *Builder) ncxDocument() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `<?xml version="1.0" encoding="UTF-8"?>
<ncx xmlns="http://www.daisy.org/z3986/2005/ncx/" version="2005-1">
  <head>
    <meta name="dtb:uid" content="%s"/>
  </head>
  <docTitle><text>%s</text></docTitle>
  <navMap>
`, escapeXML(b.book.ID), escapeXML(b.book.Title))
	for i, ch := range b.chapters {
		fmt.Fprintf(&sb, "    <navPoint id=\"nav-%s\" playOrder=\"%d\">\n", ch.id(), i+1)
		fmt.Fprintf(&sb, "      <navLabel><text>%s</text></navLabel>\n", escapeXML(ch.heading()))
		fmt.Fprintf(&sb, "      <content src=\"chapters/%s.xhtml\"/>\n", ch.id())
		sb.WriteString("    </navPoint>\n")
	}
	sb.WriteString("  </navMap>\n</ncx>\n")
	return sb.String()
}

func (b *Builder) chapterDocument(ch Chapter) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE html>
<html xmlns="http://www.w3.org/1999/xhtml" xml:lang="%s">
<head>
  <title>%s</title>
  <link rel="stylesheet" type="text/css" href="../styles/style.css"/>
</head>
<body>
  <h1>%s</h1>
`, escapeXML(b.book.Language), escapeXML(ch.heading()), escapeXML(ch.heading()))
	for _, p := range Paragraphs(ch.Text) {
		fmt.Fprintf(&sb, "  <p>%s</p>\n", escapeXML(p))
	}
	sb.WriteString("</body>\n</html>\n")
	return sb.String()
}

// Paragraphs splits text on blank lines. Single line breaks inside a
// paragraph are folded into spaces.
func Paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, block := range strings.Split(text, "\n\n") {
		lines := strings.Fields(strings.ReplaceAll(block, "\n", " "))
		if len(lines) == 0 {
			continue
		}
		out = append(out, strings.Join(lines, " "))
	}
	return out
}
