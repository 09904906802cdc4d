package textproc_test

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"narrator/internal/services"
	"narrator/internal/testsupport"
	"narrator/internal/textproc"
)

func TestExtractPlainText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "book.txt")
	testsupport.WriteText(t, path, "Hello there.\r\nSecond   line.\n")

	doc, err := textproc.Extract(path)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if doc.Format != textproc.FormatText {
		t.Fatalf("format = %q, want txt", doc.Format)
	}
	if doc.Text != "Hello there.\nSecond line." {
		t.Fatalf("unexpected text: %q", doc.Text)
	}
}

func TestExtractHTML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "book.html")
	testsupport.WriteText(t, path, `<!DOCTYPE html>
<html><head><title>Sample Book</title><style>p{color:red}</style></head>
<body>
<h1>Chapter One</h1>
<p>First paragraph.</p>
<p>Second paragraph.</p>
<h1>Chapter Two</h1>
<p>Third paragraph.</p>
<script>alert("never")</script>
</body></html>`)

	doc, err := textproc.Extract(path)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if doc.Title != "Sample Book" {
		t.Fatalf("title = %q, want Sample Book", doc.Title)
	}
	if strings.Contains(doc.Text, "alert") || strings.Contains(doc.Text, "color:red") {
		t.Fatalf("script/style content leaked into text: %q", doc.Text)
	}
	for _, want := range []string{"Chapter One", "First paragraph.", "Third paragraph."} {
		if !strings.Contains(doc.Text, want) {
			t.Fatalf("missing %q in extracted text: %q", want, doc.Text)
		}
	}
	if len(doc.TOC) != 2 || doc.TOC[0].Title != "Chapter One" || doc.TOC[1].Title != "Chapter Two" {
		t.Fatalf("unexpected TOC: %#v", doc.TOC)
	}
	if doc.TOC[0].Offset < 0 || doc.TOC[1].Offset <= doc.TOC[0].Offset {
		t.Fatalf("TOC offsets not located in order: %#v", doc.TOC)
	}
}

func TestExtractDetectsByContentSignature(t *testing.T) {
	dir := t.TempDir()

	// HTML content behind an unknown extension.
	htmlPath := filepath.Join(dir, "download.bin")
	testsupport.WriteText(t, htmlPath, "<html><body><p>Disguised page.</p></body></html>")
	doc, err := textproc.Extract(htmlPath)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if doc.Format != textproc.FormatHTML {
		t.Fatalf("format = %q, want html", doc.Format)
	}

	// PDF is recognized and rejected.
	pdfPath := filepath.Join(dir, "book.dat")
	testsupport.WriteText(t, pdfPath, "%PDF-1.7 gibberish")
	if _, err := textproc.Extract(pdfPath); !errors.Is(err, services.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat for PDF, got %v", err)
	}
}

func TestExtractEPUB(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "book.epub")
	writeTestEPUB(t, path)

	doc, err := textproc.Extract(path)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if doc.Format != textproc.FormatEPUB {
		t.Fatalf("format = %q, want epub", doc.Format)
	}
	if doc.Title != "The Voyage" || doc.Author != "A. Tester" {
		t.Fatalf("unexpected metadata: title=%q author=%q", doc.Title, doc.Author)
	}
	first := strings.Index(doc.Text, "It began at sea.")
	second := strings.Index(doc.Text, "The storm arrived.")
	if first < 0 || second < 0 || second < first {
		t.Fatalf("spine order not preserved: %q", doc.Text)
	}
	if len(doc.TOC) != 2 || doc.TOC[0].Title != "Setting Out" || doc.TOC[1].Title != "The Storm" {
		t.Fatalf("unexpected TOC: %#v", doc.TOC)
	}
}

func TestExtractUnreadableFile(t *testing.T) {
	if _, err := textproc.Extract(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func writeTestEPUB(t *testing.T, path string) {
	t.Helper()

	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)

	files := map[string]string{
		"mimetype": "application/epub+zip",
		"META-INF/container.xml": `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`,
		"OEBPS/content.opf": `<?xml version="1.0"?>
<package xmlns="http://www.idpf.org/2007/opf" xmlns:dc="http://purl.org/dc/elements/1.1/" version="2.0">
  <metadata>
    <dc:title>The Voyage</dc:title>
    <dc:creator>A. Tester</dc:creator>
  </metadata>
  <manifest>
    <item id="ch1" href="ch1.xhtml" media-type="application/xhtml+xml"/>
    <item id="ch2" href="ch2.xhtml" media-type="application/xhtml+xml"/>
    <item id="ncx" href="toc.ncx" media-type="application/x-dtbncx+xml"/>
  </manifest>
  <spine toc="ncx">
    <itemref idref="ch1"/>
    <itemref idref="ch2"/>
  </spine>
</package>`,
		"OEBPS/ch1.xhtml": `<html><body><h2>Setting Out</h2><p>It began at sea.</p></body></html>`,
		"OEBPS/ch2.xhtml": `<html><body><h2>The Storm</h2><p>The storm arrived.</p></body></html>`,
		"OEBPS/toc.ncx": `<?xml version="1.0"?>
<ncx xmlns="http://www.daisy.org/z3986/2005/ncx/" version="2005-1">
  <navMap>
    <navPoint id="n1" playOrder="1"><navLabel><text>Setting Out</text></navLabel><content src="ch1.xhtml"/></navPoint>
    <navPoint id="n2" playOrder="2"><navLabel><text>The Storm</text></navLabel><content src="ch2.xhtml"/></navPoint>
  </navMap>
</ncx>`,
	}
	for name, content := range files {
		entry, err := writer.Create(name)
		if err != nil {
			t.Fatalf("create zip entry %s: %v", name, err)
		}
		if _, err := entry.Write([]byte(content)); err != nil {
			t.Fatalf("write zip entry %s: %v", name, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write epub: %v", err)
	}
}
