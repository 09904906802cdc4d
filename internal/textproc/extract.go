package textproc

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"narrator/internal/services"
)

// Format identifies a supported source file type.
type Format string

const (
	FormatText Format = "txt"
	FormatHTML Format = "html"
	FormatEPUB Format = "epub"
)

// TOCEntry is one source-declared chapter boundary, in reading order.
type TOCEntry struct {
	Title string
	// Offset is the byte offset of the entry's text in Document.Text, or -1
	// when the boundary could not be located.
	Offset int
}

// Document is the extraction result for one source file.
type Document struct {
	Format Format
	Title  string
	Author string
	Text   string
	TOC    []TOCEntry
}

// Extract reads the file at filePath and returns its cleaned plain text plus
// whatever metadata the format carries. Unsupported formats return
// services.ErrUnsupportedFormat.
func Extract(filePath string) (*Document, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read source file: %w", err)
	}

	format, err := detectFormat(filePath, data)
	if err != nil {
		return nil, err
	}

	var doc *Document
	switch format {
	case FormatText:
		doc = &Document{Format: FormatText, Text: string(data)}
	case FormatHTML:
		doc, err = extractHTML(data)
	case FormatEPUB:
		doc, err = extractEPUB(data)
	default:
		return nil, services.Wrap(services.ErrUnsupportedFormat, "textproc", "extract",
			fmt.Sprintf("no extractor for format %q", format), nil)
	}
	if err != nil {
		return nil, err
	}

	doc.Text = Clean(doc.Text)
	locateTOC(doc)
	return doc, nil
}

func detectFormat(filePath string, data []byte) (Format, error) {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".txt", ".text":
		return FormatText, nil
	case ".html", ".htm", ".xhtml":
		return FormatHTML, nil
	case ".epub":
		return FormatEPUB, nil
	}

	// Extension unknown or missing: check content signatures.
	switch {
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		return FormatEPUB, nil
	case bytes.HasPrefix(data, []byte("%PDF")):
		return "", services.Wrap(services.ErrUnsupportedFormat, "textproc", "detect",
			"PDF sources are not supported", nil)
	case looksLikeHTML(data):
		return FormatHTML, nil
	case isMostlyText(data):
		return FormatText, nil
	}
	return "", services.Wrap(services.ErrUnsupportedFormat, "textproc", "detect",
		fmt.Sprintf("unrecognized file type for %s", filepath.Base(filePath)), nil)
}

func looksLikeHTML(data []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(data))
	if len(head) > 256 {
		head = head[:256]
	}
	return bytes.HasPrefix(head, []byte("<!doctype html")) ||
		bytes.HasPrefix(head, []byte("<html")) ||
		bytes.Contains(head, []byte("<head")) ||
		bytes.Contains(head, []byte("<body"))
}

func isMostlyText(data []byte) bool {
	sample := data
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	if len(sample) == 0 {
		return true
	}
	control := 0
	for _, b := range sample {
		if b == 0 {
			return false
		}
		if b < 0x20 && b != '\n' && b != '\r' && b != '\t' {
			control++
		}
	}
	return control*20 < len(sample)
}

// extractHTML renders the document body as plain text. Headings become TOC
// candidates; block elements produce paragraph breaks.
func extractHTML(data []byte) (*Document, error) {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "textproc", "parse-html",
			"malformed HTML source", err)
	}

	doc := &Document{Format: FormatHTML}
	var sb strings.Builder
	walkHTML(root, &sb, doc)
	doc.Text = sb.String()
	return doc, nil
}

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "section": true, "article": true,
}

var skipTags = map[string]bool{
	"script": true, "style": true, "head": true, "nav": true,
}

func walkHTML(n *html.Node, sb *strings.Builder, doc *Document) {
	if n.Type == html.ElementNode {
		if skipTags[n.Data] {
			if n.Data == "head" {
				if title := findTitle(n); title != "" && doc.Title == "" {
					doc.Title = title
				}
			}
			return
		}
		if n.Data == "h1" || n.Data == "h2" || n.Data == "h3" {
			heading := strings.TrimSpace(textContent(n))
			if heading != "" {
				doc.TOC = append(doc.TOC, TOCEntry{Title: heading, Offset: -1})
			}
		}
	}
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		walkHTML(child, sb, doc)
	}
	if n.Type == html.ElementNode && blockTags[n.Data] {
		sb.WriteString("\n\n")
	}
}

func findTitle(head *html.Node) string {
	for child := head.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.ElementNode && child.Data == "title" {
			return strings.TrimSpace(textContent(child))
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return sb.String()
}

// EPUB container structures, per the OCF/OPF specs. Only the fields the
// extractor needs are mapped.
type epubContainer struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type epubPackage struct {
	Metadata struct {
		Title   string `xml:"title"`
		Creator string `xml:"creator"`
	} `xml:"metadata"`
	Manifest struct {
		Items []struct {
			ID        string `xml:"id,attr"`
			Href      string `xml:"href,attr"`
			MediaType string `xml:"media-type,attr"`
		} `xml:"item"`
	} `xml:"manifest"`
	Spine struct {
		Toc      string `xml:"toc,attr"`
		ItemRefs []struct {
			IDRef string `xml:"idref,attr"`
		} `xml:"itemref"`
	} `xml:"spine"`
}

type ncxDocument struct {
	NavPoints []ncxNavPoint `xml:"navMap>navPoint"`
}

type ncxNavPoint struct {
	PlayOrder int           `xml:"playOrder,attr"`
	Label     string        `xml:"navLabel>text"`
	Children  []ncxNavPoint `xml:"navPoint"`
}

func extractEPUB(data []byte) (*Document, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "textproc", "open-epub",
			"EPUB archive is not a readable zip", err)
	}

	container, err := readEPUBXML[epubContainer](reader, "META-INF/container.xml")
	if err != nil {
		return nil, err
	}
	if len(container.Rootfiles) == 0 {
		return nil, services.Wrap(services.ErrValidation, "textproc", "open-epub",
			"EPUB container declares no rootfile", nil)
	}
	opfPath := container.Rootfiles[0].FullPath

	pkg, err := readEPUBXML[epubPackage](reader, opfPath)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		Format: FormatEPUB,
		Title:  strings.TrimSpace(pkg.Metadata.Title),
		Author: strings.TrimSpace(pkg.Metadata.Creator),
	}

	hrefByID := make(map[string]string, len(pkg.Manifest.Items))
	for _, item := range pkg.Manifest.Items {
		hrefByID[item.ID] = item.Href
	}

	opfDir := path.Dir(opfPath)
	var sb strings.Builder
	for _, ref := range pkg.Spine.ItemRefs {
		href, ok := hrefByID[ref.IDRef]
		if !ok {
			continue
		}
		content, err := readEPUBFile(reader, resolveEPUBPath(opfDir, href))
		if err != nil {
			continue
		}
		part, err := extractHTML(content)
		if err != nil {
			continue
		}
		sb.WriteString(part.Text)
		sb.WriteString("\n\n")
	}
	doc.Text = sb.String()

	if tocHref, ok := hrefByID[pkg.Spine.Toc]; ok {
		if toc := readNCX(reader, resolveEPUBPath(opfDir, tocHref)); len(toc) > 0 {
			doc.TOC = toc
		}
	}
	return doc, nil
}

func readNCX(reader *zip.Reader, ncxPath string) []TOCEntry {
	ncx, err := readEPUBXML[ncxDocument](reader, ncxPath)
	if err != nil {
		return nil
	}
	var flat []ncxNavPoint
	var walk func(points []ncxNavPoint)
	walk = func(points []ncxNavPoint) {
		for _, point := range points {
			flat = append(flat, point)
			walk(point.Children)
		}
	}
	walk(ncx.NavPoints)
	sort.SliceStable(flat, func(i, j int) bool { return flat[i].PlayOrder < flat[j].PlayOrder })

	entries := make([]TOCEntry, 0, len(flat))
	for _, point := range flat {
		label := strings.TrimSpace(point.Label)
		if label != "" {
			entries = append(entries, TOCEntry{Title: label, Offset: -1})
		}
	}
	return entries
}

func readEPUBFile(reader *zip.Reader, name string) ([]byte, error) {
	for _, file := range reader.File {
		if file.Name == name {
			rc, err := file.Open()
			if err != nil {
				return nil, fmt.Errorf("open %s in epub: %w", name, err)
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, fmt.Errorf("epub member %s not found", name)
}

func readEPUBXML[T any](reader *zip.Reader, name string) (*T, error) {
	content, err := readEPUBFile(reader, name)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "textproc", "open-epub",
			fmt.Sprintf("missing EPUB member %s", name), err)
	}
	var out T
	if err := xml.Unmarshal(content, &out); err != nil {
		return nil, services.Wrap(services.ErrValidation, "textproc", "open-epub",
			fmt.Sprintf("malformed EPUB member %s", name), err)
	}
	return &out, nil
}

func resolveEPUBPath(dir, href string) string {
	if dir == "." || dir == "" {
		return href
	}
	return path.Join(dir, href)
}

// locateTOC resolves TOC titles to byte offsets in the cleaned text. Entries
// that cannot be found keep Offset -1 and are ignored by segmentation.
func locateTOC(doc *Document) {
	searchFrom := 0
	for i := range doc.TOC {
		title := doc.TOC[i].Title
		idx := strings.Index(doc.Text[searchFrom:], title)
		if idx < 0 {
			doc.TOC[i].Offset = -1
			continue
		}
		doc.TOC[i].Offset = searchFrom + idx
		searchFrom = searchFrom + idx + len(title)
	}
}
