// Package report renders operator-facing text: stage progress, integrity
// reports and previews of the key result tables.
package report

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"text/tabwriter"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"simwatch/internal/core"
)

// PreviewSettings bounds how much of each output is shown.
type PreviewSettings struct {
	// Rows is the number of data rows read from each table.
	Rows int
	// Columns is the column limit for matrix previews.
	Columns int
	// TextChars is the character limit for text previews.
	TextChars int
	// TextColumn names the column sampled by text previews.
	TextColumn string
}

// DefaultPreviewSettings returns three rows, five columns and 100 characters.
func DefaultPreviewSettings() PreviewSettings {
	return PreviewSettings{
		Rows:       3,
		Columns:    5,
		TextChars:  100,
		TextColumn: "draft_clean",
	}
}

// Presenter renders bounded previews of tabular outputs.
//
// Rendering is best-effort: every failure, including a panic, becomes a
// one-line message in the output and is never returned.
type Presenter struct {
	Settings PreviewSettings

	open func(name string) (io.ReadCloser, error)
}

// NewPresenter fills zero settings from DefaultPreviewSettings.
func NewPresenter(s PreviewSettings) *Presenter {
	def := DefaultPreviewSettings()
	if s.Rows <= 0 {
		s.Rows = def.Rows
	}
	if s.Columns <= 0 {
		s.Columns = def.Columns
	}
	if s.TextChars <= 0 {
		s.TextChars = def.TextChars
	}
	if s.TextColumn == "" {
		s.TextColumn = def.TextColumn
	}
	return &Presenter{Settings: s}
}

// Render writes a header and a preview for every output that has a
// preview mode.
func (p *Presenter) Render(w io.Writer, outputs []core.OutputSpec) {
	for _, o := range outputs {
		if o.Preview == core.PreviewNone {
			continue
		}
		fmt.Fprintf(w, "\n> file: %s\n", o.Name())
		fmt.Fprintln(w, p.Preview(o))
	}
}

// Preview returns the preview text of one output.
func (p *Presenter) Preview(o core.OutputSpec) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = fmt.Sprintf("preview failed: %v", r)
		}
	}()

	header, rows, err := p.readTable(o.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Sprintf("file missing: %s", o.Name())
	}
	if err != nil {
		return fmt.Sprintf("preview failed: %v", err)
	}

	switch o.Preview {
	case core.PreviewText:
		s, err := p.textSample(header, rows)
		if err != nil {
			return fmt.Sprintf("preview failed: %v", err)
		}
		return fmt.Sprintf("text sample: %s...", s)
	case core.PreviewMatrix:
		n := min(p.Settings.Columns, len(header))
		return formatTable(header, rows, n)
	case core.PreviewSimilarity:
		return formatTable(header, rows, len(header))
	default:
		return fmt.Sprintf("unknown preview mode %q", o.Preview)
	}
}

// readTable reads the header and at most Settings.Rows records. The file
// is decoded as UTF-8 with an optional byte-order mark.
func (p *Presenter) readTable(path string) ([]string, [][]string, error) {
	open := p.open
	if open == nil {
		open = func(name string) (io.ReadCloser, error) { return os.Open(name) }
	}
	f, err := open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	r := csv.NewReader(transform.NewReader(f, dec))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil, errors.New("empty file")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}

	var rows [][]string
	for len(rows) < p.Settings.Rows {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read row %d: %w", len(rows)+1, err)
		}
		rows = append(rows, rec)
	}
	return header, rows, nil
}

func (p *Presenter) textSample(header []string, rows [][]string) (string, error) {
	col := -1
	for i, h := range header {
		if strings.TrimSpace(h) == p.Settings.TextColumn {
			col = i
			break
		}
	}
	if col < 0 {
		return "", fmt.Errorf("column %q not found", p.Settings.TextColumn)
	}
	if len(rows) == 0 {
		return "", errors.New("no data rows")
	}
	if col >= len(rows[0]) {
		return "", fmt.Errorf("first row has no %q value", p.Settings.TextColumn)
	}
	return truncateRunes(rows[0][col], p.Settings.TextChars), nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// formatTable aligns the first ncols columns of header and rows.
func formatTable(header []string, rows [][]string, ncols int) string {
	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	writeRow := func(rec []string) {
		cells := make([]string, ncols)
		for i := 0; i < ncols && i < len(rec); i++ {
			cells[i] = rec[i]
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	writeRow(header)
	for _, rec := range rows {
		writeRow(rec)
	}
	_ = tw.Flush()
	return strings.TrimRight(buf.String(), "\n")
}
