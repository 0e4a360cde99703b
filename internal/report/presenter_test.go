package report

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simwatch/internal/core"
)

const bom = "\xef\xbb\xbf"

func writeCSV(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestPresenter_TextPreviewStripsBOMAndTruncates(t *testing.T) {
	dir := t.TempDir()
	long := strings.Repeat("相似", 80)
	path := writeCSV(t, dir, "text_pairs.csv", bom+"id,draft_clean\n1,"+long+"\n2,second\n")

	p := NewPresenter(PreviewSettings{TextChars: 10})
	got := p.Preview(core.OutputSpec{Path: path, Preview: core.PreviewText})

	assert.Equal(t, "text sample: "+strings.Repeat("相似", 5)+"...", got)
}

func TestPresenter_TextPreviewMissingColumn(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, "t.csv", "id,body\n1,x\n")

	got := NewPresenter(DefaultPreviewSettings()).Preview(core.OutputSpec{Path: path, Preview: core.PreviewText})
	assert.Equal(t, `preview failed: column "draft_clean" not found`, got)
}

func TestPresenter_MatrixPreviewBoundsColumnsAndRows(t *testing.T) {
	dir := t.TempDir()
	body := "doc,t1,t2,t3,t4,t5,t6,t7\n" +
		"d1,0.1,0.2,0.3,0.4,0.5,0.6,0.7\n" +
		"d2,0.1,0.2,0.3,0.4,0.5,0.6,0.7\n" +
		"d3,0.1,0.2,0.3,0.4,0.5,0.6,0.7\n" +
		"d4,0.1,0.2,0.3,0.4,0.5,0.6,0.7\n"
	path := writeCSV(t, dir, "tfidf_matrix.csv", body)

	got := NewPresenter(DefaultPreviewSettings()).Preview(core.OutputSpec{Path: path, Preview: core.PreviewMatrix})
	lines := strings.Split(got, "\n")

	require.Len(t, lines, 4, "header plus three rows")
	assert.Equal(t, []string{"doc", "t1", "t2", "t3", "t4"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"d3", "0.1", "0.2", "0.3", "0.4"}, strings.Fields(lines[3]))
	assert.NotContains(t, got, "d4")
	assert.NotContains(t, got, "t5")
}

func TestPresenter_SimilarityPreviewKeepsAllColumns(t *testing.T) {
	dir := t.TempDir()
	body := bom + "doc_a,doc_b,cos_sim,rank,flag,note\nA,B,0.93,1,y,n\n"
	path := writeCSV(t, dir, "cos_sim_result.csv", body)

	got := NewPresenter(DefaultPreviewSettings()).Preview(core.OutputSpec{Path: path, Preview: core.PreviewSimilarity})
	lines := strings.Split(got, "\n")

	require.Len(t, lines, 2)
	assert.Equal(t, []string{"doc_a", "doc_b", "cos_sim", "rank", "flag", "note"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"A", "B", "0.93", "1", "y", "n"}, strings.Fields(lines[1]))
}

func TestPresenter_MissingAndEmptyFiles(t *testing.T) {
	dir := t.TempDir()
	p := NewPresenter(DefaultPreviewSettings())

	got := p.Preview(core.OutputSpec{Path: filepath.Join(dir, "gone.csv"), Preview: core.PreviewMatrix})
	assert.Equal(t, "file missing: gone.csv", got)

	empty := writeCSV(t, dir, "empty.csv", "")
	assert.Equal(t, "preview failed: empty file", p.Preview(core.OutputSpec{Path: empty, Preview: core.PreviewSimilarity}))
}

type explodingReader struct{}

func (explodingReader) Read([]byte) (int, error) { panic("disk on fire") }
func (explodingReader) Close() error            { return nil }

func TestPresenter_ContainsReadErrorsAndPanics(t *testing.T) {
	p := NewPresenter(DefaultPreviewSettings())

	p.open = func(string) (io.ReadCloser, error) { return nil, errors.New("permission denied") }
	assert.Equal(t, "preview failed: permission denied", p.Preview(core.OutputSpec{Path: "x.csv", Preview: core.PreviewText}))

	p.open = func(string) (io.ReadCloser, error) { return explodingReader{}, nil }
	assert.Equal(t, "preview failed: disk on fire", p.Preview(core.OutputSpec{Path: "x.csv", Preview: core.PreviewText}))
}

func TestPresenter_RenderSkipsOutputsWithoutPreview(t *testing.T) {
	dir := t.TempDir()
	a := writeCSV(t, dir, "a.csv", "x,y\n1,2\n")

	var buf bytes.Buffer
	NewPresenter(DefaultPreviewSettings()).Render(&buf, []core.OutputSpec{
		{Path: a, Preview: core.PreviewSimilarity},
		{Path: filepath.Join(dir, "chart.png")},
	})

	out := buf.String()
	assert.Contains(t, out, "> file: a.csv")
	assert.NotContains(t, out, "chart.png")
}

func TestNewPresenter_AppliesDefaults(t *testing.T) {
	p := NewPresenter(PreviewSettings{})
	assert.Equal(t, DefaultPreviewSettings(), p.Settings)
}
