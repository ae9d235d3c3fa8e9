package table

import (
	"image"
	"testing"

	"github.com/msfg/taxdoc/internal/document"
)

// gridImage draws a white canvas with full-extent black rules at the given
// rows and columns.
func gridImage(w, h int, hRules, vRules []int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	for _, y := range hRules {
		for x := 0; x < w; x++ {
			img.Pix[y*img.Stride+x] = 0
		}
	}
	for _, x := range vRules {
		for y := 0; y < h; y++ {
			img.Pix[y*img.Stride+x] = 0
		}
	}
	return img
}

func TestRulingGridSimple(t *testing.T) {
	img := gridImage(100, 60, []int{0, 15, 30, 45, 59}, []int{0, 50, 99})
	box := document.Box{X: 0, Y: 0, W: 100, H: 60}

	grid := rulingGrid(img, box)
	if grid == nil {
		t.Fatal("expected a grid from a fully ruled table")
	}
	if grid.Rows != 4 || grid.Cols != 2 {
		t.Fatalf("grid = %dx%d, want 4x2", grid.Rows, grid.Cols)
	}
	if grid.Strategy != "ruling" {
		t.Errorf("strategy = %q, want ruling", grid.Strategy)
	}
	if len(grid.Cells) != 8 {
		t.Errorf("cells = %d, want 8", len(grid.Cells))
	}
	for _, c := range grid.Cells {
		if c.RowSpan != 1 || c.ColSpan != 1 {
			t.Errorf("cell (%d,%d) has span %dx%d, want 1x1", c.Row, c.Col, c.RowSpan, c.ColSpan)
		}
	}
}

func TestRulingGridMergedCell(t *testing.T) {
	img := gridImage(100, 60, []int{0, 15, 30, 45, 59}, []int{0, 50, 99})
	// Erase the middle vertical rule across the last row: its two cells merge.
	for y := 46; y < 59; y++ {
		img.Pix[y*img.Stride+50] = 255
	}
	box := document.Box{X: 0, Y: 0, W: 100, H: 60}

	grid := rulingGrid(img, box)
	if grid == nil {
		t.Fatal("expected a grid")
	}
	if grid.Rows != 4 || grid.Cols != 2 {
		t.Fatalf("grid = %dx%d, want 4x2", grid.Rows, grid.Cols)
	}
	// 3 full rows of 2 cells plus one merged cell.
	if len(grid.Cells) != 7 {
		t.Fatalf("cells = %d, want 7", len(grid.Cells))
	}
	merged := 0
	for _, c := range grid.Cells {
		if c.ColSpan == 2 {
			merged++
			if c.Row != 3 || c.Col != 0 {
				t.Errorf("merged cell at (%d,%d), want (3,0)", c.Row, c.Col)
			}
		}
	}
	if merged != 1 {
		t.Errorf("merged cells = %d, want 1", merged)
	}
}

func TestRulingGridNeedsTwoRulesEachWay(t *testing.T) {
	img := gridImage(100, 60, []int{0, 59}, nil)
	if grid := rulingGrid(img, document.Box{X: 0, Y: 0, W: 100, H: 60}); grid != nil {
		t.Error("a box without vertical rules must not produce a ruling grid")
	}
}

func TestReconcile(t *testing.T) {
	ruling := &document.TableStructure{Rows: 2, Cols: 2, Strategy: "ruling",
		Cells: make([]document.Cell, 4)}
	agreeing := &document.TableStructure{Rows: 2, Cols: 2, Strategy: "stream",
		Cells: make([]document.Cell, 4)}
	disagreeing := &document.TableStructure{Rows: 3, Cols: 2, Strategy: "stream",
		Cells: make([]document.Cell, 6)}

	t.Run("agreement keeps ruling", func(t *testing.T) {
		got := reconcile(ruling, agreeing, 4)
		if got.Strategy != "ruling" || got.LowConfidence {
			t.Errorf("got %q low=%v, want ruling at full confidence", got.Strategy, got.LowConfidence)
		}
	})
	t.Run("fragment count breaks disagreement", func(t *testing.T) {
		got := reconcile(ruling, disagreeing, 6)
		if got.Strategy != "stream" {
			t.Errorf("got %q, want stream (its cell count matches the fragments)", got.Strategy)
		}
	})
	t.Run("no match keeps ruling flagged", func(t *testing.T) {
		r := &document.TableStructure{Rows: 2, Cols: 2, Strategy: "ruling", Cells: make([]document.Cell, 4)}
		got := reconcile(r, disagreeing, 99)
		if got.Strategy != "ruling" || !got.LowConfidence {
			t.Errorf("got %q low=%v, want ruling flagged low-confidence", got.Strategy, got.LowConfidence)
		}
	})
	t.Run("one missing strategy wins by default", func(t *testing.T) {
		if got := reconcile(nil, disagreeing, 0); got != disagreeing {
			t.Error("nil ruling must fall through to stream")
		}
		if got := reconcile(ruling, nil, 0); got != ruling {
			t.Error("nil stream must fall through to ruling")
		}
	})
}

func TestExtractFromText(t *testing.T) {
	lines := []string{
		"Description          Amount      Total",
		"Gross receipts       69,297      69,297",
		"Returns              1,000       68,297",
	}
	grid := extractFromText(lines)
	if grid == nil {
		t.Fatal("expected a grid from columnar text")
	}
	if grid.Rows != 3 || grid.Cols != 3 {
		t.Fatalf("grid = %dx%d, want 3x3", grid.Rows, grid.Cols)
	}
	if len(grid.Cells) != 9 {
		t.Fatalf("cells = %d, want 9", len(grid.Cells))
	}
	var found bool
	for _, c := range grid.Cells {
		if c.Row == 1 && c.Col == 1 {
			found = true
			if c.Text != "69,297" {
				t.Errorf("cell (1,1) text = %q, want 69,297", c.Text)
			}
		}
	}
	if !found {
		t.Error("cell (1,1) missing")
	}
}

func TestExtractFromTextSpan(t *testing.T) {
	lines := []string{
		"Part II Expenses for the business          Amount",
		"Meals                12,000                1,200",
	}
	grid := extractFromText(lines)
	if grid == nil {
		t.Fatal("expected a grid")
	}
	// The first line's opening cell stretches over the first two column
	// starts of the second line.
	var span int
	for _, c := range grid.Cells {
		if c.Row == 0 && c.Col == 0 {
			span = c.ColSpan
		}
	}
	if span < 2 {
		t.Errorf("wide header cell span = %d, want >= 2", span)
	}
}

func TestRunSkipsNonTableRegions(t *testing.T) {
	page := &document.Page{
		Index:    0,
		Embedded: true,
		Text:     "a  b\nc  d",
		Regions: []document.Region{
			{Type: document.RegionKeyValue, Box: document.Box{Y: 0, H: 2}},
			{Type: document.RegionTable, Box: document.Box{Y: 0, H: 2}},
		},
	}
	if err := NewExtractor(nil).Run(page); err != nil {
		t.Fatal(err)
	}
	if page.Regions[0].Table != nil {
		t.Error("key-value region must not get a table structure")
	}
	if page.Regions[1].Table == nil {
		t.Error("table region must get a table structure")
	}
}
