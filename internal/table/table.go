// Package table recovers row/column structure for regions typed "table".
// Two independent strategies run — one trusting visible ruling lines, one
// trusting whitespace columns — and their grids are reconciled instead of
// silently guessing.
package table

import (
	"image"
	"log/slog"
	"strings"

	"github.com/msfg/taxdoc/internal/document"
)

// Extractor implements the table-structure stage.
type Extractor struct {
	logger *slog.Logger
}

func NewExtractor(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger}
}

// Run fills region.Table for every table region on the page.
func (e *Extractor) Run(page *document.Page) error {
	for i := range page.Regions {
		r := &page.Regions[i]
		if r.Type != document.RegionTable {
			continue
		}
		if page.Embedded {
			r.Table = extractFromText(regionLines(page.Text, r.Box))
		} else if bin, ok := page.Image.(*image.Gray); ok {
			r.Table = e.extractFromRaster(bin, r.Box)
		}
		if r.Table != nil {
			e.logger.Debug("table.ok",
				"page", page.Index,
				"rows", r.Table.Rows,
				"cols", r.Table.Cols,
				"strategy", r.Table.Strategy,
				"low_confidence", r.Table.LowConfidence,
			)
		}
	}
	return nil
}

func (e *Extractor) extractFromRaster(bin *image.Gray, box document.Box) *document.TableStructure {
	frags := fragments(bin, box)

	ruling := rulingGrid(bin, box)
	stream := streamGrid(frags)

	return reconcile(ruling, stream, len(frags))
}

// reconcile prefers agreement; on disagreement the strategy whose cell count
// matches the observed fragment count wins, and when neither matches the
// ruling grid is kept but flagged low-confidence.
func reconcile(ruling, stream *document.TableStructure, fragCount int) *document.TableStructure {
	switch {
	case ruling == nil && stream == nil:
		return &document.TableStructure{Rows: 0, Cols: 0, Strategy: "stream", LowConfidence: true}
	case ruling == nil:
		return stream
	case stream == nil:
		return ruling
	}
	if ruling.Rows == stream.Rows && ruling.Cols == stream.Cols {
		return ruling
	}
	if cellCount(ruling) == fragCount {
		return ruling
	}
	if cellCount(stream) == fragCount {
		return stream
	}
	ruling.LowConfidence = true
	return ruling
}

func cellCount(t *document.TableStructure) int {
	return len(t.Cells)
}

// --- ruling strategy ---

// rulingGrid derives the grid from long horizontal and vertical ink lines.
// Merged cells appear as spans where the separating rule segment is absent.
func rulingGrid(bin *image.Gray, box document.Box) *document.TableStructure {
	hRules := horizontalRules(bin, box)
	vRules := verticalRules(bin, box)
	if len(hRules) < 2 || len(vRules) < 2 {
		return nil
	}
	rows := len(hRules) - 1
	cols := len(vRules) - 1

	t := &document.TableStructure{Rows: rows, Cols: cols, Strategy: "ruling"}
	covered := make(map[[2]int]bool)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if covered[[2]int{r, c}] {
				continue
			}
			colSpan := 1
			for c+colSpan < cols && !separatorPresent(bin, box, vRules[c+colSpan], hRules[r], hRules[r+1], true) {
				covered[[2]int{r, c + colSpan}] = true
				colSpan++
			}
			rowSpan := 1
			for r+rowSpan < rows && !separatorPresent(bin, box, hRules[r+rowSpan], vRules[c], vRules[c+colSpan], false) {
				for cc := c; cc < c+colSpan; cc++ {
					covered[[2]int{r + rowSpan, cc}] = true
				}
				rowSpan++
			}
			t.Cells = append(t.Cells, document.Cell{Row: r, Col: c, RowSpan: rowSpan, ColSpan: colSpan})
		}
	}
	return t
}

func horizontalRules(bin *image.Gray, box document.Box) []int {
	b := bin.Bounds()
	var rules []int
	prev := false
	for y := box.Y; y < box.Y+box.H; y++ {
		run, best := 0, 0
		for x := box.X; x < box.X+box.W; x++ {
			if bin.GrayAt(b.Min.X+x, b.Min.Y+y).Y == 0 {
				run++
				if run > best {
					best = run
				}
			} else {
				run = 0
			}
		}
		isRule := best >= box.W*3/5
		if isRule && !prev {
			rules = append(rules, y)
		}
		prev = isRule
	}
	return rules
}

func verticalRules(bin *image.Gray, box document.Box) []int {
	b := bin.Bounds()
	var rules []int
	prev := false
	for x := box.X; x < box.X+box.W; x++ {
		run, best := 0, 0
		for y := box.Y; y < box.Y+box.H; y++ {
			if bin.GrayAt(b.Min.X+x, b.Min.Y+y).Y == 0 {
				run++
				if run > best {
					best = run
				}
			} else {
				run = 0
			}
		}
		isRule := best >= box.H*3/5
		if isRule && !prev {
			rules = append(rules, x)
		}
		prev = isRule
	}
	return rules
}

// separatorPresent checks for an ink run along the candidate rule between two
// bounds; a missing run means the neighboring cells are merged.
func separatorPresent(bin *image.Gray, box document.Box, pos, from, to int, vertical bool) bool {
	b := bin.Bounds()
	ink, total := 0, 0
	for i := from; i < to; i++ {
		total++
		var px, py int
		if vertical {
			px, py = pos, i
		} else {
			px, py = i, pos
		}
		if px < box.X || py < box.Y || px >= box.X+box.W || py >= box.Y+box.H {
			continue
		}
		if bin.GrayAt(b.Min.X+px, b.Min.Y+py).Y == 0 {
			ink++
		}
	}
	return total > 0 && float64(ink)/float64(total) > 0.5
}

// --- stream (whitespace) strategy ---

type fragment struct{ box document.Box }

// fragments finds connected ink clusters: line bands split on horizontal
// whitespace gaps.
func fragments(bin *image.Gray, box document.Box) []fragment {
	b := bin.Bounds()
	var out []fragment

	inBand := false
	bandStart := 0
	for y := box.Y; y <= box.Y+box.H; y++ {
		ink := 0
		if y < box.Y+box.H {
			for x := box.X; x < box.X+box.W; x++ {
				if bin.GrayAt(b.Min.X+x, b.Min.Y+y).Y == 0 {
					ink++
				}
			}
		}
		// Rule rows are structure, not content.
		isText := ink > 2 && ink < box.W*3/5
		if isText && !inBand {
			inBand = true
			bandStart = y
		} else if !isText && inBand {
			inBand = false
			out = append(out, splitBand(bin, box, bandStart, y)...)
		}
	}
	return out
}

func splitBand(bin *image.Gray, box document.Box, top, bottom int) []fragment {
	b := bin.Bounds()
	cols := make([]bool, box.W)
	for x := 0; x < box.W; x++ {
		for y := top; y < bottom; y++ {
			if bin.GrayAt(b.Min.X+box.X+x, b.Min.Y+y).Y == 0 {
				cols[x] = true
				break
			}
		}
	}

	const gapMin = 12 // pixels of whitespace separating fragments at 300 DPI
	var out []fragment
	start, gap := -1, gapMin
	for x := 0; x <= box.W; x++ {
		inked := x < box.W && cols[x]
		if inked {
			if start < 0 {
				start = x
			}
			gap = 0
			continue
		}
		gap++
		if start >= 0 && (gap >= gapMin || x == box.W) {
			out = append(out, fragment{box: document.Box{
				X: box.X + start, Y: top, W: x - gap + 1 - start, H: bottom - top,
			}})
			start = -1
		}
	}
	return out
}

// streamGrid clusters fragments into whitespace-delimited columns and line
// rows.
func streamGrid(frags []fragment) *document.TableStructure {
	if len(frags) == 0 {
		return nil
	}

	rowTops := clusterValues(frags, func(f fragment) int { return f.box.Y }, 10)
	colLefts := clusterValues(frags, func(f fragment) int { return f.box.X }, 30)
	if len(rowTops) == 0 || len(colLefts) == 0 {
		return nil
	}

	t := &document.TableStructure{Rows: len(rowTops), Cols: len(colLefts), Strategy: "stream"}
	for _, f := range frags {
		r := nearestIndex(rowTops, f.box.Y)
		c := nearestIndex(colLefts, f.box.X)
		t.Cells = append(t.Cells, document.Cell{Row: r, Col: c, RowSpan: 1, ColSpan: 1})
	}
	return t
}

func clusterValues(frags []fragment, key func(fragment) int, tolerance int) []int {
	var centers []int
	for _, f := range frags {
		v := key(f)
		found := false
		for i, c := range centers {
			if abs(c-v) <= tolerance {
				centers[i] = (c + v) / 2
				found = true
				break
			}
		}
		if !found {
			centers = append(centers, v)
		}
	}
	// Insertion sort keeps this dependency-free and deterministic.
	for i := 1; i < len(centers); i++ {
		for j := i; j > 0 && centers[j] < centers[j-1]; j-- {
			centers[j], centers[j-1] = centers[j-1], centers[j]
		}
	}
	return centers
}

func nearestIndex(centers []int, v int) int {
	best, bestDist := 0, 1<<31-1
	for i, c := range centers {
		if d := abs(c - v); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// --- embedded text ---

func regionLines(text string, box document.Box) []string {
	lines := strings.Split(text, "\n")
	if box.Y >= len(lines) {
		return nil
	}
	end := box.Y + box.H
	if end > len(lines) {
		end = len(lines)
	}
	return lines[box.Y:end]
}

// extractFromText builds the grid from layout-preserved text. Column starts
// come from the union of 2+-space separations across lines; a cell stretching
// over several column starts becomes an explicit span.
func extractFromText(lines []string) *document.TableStructure {
	type cellPos struct {
		row, start, end int
		text            string
	}
	var cells []cellPos
	row := 0
	for _, ln := range lines {
		if strings.TrimSpace(ln) == "" {
			continue
		}
		for _, c := range columnSpans(ln) {
			cells = append(cells, cellPos{row: row, start: c.start, end: c.end, text: c.text})
		}
		row++
	}
	if len(cells) == 0 {
		return nil
	}

	var starts []int
	for _, c := range cells {
		found := false
		for _, s := range starts {
			if abs(s-c.start) <= 2 {
				found = true
				break
			}
		}
		if !found {
			starts = append(starts, c.start)
		}
	}
	for i := 1; i < len(starts); i++ {
		for j := i; j > 0 && starts[j] < starts[j-1]; j-- {
			starts[j], starts[j-1] = starts[j-1], starts[j]
		}
	}

	t := &document.TableStructure{Rows: row, Cols: len(starts), Strategy: "stream"}
	for _, c := range cells {
		col := nearestIndex(starts, c.start)
		span := 1
		for col+span < len(starts) && starts[col+span] < c.end {
			span++
		}
		t.Cells = append(t.Cells, document.Cell{Row: c.row, Col: col, RowSpan: 1, ColSpan: span, Text: c.text})
	}
	return t
}

type textColumn struct {
	start, end int
	text       string
}

func columnSpans(line string) []textColumn {
	var out []textColumn
	i := 0
	for i < len(line) {
		for i < len(line) && line[i] == ' ' {
			i++
		}
		if i >= len(line) {
			break
		}
		start := i
		gap := 0
		for i < len(line) && gap < 2 {
			if line[i] == ' ' {
				gap++
			} else {
				gap = 0
			}
			i++
		}
		end := i - gap
		out = append(out, textColumn{start: start, end: end, text: strings.TrimSpace(line[start:end])})
	}
	return out
}
