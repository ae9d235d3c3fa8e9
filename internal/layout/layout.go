// Package layout partitions a page into typed regions. It is strictly
// per-page: no cross-document state, no learned models, just projection
// profiles and geometry over the binarized raster (or line geometry for
// pages that kept their embedded text).
package layout

import (
	"image"
	"log/slog"
	"sort"
	"strings"

	"github.com/msfg/taxdoc/internal/document"
)

// Detector implements the layout stage.
type Detector struct {
	logger *slog.Logger
}

func NewDetector(logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{logger: logger}
}

// Run fills page.Regions. Regions are emitted with empty text candidates;
// recognition happens downstream.
func (d *Detector) Run(page *document.Page) error {
	var regions []document.Region
	if page.Embedded {
		regions = segmentText(page.Index, page.Text)
	} else if bin, ok := page.Image.(*image.Gray); ok {
		regions = segmentRaster(page.Index, bin)
	}
	page.Regions = resolveOverlaps(regions)
	d.logger.Debug("layout.ok", "page", page.Index, "regions", len(page.Regions))
	return nil
}

// resolveOverlaps drops the looser of any two overlapping proposals: the
// tighter bounding box wins, and on an exact area tie the type earlier in
// priority order (table > key-value > header > checkbox > signature) stays.
func resolveOverlaps(regions []document.Region) []document.Region {
	sort.SliceStable(regions, func(i, j int) bool {
		ai, aj := regions[i].Box.Area(), regions[j].Box.Area()
		if ai != aj {
			return ai < aj
		}
		return regions[i].Type.Priority() < regions[j].Type.Priority()
	})
	var kept []document.Region
	for _, r := range regions {
		overlapped := false
		for _, k := range kept {
			if r.Box.Overlaps(k.Box) {
				overlapped = true
				break
			}
		}
		if !overlapped {
			kept = append(kept, r)
		}
	}
	// Restore reading order for deterministic downstream iteration.
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Box.Y != kept[j].Box.Y {
			return kept[i].Box.Y < kept[j].Box.Y
		}
		return kept[i].Box.X < kept[j].Box.X
	})
	return kept
}

// --- raster segmentation ---

func segmentRaster(pageIndex int, bin *image.Gray) []document.Region {
	b := bin.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil
	}

	rowInk := make([]int, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if bin.GrayAt(b.Min.X+x, b.Min.Y+y).Y == 0 {
				rowInk[y]++
			}
		}
	}

	minInk := w / 200
	if minInk < 2 {
		minInk = 2
	}
	lines := bands(rowInk, minInk)
	blocks := groupLines(lines, h/40)

	var regions []document.Region
	for _, blk := range blocks {
		box := tighten(bin, blk, w)
		if box.W <= 0 || box.H <= 0 {
			continue
		}
		regions = append(regions, document.Region{
			PageIndex: pageIndex,
			Box:       box,
			Type:      classify(bin, box, w, h),
		})
	}
	return regions
}

type span struct{ start, end int }

// bands finds maximal runs of rows whose ink exceeds minInk.
func bands(ink []int, minInk int) []span {
	var out []span
	start := -1
	for i, v := range ink {
		if v > minInk {
			if start < 0 {
				start = i
			}
		} else if start >= 0 {
			out = append(out, span{start, i})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, span{start, len(ink)})
	}
	return out
}

// groupLines merges adjacent line bands separated by less than maxGap rows.
func groupLines(lines []span, maxGap int) []span {
	if maxGap < 4 {
		maxGap = 4
	}
	var out []span
	for _, ln := range lines {
		if n := len(out); n > 0 && ln.start-out[n-1].end < maxGap {
			out[n-1].end = ln.end
		} else {
			out = append(out, ln)
		}
	}
	return out
}

// tighten shrinks a vertical block to its horizontal ink extent.
func tighten(bin *image.Gray, blk span, w int) document.Box {
	b := bin.Bounds()
	left, right := w, -1
	for y := blk.start; y < blk.end; y++ {
		for x := 0; x < w; x++ {
			if bin.GrayAt(b.Min.X+x, b.Min.Y+y).Y == 0 {
				if x < left {
					left = x
				}
				if x > right {
					right = x
				}
			}
		}
	}
	if right < left {
		return document.Box{}
	}
	return document.Box{X: left, Y: blk.start, W: right - left + 1, H: blk.end - blk.start}
}

func classify(bin *image.Gray, box document.Box, pageW, pageH int) document.RegionType {
	rules := rulingLines(bin, box)
	density := inkDensity(bin, box)

	switch {
	case rules >= 2:
		return document.RegionTable
	case box.W < 60 && box.H < 60 && aspectNear(box, 1.0, 0.5):
		return document.RegionCheckbox
	case box.Y+box.H > pageH*3/4 && density < 0.06 && rules == 0 && box.W > pageW/4:
		return document.RegionSignature
	case box.Y < pageH/6 && box.W > pageW*3/5:
		return document.RegionHeader
	default:
		return document.RegionKeyValue
	}
}

// rulingLines counts rows inside the box whose longest ink run spans at least
// half the box width.
func rulingLines(bin *image.Gray, box document.Box) int {
	b := bin.Bounds()
	count := 0
	prevRule := false
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
		isRule := best >= box.W/2 && box.W > 100
		if isRule && !prevRule {
			count++
		}
		prevRule = isRule
	}
	return count
}

func inkDensity(bin *image.Gray, box document.Box) float64 {
	b := bin.Bounds()
	ink := 0
	for y := box.Y; y < box.Y+box.H; y++ {
		for x := box.X; x < box.X+box.W; x++ {
			if bin.GrayAt(b.Min.X+x, b.Min.Y+y).Y == 0 {
				ink++
			}
		}
	}
	return float64(ink) / float64(box.Area())
}

func aspectNear(box document.Box, target, tolerance float64) bool {
	if box.H == 0 {
		return false
	}
	a := float64(box.W) / float64(box.H)
	return a > target-tolerance && a < target+tolerance
}

// --- embedded text segmentation ---

// segmentText synthesizes regions from embedded text line geometry. Boxes use
// line coordinates: Y is the starting line index, H the line count, X/W the
// character extent. The ensemble stage slices page text by these ranges.
func segmentText(pageIndex int, text string) []document.Region {
	lines := strings.Split(text, "\n")
	var regions []document.Region

	blockStart := -1
	flush := func(end int) {
		if blockStart < 0 {
			return
		}
		blk := lines[blockStart:end]
		box := textBox(blockStart, blk)
		regions = append(regions, document.Region{
			PageIndex: pageIndex,
			Box:       box,
			Type:      classifyText(blockStart, blk, len(lines)),
		})
		blockStart = -1
	}

	for i, ln := range lines {
		if strings.TrimSpace(ln) == "" {
			flush(i)
			continue
		}
		if blockStart < 0 {
			blockStart = i
		}
	}
	flush(len(lines))
	return regions
}

func textBox(start int, blk []string) document.Box {
	maxW := 0
	for _, ln := range blk {
		if len(ln) > maxW {
			maxW = len(ln)
		}
	}
	return document.Box{X: 0, Y: start, W: maxW, H: len(blk)}
}

func classifyText(start int, blk []string, totalLines int) document.RegionType {
	columnar := 0
	for _, ln := range blk {
		if len(splitColumns(ln)) >= 3 {
			columnar++
		}
	}
	switch {
	case len(blk) >= 2 && columnar*2 >= len(blk):
		return document.RegionTable
	case start < totalLines/8:
		return document.RegionHeader
	default:
		return document.RegionKeyValue
	}
}

// splitColumns splits a layout-preserved text line on runs of 2+ spaces.
func splitColumns(line string) []string {
	var cols []string
	for _, c := range strings.Split(line, "  ") {
		if s := strings.TrimSpace(c); s != "" {
			cols = append(cols, s)
		}
	}
	return cols
}
