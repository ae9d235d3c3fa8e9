package layout

import (
	"testing"

	"github.com/msfg/taxdoc/internal/document"
)

func TestSegmentTextBlocks(t *testing.T) {
	text := "SCHEDULE C (Form 1040)\nProfit or Loss From Business\n\n" +
		"Description          Amount      Total\n" +
		"Gross receipts       69,297      69,297\n" +
		"Returns              1,000       68,297\n\n" +
		"31 Net profit or (loss) ... 69,297"

	regions := segmentText(0, text)
	if len(regions) != 3 {
		t.Fatalf("regions = %d, want 3 blank-line separated blocks", len(regions))
	}
	if regions[0].Type != document.RegionHeader {
		t.Errorf("first block type = %s, want header (top of page)", regions[0].Type)
	}
	if regions[1].Type != document.RegionTable {
		t.Errorf("columnar block type = %s, want table", regions[1].Type)
	}
	if regions[2].Type != document.RegionKeyValue {
		t.Errorf("last block type = %s, want key_value", regions[2].Type)
	}
}

func TestSegmentTextBoxes(t *testing.T) {
	regions := segmentText(0, "ab\ncdef\n\nxyz")
	if len(regions) != 2 {
		t.Fatalf("regions = %d, want 2", len(regions))
	}
	first := regions[0].Box
	if first.Y != 0 || first.H != 2 || first.W != 4 {
		t.Errorf("first box = %+v, want Y=0 H=2 W=4", first)
	}
	second := regions[1].Box
	if second.Y != 3 || second.H != 1 {
		t.Errorf("second box = %+v, want Y=3 H=1", second)
	}
}

func TestResolveOverlapsTighterBoxWins(t *testing.T) {
	regions := []document.Region{
		{Box: document.Box{X: 0, Y: 0, W: 100, H: 100}, Type: document.RegionKeyValue},
		{Box: document.Box{X: 10, Y: 10, W: 20, H: 20}, Type: document.RegionTable},
	}
	kept := resolveOverlaps(regions)
	if len(kept) != 1 {
		t.Fatalf("kept = %d, want 1", len(kept))
	}
	if kept[0].Box.W != 20 {
		t.Error("the tighter box must win the overlap")
	}
}

func TestResolveOverlapsAreaTieUsesPriority(t *testing.T) {
	regions := []document.Region{
		{Box: document.Box{X: 0, Y: 0, W: 10, H: 10}, Type: document.RegionHeader},
		{Box: document.Box{X: 5, Y: 5, W: 10, H: 10}, Type: document.RegionTable},
	}
	kept := resolveOverlaps(regions)
	if len(kept) != 1 {
		t.Fatalf("kept = %d, want 1", len(kept))
	}
	if kept[0].Type != document.RegionTable {
		t.Errorf("kept %s; on equal area the higher-priority type stays", kept[0].Type)
	}
}

func TestResolveOverlapsKeepsReadingOrder(t *testing.T) {
	regions := []document.Region{
		{Box: document.Box{X: 0, Y: 50, W: 10, H: 10}},
		{Box: document.Box{X: 0, Y: 0, W: 30, H: 10}},
		{Box: document.Box{X: 40, Y: 0, W: 20, H: 10}},
	}
	kept := resolveOverlaps(regions)
	if len(kept) != 3 {
		t.Fatalf("kept = %d, want all 3 disjoint regions", len(kept))
	}
	if kept[0].Box.Y != 0 || kept[0].Box.X != 0 || kept[2].Box.Y != 50 {
		t.Errorf("regions out of reading order: %+v", kept)
	}
}

func TestBands(t *testing.T) {
	ink := []int{0, 0, 5, 6, 7, 0, 0, 8, 9, 0}
	got := bands(ink, 2)
	if len(got) != 2 {
		t.Fatalf("bands = %d, want 2", len(got))
	}
	if got[0].start != 2 || got[0].end != 5 {
		t.Errorf("first band = %+v, want [2,5)", got[0])
	}
	if got[1].start != 7 || got[1].end != 9 {
		t.Errorf("second band = %+v, want [7,9)", got[1])
	}
}

func TestGroupLines(t *testing.T) {
	lines := []span{{0, 10}, {12, 20}, {60, 70}}
	got := groupLines(lines, 5)
	if len(got) != 2 {
		t.Fatalf("groups = %d, want 2 (close bands merge)", len(got))
	}
	if got[0].start != 0 || got[0].end != 20 {
		t.Errorf("merged group = %+v, want [0,20)", got[0])
	}
}
