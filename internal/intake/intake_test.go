package intake

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/msfg/taxdoc/constants"
	"github.com/msfg/taxdoc/internal/common"
)

// minimalPDF assembles a one-page PDF with a correct xref table, computing
// object offsets as it writes.
func minimalPDF() []byte {
	var buf bytes.Buffer
	var offsets []int
	obj := func(s string) {
		offsets = append(offsets, buf.Len())
		buf.WriteString(s)
	}
	buf.WriteString("%PDF-1.7\n")
	obj("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	obj("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")
	obj("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>\nendobj\n")
	xref := buf.Len()
	buf.WriteString("xref\n0 4\n0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size 4 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", xref)
	return buf.Bytes()
}

// encryptPDF round-trips the document through pdfcpu encryption.
func encryptPDF(t *testing.T, data []byte, password string) []byte {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "plain.pdf")
	enc := filepath.Join(dir, "locked.pdf")
	if err := os.WriteFile(src, data, 0o600); err != nil {
		t.Fatal(err)
	}
	conf := model.NewDefaultConfiguration()
	conf.UserPW = password
	conf.OwnerPW = password
	if err := api.EncryptFile(src, enc, conf); err != nil {
		t.Fatal(err)
	}
	out, err := os.ReadFile(enc)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

// stubRunner stands in for the poppler binaries.
type stubRunner struct {
	text string
}

func (r stubRunner) Run(_ context.Context, name string, _ ...string) ([]byte, []byte, error) {
	if strings.Contains(name, "pdftotext") {
		return []byte(r.text), nil, nil
	}
	return nil, nil, fmt.Errorf("unexpected binary %s", name)
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 20, 20))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestNormalizeImage(t *testing.T) {
	n := NewNormalizer(common.IntakeConfig{DPI: 300}, nil, nil)
	doc, err := n.Normalize(context.Background(), Request{
		Bytes:    pngBytes(t),
		Filename: "scan.png",
	})
	if err != nil {
		t.Fatal(err)
	}
	if doc.PageCount != 1 || len(doc.Pages) != 1 {
		t.Fatalf("pages = %d, want 1", doc.PageCount)
	}
	if doc.Pages[0].Image == nil || doc.Pages[0].Embedded {
		t.Error("image intake must produce a raster page")
	}
	if doc.State != constants.StateNormalized {
		t.Errorf("state = %s, want NORMALIZED", doc.State)
	}
}

func TestNormalizeEmptyFile(t *testing.T) {
	n := NewNormalizer(common.IntakeConfig{}, nil, nil)
	_, err := n.Normalize(context.Background(), Request{Filename: "empty.pdf"})
	if !common.IsKind(err, common.KindCorruptedFile) {
		t.Errorf("err = %v, want corrupted file", err)
	}
}

func TestNormalizeUnsupportedFormat(t *testing.T) {
	n := NewNormalizer(common.IntakeConfig{}, nil, nil)
	_, err := n.Normalize(context.Background(), Request{
		Bytes:    []byte("PK\x03\x04 spreadsheet bytes"),
		Filename: "statement.xlsx",
	})
	if !common.IsKind(err, common.KindUnsupportedFormat) {
		t.Errorf("err = %v, want unsupported format", err)
	}
}

func TestNormalizeCorruptPDF(t *testing.T) {
	n := NewNormalizer(common.IntakeConfig{}, nil, nil)
	_, err := n.Normalize(context.Background(), Request{
		Bytes:    []byte("%PDF-1.7 this is not a real pdf body"),
		Filename: "broken.pdf",
	})
	if !common.IsKind(err, common.KindCorruptedFile) {
		t.Errorf("err = %v, want corrupted file", err)
	}
}

func TestNormalizeImageWithBadBytes(t *testing.T) {
	n := NewNormalizer(common.IntakeConfig{}, nil, nil)
	_, err := n.Normalize(context.Background(), Request{
		Bytes:    []byte("not an image at all, just text"),
		Filename: "photo.jpg",
	})
	if !common.IsKind(err, common.KindCorruptedFile) {
		t.Errorf("err = %v, want corrupted file", err)
	}
}

func TestNormalizeEncryptedWithoutPassphrase(t *testing.T) {
	n := NewNormalizer(common.IntakeConfig{}, nil, nil)
	_, err := n.Normalize(context.Background(), Request{
		Bytes:    encryptPDF(t, minimalPDF(), "hunter2"),
		Filename: "locked.pdf",
	})
	if !common.IsKind(err, common.KindEncryptedDocument) {
		t.Errorf("err = %v, want encrypted document", err)
	}
}

func TestNormalizeEncryptedWithPassphrase(t *testing.T) {
	text := "SCHEDULE C (Form 1040) Profit or Loss From Business (Sole Proprietorship) " +
		"Part I Income 1 Gross receipts or sales 125,000 " +
		"Part II Expenses 31 Net profit or (loss) 69,297"
	n := NewNormalizer(common.IntakeConfig{}, stubRunner{text: text}, nil)

	doc, err := n.Normalize(context.Background(), Request{
		Bytes:      encryptPDF(t, minimalPDF(), "hunter2"),
		Filename:   "locked.pdf",
		Passphrase: "hunter2",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !doc.Encrypted {
		t.Error("the document must be flagged as having been decrypted")
	}
	if doc.PageCount != 1 || !doc.Pages[0].Embedded {
		t.Fatalf("pages = %d, embedded = %v; want one embedded-text page",
			doc.PageCount, len(doc.Pages) > 0 && doc.Pages[0].Embedded)
	}
	if doc.State != constants.StateNormalized {
		t.Errorf("state = %s, want NORMALIZED", doc.State)
	}
}

func TestSniffFormatByContent(t *testing.T) {
	format, _, err := sniffFormat("upload", pngBytes(t))
	if err != nil {
		t.Fatal(err)
	}
	if format != constants.IMAGE {
		t.Errorf("format = %s, want IMAGE from content sniffing", format)
	}

	format, _, err = sniffFormat("upload", []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n"))
	if err != nil {
		t.Fatal(err)
	}
	if format != constants.PDF {
		t.Errorf("format = %s, want PDF from content sniffing", format)
	}
}

func TestClampDPI(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 300},
		{150, 300},
		{300, 300},
		{350, 350},
		{400, 400},
		{600, 400},
	}
	for _, tt := range tests {
		if got := clampDPI(tt.in); got != tt.want {
			t.Errorf("clampDPI(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestWordCount(t *testing.T) {
	if wordCount("  Form 1040\nU.S. Individual  Income Tax Return ") != 7 {
		t.Error("word count must split on any whitespace")
	}
	if wordCount("") != 0 {
		t.Error("empty text has zero words")
	}
}
