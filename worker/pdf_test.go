package worker

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediaforge/queue"
)

// onePagePDF builds a minimal single-page document, enough for the
// page-count and trim paths.
func onePagePDF() []byte {
	var buf bytes.Buffer
	offsets := make([]int, 5)
	obj := func(n int, body string) {
		offsets[n] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", n, body)
	}
	buf.WriteString("%PDF-1.4\n")
	obj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	obj(2, "<< /Type /Pages /Kids [3 0 R] /Count 1 >>")
	obj(3, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> /Contents 4 0 R >>")
	content := "BT ET"
	obj(4, fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))
	xref := buf.Len()
	buf.WriteString("xref\n0 5\n0000000000 65535 f \n")
	for n := 1; n <= 4; n++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[n])
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size 5 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", xref)
	return buf.Bytes()
}

func TestPDFMerger_RequiresTwoSources(t *testing.T) {
	_, err := PDFMerger{}.Transform(context.Background(), [][]byte{[]byte("one")},
		queue.Params{}, noProgress)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Contains(t, err.Error(), "at least 2")
}

func TestPDFExtractor_RejectsReversedRange(t *testing.T) {
	// Range sanity is checked before the document is even opened.
	_, err := PDFExtractor{}.Transform(context.Background(), [][]byte{[]byte("pdf")},
		queue.Params{StartPage: 5, EndPage: 3}, noProgress)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Contains(t, err.Error(), "invalid page range 5-3")
}

func TestPDFExtractor_RejectsZeroStartPage(t *testing.T) {
	_, err := PDFExtractor{}.Transform(context.Background(), [][]byte{[]byte("pdf")},
		queue.Params{StartPage: 0, EndPage: 3}, noProgress)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestPDFExtractor_RejectsRangeBeyondDocument(t *testing.T) {
	_, err := PDFExtractor{}.Transform(context.Background(), [][]byte{onePagePDF()},
		queue.Params{StartPage: 1, EndPage: 5}, noProgress)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Contains(t, err.Error(), "invalid page range 1-5 for a 1 page document")
}

func TestPDFExtractor_ExtractsPageRange(t *testing.T) {
	res, err := PDFExtractor{}.Transform(context.Background(), [][]byte{onePagePDF()},
		queue.Params{StartPage: 1, EndPage: 1}, noProgress)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Data)
	assert.Equal(t, "pdf", res.Ext)
	assert.Equal(t, "1-1", res.Extra["extracted_pages"])
}

func TestPDFExtractor_RejectsUnparsableDocument(t *testing.T) {
	_, err := PDFExtractor{}.Transform(context.Background(), [][]byte{[]byte("not a pdf")},
		queue.Params{StartPage: 1, EndPage: 1}, noProgress)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
