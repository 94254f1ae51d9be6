package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/hibiken/asynq"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"mediaforge/queue"
	"mediaforge/storage"
)

func pdfConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

type PDFCompressor struct{}

func (PDFCompressor) Type() queue.JobType        { return queue.PDFCompress }
func (PDFCompressor) Category() storage.Category { return storage.PDFCompressed }

func (PDFCompressor) Transform(ctx context.Context, inputs [][]byte, p queue.Params, report ProgressFunc) (*Result, error) {
	conf := pdfConfig()
	// The higher levels additionally dedupe identical content streams.
	conf.OptimizeDuplicateContentStreams = p.CompressionLevel == "medium" || p.CompressionLevel == "high"

	var buf bytes.Buffer
	if err := api.Optimize(bytes.NewReader(inputs[0]), &buf, conf); err != nil {
		return nil, fmt.Errorf("optimize pdf: %v: %w", err, asynq.SkipRetry)
	}

	extra := map[string]string{
		"compression_level": p.CompressionLevel,
		"compression_ratio": ratio(buf.Len(), len(inputs[0])),
	}
	return &Result{Data: buf.Bytes(), Ext: "pdf", ContentType: "application/pdf", Extra: extra}, nil
}

type PDFMerger struct{}

func (PDFMerger) Type() queue.JobType        { return queue.PDFMerge }
func (PDFMerger) Category() storage.Category { return storage.PDFMerged }

// Transform inserts the source documents in the given order into one
// output document, reporting progress per merged source.
func (PDFMerger) Transform(ctx context.Context, inputs [][]byte, p queue.Params, report ProgressFunc) (*Result, error) {
	if len(inputs) < 2 {
		return nil, fmt.Errorf("at least 2 PDF files are required for merging: %w", asynq.SkipRetry)
	}
	conf := pdfConfig()

	merged := inputs[0]
	report(1, len(inputs))
	for i := 1; i < len(inputs); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		readers := []io.ReadSeeker{bytes.NewReader(merged), bytes.NewReader(inputs[i])}
		if err := api.MergeRaw(readers, &buf, false, conf); err != nil {
			return nil, fmt.Errorf("merge pdf %d of %d: %v: %w", i+1, len(inputs), err, asynq.SkipRetry)
		}
		merged = buf.Bytes()
		report(i+1, len(inputs))
	}

	extra := map[string]string{"merged_count": strconv.Itoa(len(inputs))}
	return &Result{Data: merged, Ext: "pdf", ContentType: "application/pdf", Extra: extra}, nil
}

type PDFExtractor struct{}

func (PDFExtractor) Type() queue.JobType        { return queue.PDFExtract }
func (PDFExtractor) Category() storage.Category { return storage.PDFExtracted }

// Transform extracts a 1-based inclusive page range into a new
// document.
func (PDFExtractor) Transform(ctx context.Context, inputs [][]byte, p queue.Params, report ProgressFunc) (*Result, error) {
	if p.StartPage < 1 || p.StartPage > p.EndPage {
		return nil, fmt.Errorf("invalid page range %d-%d: %w", p.StartPage, p.EndPage, asynq.SkipRetry)
	}

	conf := pdfConfig()
	totalPages, err := api.PageCount(bytes.NewReader(inputs[0]), conf)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %v: %w", err, asynq.SkipRetry)
	}
	if p.EndPage > totalPages {
		return nil, fmt.Errorf("invalid page range %d-%d for a %d page document: %w",
			p.StartPage, p.EndPage, totalPages, asynq.SkipRetry)
	}

	pages := []string{fmt.Sprintf("%d-%d", p.StartPage, p.EndPage)}
	var buf bytes.Buffer
	if err := api.Trim(bytes.NewReader(inputs[0]), &buf, pages, conf); err != nil {
		return nil, fmt.Errorf("extract pages: %v: %w", err, asynq.SkipRetry)
	}

	extra := map[string]string{"extracted_pages": fmt.Sprintf("%d-%d", p.StartPage, p.EndPage)}
	return &Result{Data: buf.Bytes(), Ext: "pdf", ContentType: "application/pdf", Extra: extra}, nil
}
