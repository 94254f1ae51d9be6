package worker

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/hibiken/asynq"

	"mediaforge/queue"
	"mediaforge/storage"
)

// Image compression retries with a lowered quality when a target output
// size is requested and not met. Best effort: the loop stops when the
// size is met, the quality floors out or attempts are exhausted.
const (
	compressQualityFloor = 20
	compressQualityStep  = 10
	compressMaxAttempts  = 5
)

type ImageCompressor struct{}

func (ImageCompressor) Type() queue.JobType        { return queue.ImageCompress }
func (ImageCompressor) Category() storage.Category { return storage.Compressed }

func (ImageCompressor) Transform(ctx context.Context, inputs [][]byte, p queue.Params, report ProgressFunc) (*Result, error) {
	img, _, err := decodeImage(inputs[0])
	if err != nil {
		return nil, err
	}
	// JPEG output: drop any alpha channel onto a white background.
	flat := flattenAlpha(img)

	quality := p.Quality
	var out []byte
	attempts := 0
	for {
		attempts++
		out, err = encodeImage(flat, "jpg", quality)
		if err != nil {
			return nil, err
		}
		if p.TargetSize <= 0 || int64(len(out)) <= p.TargetSize {
			break
		}
		if quality <= compressQualityFloor || attempts >= compressMaxAttempts {
			break
		}
		quality -= compressQualityStep
		if quality < compressQualityFloor {
			quality = compressQualityFloor
		}
	}

	extra := map[string]string{
		"final_quality":     strconv.Itoa(quality),
		"attempts":          strconv.Itoa(attempts),
		"compression_ratio": ratio(len(out), len(inputs[0])),
	}
	return &Result{Data: out, Ext: "jpg", ContentType: "image/jpeg", Extra: extra}, nil
}

type ImageResizer struct{}

func (ImageResizer) Type() queue.JobType        { return queue.ImageResize }
func (ImageResizer) Category() storage.Category { return storage.Resized }

func (ImageResizer) Transform(ctx context.Context, inputs [][]byte, p queue.Params, report ProgressFunc) (*Result, error) {
	img, formatName, err := decodeImage(inputs[0])
	if err != nil {
		return nil, err
	}

	var resized image.Image
	if p.KeepAspectRatio {
		// Thumbnail semantics: largest size fitting the requested box
		// without exceeding either dimension.
		resized = imaging.Fit(img, p.Width, p.Height, imaging.Lanczos)
	} else {
		// Forced to the exact dimensions, may distort.
		resized = imaging.Resize(img, p.Width, p.Height, imaging.Lanczos)
	}

	if formatName == "jpeg" {
		resized = flattenAlpha(resized)
	}
	out, err := encodeImage(resized, formatName, 95)
	if err != nil {
		return nil, err
	}

	bounds := resized.Bounds()
	extra := map[string]string{
		"output_width":  strconv.Itoa(bounds.Dx()),
		"output_height": strconv.Itoa(bounds.Dy()),
	}
	return &Result{Data: out, Ext: extForFormat(formatName), ContentType: contentTypeForFormat(formatName), Extra: extra}, nil
}

type ImageConverter struct{}

func (ImageConverter) Type() queue.JobType        { return queue.ImageConvert }
func (ImageConverter) Category() storage.Category { return storage.Converted }

func (ImageConverter) Transform(ctx context.Context, inputs [][]byte, p queue.Params, report ProgressFunc) (*Result, error) {
	img, _, err := decodeImage(inputs[0])
	if err != nil {
		return nil, err
	}

	target := normalizeFormat(p.TargetFormat)
	var converted image.Image
	if target == "jpeg" {
		// Target cannot carry transparency: flatten alpha first.
		converted = flattenAlpha(img)
	} else {
		// Alpha-capable target: Clone yields NRGBA, adding an alpha
		// channel when the source had none.
		converted = imaging.Clone(img)
	}

	out, err := encodeImage(converted, target, 95)
	if err != nil {
		return nil, err
	}

	extra := map[string]string{"target_format": normalizeExt(p.TargetFormat)}
	return &Result{Data: out, Ext: extForFormat(target), ContentType: contentTypeForFormat(target), Extra: extra}, nil
}

// decodeImage decodes any registered format. Undecodable input is a
// permanent fault, not worth a redelivery.
func decodeImage(data []byte) (image.Image, string, error) {
	img, formatName, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %v: %w", err, asynq.SkipRetry)
	}
	return img, formatName, nil
}

func encodeImage(img image.Image, formatName string, quality int) ([]byte, error) {
	format, err := imaging.FormatFromExtension(extForFormat(formatName))
	if err != nil {
		return nil, fmt.Errorf("encode format %q: %v: %w", formatName, err, asynq.SkipRetry)
	}
	var buf bytes.Buffer
	var opts []imaging.EncodeOption
	if format == imaging.JPEG {
		opts = append(opts, imaging.JPEGQuality(quality))
	}
	if err := imaging.Encode(&buf, img, format, opts...); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// flattenAlpha composites the image over a white background.
func flattenAlpha(img image.Image) image.Image {
	bounds := img.Bounds()
	bg := imaging.New(bounds.Dx(), bounds.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

func normalizeFormat(f string) string {
	switch normalizeExt(f) {
	case "jpg":
		return "jpeg"
	case "tif":
		return "tiff"
	default:
		return normalizeExt(f)
	}
}

func normalizeExt(f string) string {
	return strings.ToLower(strings.TrimPrefix(f, "."))
}

func extForFormat(formatName string) string {
	switch normalizeFormat(formatName) {
	case "jpeg":
		return "jpg"
	default:
		return normalizeFormat(formatName)
	}
}

func contentTypeForFormat(formatName string) string {
	switch normalizeFormat(formatName) {
	case "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "bmp":
		return "image/bmp"
	case "tiff":
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}

func ratio(out, in int) string {
	if in == 0 {
		return "0"
	}
	return strconv.FormatFloat(float64(out)/float64(in), 'f', 2, 64)
}
