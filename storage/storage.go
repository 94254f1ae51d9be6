package storage

import "context"

// Category is a logical folder inside the object store. Source uploads
// land in Originals; each transform writes into its own category so the
// retention sweep can enumerate everything it may delete.
type Category string

const (
	Originals     Category = "originals"
	Compressed    Category = "compressed"
	Converted     Category = "converted"
	Resized       Category = "resized"
	PDFCompressed Category = "pdf_compressed"
	PDFExtracted  Category = "pdf_extracted"
	PDFMerged     Category = "pdf_merged"
)

// Categories lists every folder the retention sweep reconciles.
var Categories = []Category{
	Originals,
	Compressed,
	Converted,
	Resized,
	PDFCompressed,
	PDFExtracted,
	PDFMerged,
}

// Object is one stored artifact. Locator is the public URL handed out
// in task records; Key identifies the object for deletion.
type Object struct {
	Key     string
	Locator string
}

// Store is the external object-storage collaborator. It is treated as
// durable, eventually consistent storage with public URLs as locators.
type Store interface {
	Upload(ctx context.Context, data []byte, category Category, ext, contentType string) (locator string, err error)
	Fetch(ctx context.Context, locator string) ([]byte, error)
	List(ctx context.Context, category Category) ([]Object, error)
	Delete(ctx context.Context, key string) error
}
