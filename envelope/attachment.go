package envelope

import (
	"bytes"
	"context"
	stderr "errors"
	"fmt"
	"io"

	"github.com/butschster/rr-sentry/event"
	"github.com/roadrunner-server/errors"
	"golang.org/x/sync/errgroup"
)

const (
	// MaxAttachmentSize caps a single attachment
	MaxAttachmentSize = 100 << 20
	// MaxEventAttachmentsSize caps the sum of all attachments of one event
	MaxEventAttachmentsSize = 100 << 20

	loadConcurrency = 4
)

var (
	ErrAttachmentTooLarge = errors.Str("attachment too large")
	ErrAttachmentEmpty    = errors.Str("attachment is empty")
)

// AttachmentSource is one of: in-memory bytes, an io.Reader, or a loader
// invoked asynchronously. Exactly one of Bytes, Reader, Load should be set.
type AttachmentSource struct {
	Filename       string
	ContentType    string
	AttachmentType string

	Bytes  []byte
	Reader io.Reader
	Load   func(ctx context.Context) ([]byte, error)
}

// BytesSource wraps an in-memory payload
func BytesSource(filename string, data []byte) AttachmentSource {
	return AttachmentSource{Filename: filename, Bytes: data}
}

// ReaderSource wraps a reader consumed during loading
func ReaderSource(filename string, r io.Reader) AttachmentSource {
	return AttachmentSource{Filename: filename, Reader: r}
}

// LoaderSource wraps a blob-like source read on demand
func LoaderSource(filename string, load func(ctx context.Context) ([]byte, error)) AttachmentSource {
	return AttachmentSource{Filename: filename, Load: load}
}

// LoadAttachments reads every source fully into memory, concurrently. A
// source that fails, is empty or exceeds the caps is left out and described
// in the returned error; the others are still returned in source order.
func LoadAttachments(ctx context.Context, sources []AttachmentSource) ([]*event.Attachment, error) {
	loaded := make([]*event.Attachment, len(sources))
	errs := make([]error, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for i := range sources {
		g.Go(func() error {
			data, err := sources[i].read(gctx)
			if err != nil {
				errs[i] = fmt.Errorf("attachment %q: %w", sources[i].Filename, err)
				return nil
			}
			loaded[i] = &event.Attachment{
				Filename:       sources[i].Filename,
				ContentType:    sources[i].ContentType,
				AttachmentType: sources[i].AttachmentType,
				Payload:        data,
			}
			return nil
		})
	}
	_ = g.Wait()

	kept := make([]*event.Attachment, 0, len(loaded))
	for _, a := range loaded {
		if a != nil {
			kept = append(kept, a)
		}
	}

	kept, capErr := ValidateAttachments(kept)
	return kept, stderr.Join(append(errs, capErr)...)
}

// ValidateAttachments rejects empty and oversized attachments and enforces
// the per event cap in order: once the budget is spent, later attachments
// are rejected.
func ValidateAttachments(atts []*event.Attachment) ([]*event.Attachment, error) {
	var (
		errs  []error
		total int
	)
	kept := make([]*event.Attachment, 0, len(atts))

	for _, a := range atts {
		if a == nil {
			continue
		}
		switch size := len(a.Payload); {
		case size == 0:
			errs = append(errs, fmt.Errorf("attachment %q: %w", a.Filename, ErrAttachmentEmpty))
		case size > MaxAttachmentSize:
			errs = append(errs, fmt.Errorf("attachment %q is %d bytes, limit is %d: %w", a.Filename, size, MaxAttachmentSize, ErrAttachmentTooLarge))
		case total+size > MaxEventAttachmentsSize:
			errs = append(errs, fmt.Errorf("attachment %q exceeds the %d bytes per event limit: %w", a.Filename, MaxEventAttachmentsSize, ErrAttachmentTooLarge))
		default:
			total += size
			kept = append(kept, a)
		}
	}

	return kept, stderr.Join(errs...)
}

func (s AttachmentSource) read(ctx context.Context) ([]byte, error) {
	switch {
	case s.Load != nil:
		data, err := s.Load(ctx)
		if err != nil {
			return nil, err
		}
		return checkSize(data)
	case s.Reader != nil:
		var buf bytes.Buffer
		n, err := io.Copy(&buf, io.LimitReader(s.Reader, MaxAttachmentSize+1))
		if err != nil {
			return nil, err
		}
		if n > MaxAttachmentSize {
			return nil, ErrAttachmentTooLarge
		}
		return checkSize(buf.Bytes())
	default:
		return checkSize(s.Bytes)
	}
}

func checkSize(data []byte) ([]byte, error) {
	switch {
	case len(data) == 0:
		return nil, ErrAttachmentEmpty
	case len(data) > MaxAttachmentSize:
		return nil, ErrAttachmentTooLarge
	}
	return data, nil
}
