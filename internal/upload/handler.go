// Package upload receives an image over multipart HTTP, stores it in S3 and attaches a caption.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/stefando/imageCaptionAWS/internal/logging"
	"github.com/stefando/imageCaptionAWS/internal/metrics"
)

// Response bodies of POST /upload
const (
	msgMissingBucket = "Server error: missing bucket name."
	msgChunkError    = "Error reading file chunk."
	msgNoFile        = "No file uploaded."
	msgStoreFailed   = "Upload to S3 failed."
)

// chunkSize is the read size used when draining a part
const chunkSize = 32 << 10

// errChunk marks a failed read inside a file part
var errChunk = errors.New("error reading file chunk")

// Storage is the object store as seen by the handler
type Storage interface {
	Bucket() string
	NewKey() string
	PublicURL(key string) string
	Put(ctx context.Context, key string, content []byte, contentType string) error
}

// Captioner produces a caption for a publicly reachable image URL
type Captioner interface {
	Resolve(ctx context.Context, imageURL string) (string, error)
}

// Handler serves POST /upload. Only the first part carrying data is stored and captioned;
// later parts in the same request are ignored.
type Handler struct {
	storage   Storage
	captioner Captioner
	maxBytes  int64
	logger    *slog.Logger
}

// NewHandler creates the upload handler. maxBytes <= 0 leaves the request body unbounded.
func NewHandler(storage Storage, captioner Captioner, maxBytes int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		storage:   storage,
		captioner: captioner,
		maxBytes:  maxBytes,
		logger:    logger,
	}
}

// file is the first content-bearing part of the request
type file struct {
	data        []byte
	contentType string
	fieldName   string
	fileName    string
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Fail before the body or the object store is touched
	if h.storage.Bucket() == "" {
		h.logger.ErrorContext(ctx, "upload rejected", "error", ErrMissingBucket)
		h.finish(w, metrics.OutcomeMissingBucket, http.StatusInternalServerError, msgMissingBucket)
		return
	}

	if h.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	}

	f, err := readFirstFile(r)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to read upload", "error", err)
		h.finish(w, metrics.OutcomeReadError, http.StatusBadRequest, msgChunkError)
		return
	}
	if f == nil {
		h.finish(w, metrics.OutcomeNoFile, http.StatusBadRequest, msgNoFile)
		return
	}

	key := h.storage.NewKey()
	h.logger.InfoContext(ctx, "uploading file",
		"key", key,
		"field", f.fieldName,
		"filename", f.fileName,
		"bytes", len(f.data),
	)

	if err := h.storage.Put(ctx, key, f.data, f.contentType); err != nil {
		h.logger.ErrorContext(ctx, "upload to S3 failed", "key", key, "error", err)
		h.finish(w, metrics.OutcomeStorageFailed, http.StatusInternalServerError, msgStoreFailed)
		return
	}

	imageURL := h.storage.PublicURL(key)
	h.logger.InfoContext(ctx, "upload stored", "key", key, "url", imageURL)

	caption, err := h.captioner.Resolve(ctx, imageURL)
	if err != nil {
		h.logger.WarnContext(ctx, "caption failed", "key", key, "error", err)
		h.finish(w, metrics.OutcomeCaptionFailed, http.StatusOK,
			fmt.Sprintf("Uploaded: %s, but caption failed.", key))
		return
	}

	h.finish(w, metrics.OutcomeCaptioned, http.StatusOK,
		fmt.Sprintf("Uploaded + Caption: %s\n%s", key, caption))
}

func (h *Handler) finish(w http.ResponseWriter, outcome string, status int, body string) {
	metrics.UploadsTotal.WithLabelValues(outcome).Inc()
	writeText(w, status, body)
}

// writeText writes body verbatim; http.Error would append a newline
func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// readFirstFile walks the multipart stream in order and returns the first part that yields
// any bytes. It returns (nil, nil) when the request holds no such part, including requests
// that are not multipart at all. A stream that ends before its closing boundary is an error.
func readFirstFile(r *http.Request) (*file, error) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" || params["boundary"] == "" {
		return nil, nil
	}
	body := newBoundaryWatcher(r.Body, params["boundary"])
	mr := multipart.NewReader(body, params["boundary"])

	buf := make([]byte, chunkSize)
	for {
		part, err := mr.NextPart()
		if err != nil {
			if truncated(err, body) {
				return nil, fmt.Errorf("%w: %w", errChunk, err)
			}
			// Clean end of stream, or a malformed part that is skipped like an absent one
			return nil, nil
		}

		data, err := readPart(part, buf)
		_ = part.Close()
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			continue
		}

		return &file{
			data:        data,
			contentType: imageContentType(part.Header.Get("Content-Type")),
			fieldName:   part.FormName(),
			fileName:    part.FileName(),
		}, nil
	}
}

// truncated reports whether a NextPart error means the body stopped early. io.EOF is also what
// the multipart reader returns when a part header is cut off, so EOF counts as clean only once
// the closing boundary has gone by. An empty body holds no parts rather than a broken one.
func truncated(err error, body *boundaryWatcher) bool {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return true
	}
	if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return false
	}
	return body.read > 0 && !body.closed
}

// boundaryWatcher counts body bytes and notes whether the closing delimiter went past
type boundaryWatcher struct {
	r       io.Reader
	closing []byte
	tail    []byte
	read    int64
	closed  bool
}

func newBoundaryWatcher(r io.Reader, boundary string) *boundaryWatcher {
	return &boundaryWatcher{r: r, closing: []byte("--" + boundary + "--")}
}

func (b *boundaryWatcher) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if n > 0 {
		b.read += int64(n)
		if !b.closed {
			b.scan(p[:n])
		}
	}
	return n, err
}

// scan keeps the last len(closing)-1 bytes so a delimiter split across reads is still found
func (b *boundaryWatcher) scan(chunk []byte) {
	window := make([]byte, 0, len(b.tail)+len(chunk))
	window = append(window, b.tail...)
	window = append(window, chunk...)
	if bytes.Contains(window, b.closing) {
		b.closed = true
		b.tail = nil
		return
	}
	if keep := len(b.closing) - 1; len(window) > keep {
		window = window[len(window)-keep:]
	}
	b.tail = window
}

// readPart accumulates every chunk of part in arrival order. Any read error discards the
// partial buffer.
func readPart(part *multipart.Part, buf []byte) ([]byte, error) {
	var data bytes.Buffer
	for {
		n, err := part.Read(buf)
		if n > 0 {
			data.Write(buf[:n])
		}
		if err == io.EOF {
			return data.Bytes(), nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errChunk, err)
		}
	}
}

// imageContentType keeps a declared image/* type and falls back to image/jpeg otherwise
func imageContentType(header string) string {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return DefaultContentType
	}
	return mediaType
}
