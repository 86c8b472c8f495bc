package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"regexp"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stefando/imageCaptionAWS/internal/caption"
)

var keyPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}\.jpg$`)

// stubS3 records every PutObject call
type stubS3 struct {
	mu    sync.Mutex
	err   error
	calls []putCall
}

type putCall struct {
	bucket      string
	key         string
	contentType string
	body        []byte
	hasDeadline bool
}

func (s *stubS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(in.Body)
	_, hasDeadline := ctx.Deadline()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, putCall{
		bucket:      aws.ToString(in.Bucket),
		key:         aws.ToString(in.Key),
		contentType: aws.ToString(in.ContentType),
		body:        body,
		hasDeadline: hasDeadline,
	})
	if s.err != nil {
		return nil, s.err
	}
	return &s3.PutObjectOutput{}, nil
}

func (s *stubS3) Calls() []putCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]putCall(nil), s.calls...)
}

// stubCaptioner records every image URL it is asked about
type stubCaptioner struct {
	mu   sync.Mutex
	text string
	err  error
	urls []string
}

func (c *stubCaptioner) Resolve(_ context.Context, imageURL string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.urls = append(c.urls, imageURL)
	if c.err != nil {
		return "", c.err
	}
	return c.text, nil
}

func (c *stubCaptioner) URLs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.urls...)
}

type formPart struct {
	field       string
	filename    string
	contentType string
	data        []byte
}

// multipartBody encodes parts and returns the body with its Content-Type header value
func multipartBody(t *testing.T, parts ...formPart) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := textproto.MIMEHeader{}
		disposition := `form-data; name="` + p.field + `"`
		if p.filename != "" {
			disposition += `; filename="` + p.filename + `"`
		}
		h.Set("Content-Disposition", disposition)
		if p.contentType != "" {
			h.Set("Content-Type", p.contentType)
		}
		w, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = w.Write(p.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func newTestHandler(s3api *stubS3, captioner Captioner, bucket string) *Handler {
	svc := NewUploadService(StaticClient{API: s3api}, bucket, "ap-south-1", 5*time.Second)
	return NewHandler(svc, captioner, 1<<20, nil)
}

func serve(h http.Handler, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_UploadAndCaption(t *testing.T) {
	s3api := &stubS3{}
	captioner := &stubCaptioner{text: "a cat on a table"}
	h := newTestHandler(s3api, captioner, "photos")

	body, ct := multipartBody(t, formPart{field: "file", filename: "../../etc/passwd.jpg", contentType: "image/png", data: []byte("PNGDATA")})
	rec := serve(h, body, ct)

	require.Equal(t, http.StatusOK, rec.Code)
	calls := s3api.Calls()
	require.Len(t, calls, 1)

	key := calls[0].key
	assert.Regexp(t, keyPattern, key)
	assert.NotContains(t, key, "passwd")
	assert.Equal(t, "photos", calls[0].bucket)
	assert.Equal(t, "image/png", calls[0].contentType)
	assert.Equal(t, []byte("PNGDATA"), calls[0].body)
	assert.True(t, calls[0].hasDeadline, "put must be bounded by a timeout")

	assert.Equal(t, "Uploaded + Caption: "+key+"\na cat on a table", rec.Body.String())
	assert.Equal(t, []string{"https://photos.s3.ap-south-1.amazonaws.com/" + key}, captioner.URLs())
}

func TestHandler_CaptionFailureStillReportsUpload(t *testing.T) {
	s3api := &stubS3{}
	captioner := &stubCaptioner{err: &caption.ExhaustedError{}}
	h := newTestHandler(s3api, captioner, "photos")

	body, ct := multipartBody(t, formPart{field: "file", filename: "a.jpg", data: []byte("JPEG")})
	rec := serve(h, body, ct)

	require.Equal(t, http.StatusOK, rec.Code)
	calls := s3api.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "image/jpeg", calls[0].contentType)
	assert.Equal(t, "Uploaded: "+calls[0].key+", but caption failed.", rec.Body.String())
}

func TestHandler_StorageFailureSkipsCaption(t *testing.T) {
	s3api := &stubS3{err: errors.New("access denied")}
	captioner := &stubCaptioner{text: "never used"}
	h := newTestHandler(s3api, captioner, "photos")

	body, ct := multipartBody(t,
		formPart{field: "file", filename: "a.jpg", data: []byte("one")},
		formPart{field: "file2", filename: "b.jpg", data: []byte("two")},
	)
	rec := serve(h, body, ct)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Upload to S3 failed.", rec.Body.String())
	assert.Len(t, s3api.Calls(), 1, "later parts must not be uploaded")
	assert.Empty(t, captioner.URLs(), "no caption request after a failed put")
}

func TestHandler_ClientInitFailure(t *testing.T) {
	captioner := &stubCaptioner{text: "never used"}
	clients := NewLazyClient(func(context.Context) (S3API, error) {
		return nil, errors.New("no credentials")
	})
	svc := NewUploadService(clients, "photos", "ap-south-1", time.Second)
	h := NewHandler(svc, captioner, 0, nil)

	body, ct := multipartBody(t, formPart{field: "file", filename: "a.jpg", data: []byte("x")})
	rec := serve(h, body, ct)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Upload to S3 failed.", rec.Body.String())
	assert.Empty(t, captioner.URLs())
}

// untouchedReader fails the test if the handler reads the body
type untouchedReader struct {
	t *testing.T
}

func (r untouchedReader) Read([]byte) (int, error) {
	r.t.Error("request body was read")
	return 0, io.EOF
}

func TestHandler_MissingBucket(t *testing.T) {
	s3api := &stubS3{}
	captioner := &stubCaptioner{}
	h := newTestHandler(s3api, captioner, "")

	rec := serve(h, untouchedReader{t: t}, "multipart/form-data; boundary=xyz")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Server error: missing bucket name.", rec.Body.String())
	assert.Empty(t, s3api.Calls())
	assert.Empty(t, captioner.URLs())
}

func TestHandler_NoFileUploaded(t *testing.T) {
	emptyForm, emptyCT := multipartBody(t)
	emptyParts, emptyPartsCT := multipartBody(t,
		formPart{field: "file", filename: "empty.jpg"},
		formPart{field: "note"},
	)

	tests := []struct {
		name        string
		body        io.Reader
		contentType string
	}{
		{name: "empty multipart body", body: emptyForm, contentType: emptyCT},
		{name: "only empty parts", body: emptyParts, contentType: emptyPartsCT},
		{name: "not multipart", body: strings.NewReader(`{"file":"x"}`), contentType: "application/json"},
		{name: "no content type", body: strings.NewReader("raw"), contentType: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s3api := &stubS3{}
			captioner := &stubCaptioner{}
			rec := serve(newTestHandler(s3api, captioner, "photos"), tt.body, tt.contentType)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "No file uploaded.", rec.Body.String())
			assert.Empty(t, s3api.Calls())
			assert.Empty(t, captioner.URLs())
		})
	}
}

func TestHandler_ChunkReadError(t *testing.T) {
	body, ct := multipartBody(t, formPart{field: "file", filename: "a.jpg", data: bytes.Repeat([]byte("x"), 4096)})
	// Cut the stream inside the file part so the closing boundary never arrives
	truncated := bytes.NewReader(body.Bytes()[:body.Len()/2])

	s3api := &stubS3{}
	captioner := &stubCaptioner{}
	rec := serve(newTestHandler(s3api, captioner, "photos"), truncated, ct)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Error reading file chunk.", rec.Body.String())
	assert.Empty(t, s3api.Calls(), "partial data must not be uploaded")
	assert.Empty(t, captioner.URLs())
}

func TestHandler_StreamCutBeforeClosingBoundary(t *testing.T) {
	body, ct := multipartBody(t,
		formPart{field: "note"},
		formPart{field: "file", filename: "a.jpg", data: []byte("jpeg bytes")},
	)
	raw := body.Bytes()
	headerCut := bytes.Index(raw, []byte("filename"))
	require.Positive(t, headerCut)
	// end of the empty first part, just before the second part's boundary line
	secondPart := bytes.Index(raw[2:], []byte("\r\n--")) + 2
	require.Greater(t, secondPart, 2)

	tests := []struct {
		name string
		body []byte
	}{
		{name: "inside part header", body: raw[:headerCut]},
		{name: "after boundary line", body: raw[:bytes.Index(raw, []byte("\r\n"))+2]},
		{name: "after empty part", body: raw[:secondPart+2]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s3api := &stubS3{}
			captioner := &stubCaptioner{}
			rec := serve(newTestHandler(s3api, captioner, "photos"), bytes.NewReader(tt.body), ct)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "Error reading file chunk.", rec.Body.String())
			assert.Empty(t, s3api.Calls())
			assert.Empty(t, captioner.URLs())
		})
	}
}

func TestHandler_LimitReachedInsidePartHeader(t *testing.T) {
	s3api := &stubS3{}
	svc := NewUploadService(StaticClient{API: s3api}, "photos", "ap-south-1", time.Second)
	h := NewHandler(svc, &stubCaptioner{}, 100, nil)

	body, ct := multipartBody(t, formPart{field: "file", filename: strings.Repeat("n", 200) + ".jpg", data: []byte("x")})
	rec := serve(h, body, ct)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Error reading file chunk.", rec.Body.String())
	assert.Empty(t, s3api.Calls())
}

func TestBoundaryWatcher_DelimiterSplitAcrossReads(t *testing.T) {
	w := newBoundaryWatcher(iotest.OneByteReader(strings.NewReader("data\r\n--abc--\r\n")), "abc")
	_, err := io.ReadAll(w)
	require.NoError(t, err)
	assert.True(t, w.closed)
	assert.Equal(t, int64(len("data\r\n--abc--\r\n")), w.read)

	partial := newBoundaryWatcher(strings.NewReader("data\r\n--abc"), "abc")
	_, err = io.ReadAll(partial)
	require.NoError(t, err)
	assert.False(t, partial.closed)
}

func TestHandler_BodyLargerThanLimit(t *testing.T) {
	s3api := &stubS3{}
	svc := NewUploadService(StaticClient{API: s3api}, "photos", "ap-south-1", time.Second)
	h := NewHandler(svc, &stubCaptioner{}, 1024, nil)

	body, ct := multipartBody(t, formPart{field: "file", filename: "big.jpg", data: bytes.Repeat([]byte("x"), 8192)})
	rec := serve(h, body, ct)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Error reading file chunk.", rec.Body.String())
	assert.Empty(t, s3api.Calls())
}

func TestHandler_OnlyFirstContentPartIsStored(t *testing.T) {
	s3api := &stubS3{}
	captioner := &stubCaptioner{text: "two dogs"}
	h := newTestHandler(s3api, captioner, "photos")

	body, ct := multipartBody(t,
		formPart{field: "empty", filename: "nothing.jpg"},
		formPart{field: "file", filename: "first.jpg", data: []byte("first")},
		formPart{field: "file", filename: "second.jpg", data: []byte("second")},
	)
	rec := serve(h, body, ct)

	require.Equal(t, http.StatusOK, rec.Code)
	calls := s3api.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []byte("first"), calls[0].body)
	assert.Len(t, captioner.URLs(), 1)
}

func TestHandler_LargeFileKeepsChunkOrder(t *testing.T) {
	s3api := &stubS3{}
	h := newTestHandler(s3api, &stubCaptioner{text: "noise"}, "photos")

	data := make([]byte, 3*chunkSize+17)
	for i := range data {
		data[i] = byte(i % 251)
	}
	body, ct := multipartBody(t, formPart{field: "file", filename: "big.jpg", data: data})
	rec := serve(h, body, ct)

	require.Equal(t, http.StatusOK, rec.Code)
	calls := s3api.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, data, calls[0].body)
}

func TestHandler_IdenticalContentGetsDistinctKeys(t *testing.T) {
	s3api := &stubS3{}
	h := newTestHandler(s3api, &stubCaptioner{text: "same"}, "photos")

	for i := 0; i < 2; i++ {
		body, ct := multipartBody(t, formPart{field: "file", filename: "same.jpg", data: []byte("identical bytes")})
		rec := serve(h, body, ct)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	calls := s3api.Calls()
	require.Len(t, calls, 2)
	assert.NotEqual(t, calls[0].key, calls[1].key)
}

func TestHandler_WithResolverFallback(t *testing.T) {
	inference := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch strings.TrimPrefix(r.URL.Path, "/models/") {
		case "A":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "B":
			_, _ = io.WriteString(w, `[]`)
		case "C":
			_, _ = io.WriteString(w, `[{"generated_text":"a cat on a table"}]`)
		default:
			t.Errorf("unexpected model path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer inference.Close()

	resolver := caption.NewResolver(caption.Config{
		Token:   "hf_test",
		BaseURL: inference.URL,
		Models:  []string{"A", "B", "C"},
		Timeout: time.Second,
	}, inference.Client(), nil)

	s3api := &stubS3{}
	h := newTestHandler(s3api, resolver, "photos")

	body, ct := multipartBody(t, formPart{field: "file", filename: "cat.jpg", data: []byte("JPEG")})
	rec := serve(h, body, ct)

	require.Equal(t, http.StatusOK, rec.Code)
	calls := s3api.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Uploaded + Caption: "+calls[0].key+"\na cat on a table", rec.Body.String())
}

func TestImageContentType(t *testing.T) {
	assert.Equal(t, "image/png", imageContentType("image/png"))
	assert.Equal(t, "image/webp", imageContentType("image/webp; charset=binary"))
	assert.Equal(t, "image/jpeg", imageContentType("application/octet-stream"))
	assert.Equal(t, "image/jpeg", imageContentType(""))
}
