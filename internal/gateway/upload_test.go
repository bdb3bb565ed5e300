// ABOUTME: Tests for the upload variant: multipart body, progress reporting, single 401 cycle
// ABOUTME: The body is reopened for the authorization retry and never retried transparently

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberchat/ember-go/internal/model"
)

const uploadBody = "file-contents-for-upload"

func openUploadBody(opens *atomic.Int32) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		opens.Add(1)
		return io.NopCloser(strings.NewReader(uploadBody)), nil
	}
}

func TestGateway_UploadReportsProgressAndParsesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "7", r.FormValue("chat_id"))

		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		assert.Equal(t, "notes.txt", header.Filename)
		data, err := io.ReadAll(file)
		assert.NoError(t, err)
		assert.Equal(t, uploadBody, string(data))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(model.Attachment{ID: 9, Name: "notes.txt", URL: "/media/9"})
	}))
	defer srv.Close()

	g := testGateway(t, srv.URL, &fakeTokens{token: "tok"}, nil)

	var opens atomic.Int32
	var lastSent, lastTotal atomic.Int64
	att, err := g.Upload(context.Background(), 7, "notes.txt", int64(len(uploadBody)),
		openUploadBody(&opens),
		func(sent, total int64) { lastSent.Store(sent); lastTotal.Store(total) })

	require.NoError(t, err)
	assert.Equal(t, int64(9), att.ID)
	assert.Equal(t, int32(1), opens.Load())
	assert.Equal(t, int64(len(uploadBody)), lastSent.Load(), "progress reached the full body size")
	assert.Equal(t, int64(len(uploadBody)), lastTotal.Load())
}

func TestGateway_UploadStreamsBodyInsteadOfBuffering(t *testing.T) {
	// Large enough that the copy into the pipe happens in several chunks.
	big := strings.Repeat("x", 256<<10)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A pre-buffered body would arrive with a known Content-Length;
		// the streamed pipe body must come in chunked.
		assert.Equal(t, int64(-1), r.ContentLength, "upload body must stream, not buffer")
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		file, _, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		assert.NoError(t, err)
		assert.Len(t, data, len(big))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(model.Attachment{ID: 11})
	}))
	defer srv.Close()

	g := testGateway(t, srv.URL, &fakeTokens{token: "tok"}, nil)

	var calls atomic.Int32
	var lastSent atomic.Int64
	att, err := g.Upload(context.Background(), 7, "big.bin", int64(len(big)),
		func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(big)), nil },
		func(sent, total int64) { calls.Add(1); lastSent.Store(sent) })

	require.NoError(t, err)
	assert.Equal(t, int64(11), att.ID)
	assert.Equal(t, int64(len(big)), lastSent.Load())
	assert.GreaterOrEqual(t, calls.Load(), int32(2), "progress arrives incrementally, not as one final jump")
}

func TestGateway_Upload401RetriedOnceWithReopenedBody(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer fresh", r.Header.Get("Authorization"))
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		file, _, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		assert.NoError(t, err)
		assert.Equal(t, uploadBody, string(data), "the retry must carry a complete reopened body")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(model.Attachment{ID: 10})
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "stale", forcedToken: "fresh"}
	g := testGateway(t, srv.URL, tokens, nil)

	var opens atomic.Int32
	att, err := g.Upload(context.Background(), 7, "notes.txt", int64(len(uploadBody)),
		openUploadBody(&opens), nil)

	require.NoError(t, err)
	assert.Equal(t, int64(10), att.ID)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, int32(2), opens.Load(), "one open per attempt")
	assert.Equal(t, int32(1), tokens.forces.Load())
}

func TestGateway_UploadServerErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := testGateway(t, srv.URL, &fakeTokens{token: "tok"}, nil)

	var opens atomic.Int32
	_, err := g.Upload(context.Background(), 7, "notes.txt", int64(len(uploadBody)),
		openUploadBody(&opens), nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, int32(1), hits.Load(), "uploads never retry transparently")
}
