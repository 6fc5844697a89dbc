package uploader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/go-upload-sdk/httpclient"
	"github.com/qiniu/go-upload-sdk/recorder"
)

type mkblkReply struct {
	Ctx       string `json:"ctx"`
	ExpiredAt int64  `json:"expired_at"`
}

func fakeResumableCaller(t *testing.T, onRequest func(path string)) httpclient.HTTPCaller {
	var mu sync.Mutex
	return httpclient.HTTPCallerFunc(func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		if onRequest != nil {
			onRequest(req.URL.Path)
		}
		switch {
		case strings.HasPrefix(req.URL.Path, "/mkblk/"):
			body, _ := io.ReadAll(req.Body)
			ctx := fmt.Sprintf("ctx-%s", req.URL.Path[len("/mkblk/"):]) + "-" + fmt.Sprint(len(body))
			out, _ := json.Marshal(mkblkReply{Ctx: ctx, ExpiredAt: time.Now().Add(48 * time.Hour).Unix()})
			return &http.Response{StatusCode: 200, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(string(out)))}, nil
		case strings.HasPrefix(req.URL.Path, "/mkfile/"):
			body, _ := io.ReadAll(req.Body)
			resp := fmt.Sprintf(`{"key":"ok","hash":"%s"}`, body)
			return &http.Response{StatusCode: 200, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(resp))}, nil
		default:
			return &http.Response{StatusCode: 404, Header: http.Header{}, Body: io.NopCloser(strings.NewReader("not found"))}, nil
		}
	})
}

func TestResumableUploadSingleBlock(t *testing.T) {
	caller := fakeResumableCaller(t, nil)
	client := httpclient.New(caller)
	ru := NewResumableUploader(client, WithBlockSize(4<<20), WithChunkSize(4<<20), WithMaxConcurrency(2))

	data := strings.Repeat("x", 100)
	req := &Request{
		Token:      newTestToken(t, "test", "test:file"),
		UpURLsList: UpURLsList{{"https://upload.example.com"}},
	}
	in := &Input{Stream: strings.NewReader(data), Seekable: true, KnownSize: int64(len(data)), FileName: "f.bin"}

	resp, err := ru.Upload(context.Background(), req, in, "ak", "test", "digest")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Key)
}

func TestResumableUploadMultiBlockOrdering(t *testing.T) {
	var mkblkPaths []string
	var mu sync.Mutex
	caller := fakeResumableCaller(t, func(path string) {
		if strings.HasPrefix(path, "/mkblk/") {
			mu.Lock()
			mkblkPaths = append(mkblkPaths, path)
			mu.Unlock()
		}
	})
	client := httpclient.New(caller)
	blockSize := int64(10)
	ru := NewResumableUploader(client, WithBlockSize(blockSize), WithChunkSize(blockSize), WithMaxConcurrency(4))

	data := strings.Repeat("a", 10) + strings.Repeat("b", 10) + strings.Repeat("c", 5)
	req := &Request{
		Token:      newTestToken(t, "test", "test:file"),
		UpURLsList: UpURLsList{{"https://upload.example.com"}},
	}
	in := &Input{Stream: strings.NewReader(data), Seekable: true, KnownSize: int64(len(data)), FileName: "f.bin"}

	resp, err := ru.Upload(context.Background(), req, in, "ak", "test", "digest")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Key)

	hashBody := resp.Hash
	parts := strings.Split(hashBody, ",")
	require.Len(t, parts, 3)
	assert.Contains(t, parts[0], "ctx-10-10")
	assert.Contains(t, parts[1], "ctx-10-10")
	assert.Contains(t, parts[2], "ctx-5-5")
}

func TestResumableUploadRestartsBlockOnNearExpiryContext(t *testing.T) {
	var mkblkCalls int32
	var bputCalls int32
	caller := httpclient.HTTPCallerFunc(func(req *http.Request) (*http.Response, error) {
		switch {
		case strings.HasPrefix(req.URL.Path, "/mkblk/"):
			n := atomic.AddInt32(&mkblkCalls, 1)
			expiredAt := time.Now().Add(48 * time.Hour).Unix()
			if n == 1 {
				// First attempt: context is already within the expiry
				// cushion, so the bput that follows must trigger a restart.
				expiredAt = time.Now().Add(1 * time.Hour).Unix()
			}
			out, _ := json.Marshal(mkblkReply{Ctx: fmt.Sprintf("ctx-attempt-%d", n), ExpiredAt: expiredAt})
			return &http.Response{StatusCode: 200, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(string(out)))}, nil
		case strings.HasPrefix(req.URL.Path, "/bput/"):
			atomic.AddInt32(&bputCalls, 1)
			out, _ := json.Marshal(mkblkReply{Ctx: "ctx-bput", ExpiredAt: time.Now().Add(48 * time.Hour).Unix()})
			return &http.Response{StatusCode: 200, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(string(out)))}, nil
		case strings.HasPrefix(req.URL.Path, "/mkfile/"):
			body, _ := io.ReadAll(req.Body)
			resp := fmt.Sprintf(`{"key":"ok","hash":"%s"}`, body)
			return &http.Response{StatusCode: 200, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(resp))}, nil
		default:
			return &http.Response{StatusCode: 404, Header: http.Header{}, Body: io.NopCloser(strings.NewReader("not found"))}, nil
		}
	})
	client := httpclient.New(caller)
	ru := NewResumableUploader(client, WithBlockSize(20), WithChunkSize(10), WithMaxConcurrency(1))

	data := strings.Repeat("a", 20)
	req := &Request{
		Token:      newTestToken(t, "test", "test:file"),
		UpURLsList: UpURLsList{{"https://upload.example.com"}},
	}
	in := &Input{Stream: strings.NewReader(data), Seekable: true, KnownSize: int64(len(data)), FileName: "f.bin"}

	resp, err := ru.Upload(context.Background(), req, in, "ak", "test", "digest")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Key)
	// The first mkblk's context expired too soon, forcing a restart: mkblk
	// runs twice, but bput (only reached on the second, valid attempt)
	// runs once.
	assert.EqualValues(t, 2, atomic.LoadInt32(&mkblkCalls))
	assert.EqualValues(t, 1, atomic.LoadInt32(&bputCalls))
}

func TestIsExpiringBlockDistinctFromCRCMismatch(t *testing.T) {
	expiring := &expiringBlockError{index: 3}
	assert.True(t, isExpiringBlock(expiring))
	assert.False(t, isCRCMismatch(expiring))
}

func TestResumableUploadPersistsAndResumes(t *testing.T) {
	dir := t.TempDir()
	rec, err := recorder.NewFileRecorder(dir)
	require.NoError(t, err)

	var calls int32
	caller := fakeResumableCaller(t, func(path string) {
		if strings.HasPrefix(path, "/mkblk/") {
			atomic.AddInt32(&calls, 1)
		}
	})
	client := httpclient.New(caller)
	blockSize := int64(10)
	ru := NewResumableUploader(client, WithBlockSize(blockSize), WithChunkSize(blockSize), WithMaxConcurrency(1), WithRecorder(rec))

	data := strings.Repeat("a", 10) + strings.Repeat("b", 10)
	req := &Request{
		Token:      newTestToken(t, "test", "test:file"),
		UpURLsList: UpURLsList{{"https://upload.example.com"}},
	}
	file := strings.NewReader(data)
	in := &Input{Stream: file, Seekable: true, SeekableFile: true, KnownSize: int64(len(data)), FileName: "f.bin"}

	resp, err := ru.Upload(context.Background(), req, in, "ak", "test", "digest-v1")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Key)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// A second upload of the same source resumes from the persisted
	// records: every block is already covered, so no further mkblk runs.
	resumed := &Input{Stream: strings.NewReader(data), Seekable: true, SeekableFile: true, KnownSize: int64(len(data)), FileName: "f.bin"}
	resp, err = ru.Upload(context.Background(), req, resumed, "ak", "test", "digest-v1")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Key)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}
