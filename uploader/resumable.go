package uploader

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/qiniu/go-upload-sdk/httpclient"
	"github.com/qiniu/go-upload-sdk/recorder"
)

const (
	// DefaultBlockSize is upload_block_size's default (§6).
	DefaultBlockSize int64 = 4 << 20
	// DefaultChunkSize is upload_chunk_size's default (§6).
	DefaultChunkSize int64 = 4 << 20
	// expiryCushion is the 12h heuristic §9 calls out for abandoning a
	// block whose mkblk context is about to expire.
	expiryCushion = 12 * time.Hour
	// resumeCushion is the 2h minimum remaining validity required to
	// trust a persisted block record on resume (§4.H).
	resumeCushion = 2 * time.Hour
)

// ResumableUploader performs block/chunk uploads via mkblk/bput/mkfile
// (§4.H), optionally resuming from a ResumableRecorder.
type ResumableUploader struct {
	client         *httpclient.Client
	recorder       recorder.ResumableRecorder
	blockSize      int64
	chunkSize      int64
	maxConcurrency int
}

// ResumableOption configures a ResumableUploader.
type ResumableOption func(*ResumableUploader)

func WithBlockSize(n int64) ResumableOption { return func(r *ResumableUploader) { r.blockSize = n } }
func WithChunkSize(n int64) ResumableOption { return func(r *ResumableUploader) { r.chunkSize = n } }
func WithMaxConcurrency(n int) ResumableOption {
	return func(r *ResumableUploader) { r.maxConcurrency = n }
}
func WithRecorder(rec recorder.ResumableRecorder) ResumableOption {
	return func(r *ResumableUploader) { r.recorder = rec }
}

// NewResumableUploader builds a ResumableUploader with the §6 defaults,
// applying opts on top.
func NewResumableUploader(client *httpclient.Client, opts ...ResumableOption) *ResumableUploader {
	r := &ResumableUploader{client: client, blockSize: DefaultBlockSize, chunkSize: DefaultChunkSize, maxConcurrency: 4}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type mkblkResponse struct {
	Ctx       string `json:"ctx"`
	Checksum  string `json:"checksum"`
	Offset    int64  `json:"offset"`
	Host      string `json:"host"`
	ExpiredAt int64  `json:"expired_at"`
}

// computeUploadID derives upload_id = sha1(ak|bucket|key|digest|block_size),
// per §4.H.
func computeUploadID(accessKey, bucket, key, digest string, blockSize int64) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d", accessKey, bucket, key, digest, blockSize)
	return hex.EncodeToString(h.Sum(nil))
}

// Upload partitions in into blocks of r.blockSize, uploads them
// concurrently (up to r.maxConcurrency) via mkblk/bput, then finalizes
// with mkfile. Block contexts are assembled into mkfile in strict
// block-index order regardless of completion order (invariant #3).
func (r *ResumableUploader) Upload(ctx context.Context, req *Request, in *Input, accessKey, bucket, digest string) (*UploadResponse, error) {
	if in.KnownSize < 0 {
		return nil, Class.New("resumable upload requires a known total size")
	}
	seeker, ok := in.Stream.(io.ReadSeeker)
	if !ok {
		return nil, Class.New("resumable upload requires a seekable stream")
	}

	numBlocks := int((in.KnownSize + r.blockSize - 1) / r.blockSize)
	if numBlocks == 0 {
		numBlocks = 1
	}

	var uploadID string
	canPersist := r.recorder != nil && in.SeekableFile
	if canPersist {
		uploadID = computeUploadID(accessKey, bucket, req.Key, digest, r.blockSize)
	}

	blocks := make([]*recorder.BlockContext, numBlocks)
	if canPersist {
		r.tryResume(uploadID, blocks)
	}

	var uploaded int64
	for _, b := range blocks {
		if b != nil {
			uploaded += b.Size
		}
	}
	var progressMu sync.Mutex
	reportProgress := func(delta int64) {
		if req.OnProgress == nil {
			return
		}
		progressMu.Lock()
		uploaded += delta
		total := uploaded
		progressMu.Unlock()
		req.OnProgress(total, in.KnownSize)
	}

	for _, hosts := range req.UpURLsList {
		err := r.uploadAllBlocks(ctx, req, in, seeker, hosts, blocks, uploadID, canPersist, reportProgress)
		if err == nil {
			return r.finalize(ctx, req, in, hosts, blocks)
		}

		var httpErr *httpclient.HTTPError
		if isHTTPError(err, &httpErr) && httpErr.Kind == httpclient.ZoneUnretryableError {
			// §9 open question: conservatively clear persisted state before
			// restarting against the next region.
			if canPersist {
				_ = r.recorder.Discard(uploadID)
			}
			for i := range blocks {
				blocks[i] = nil
			}
			continue
		}
		return nil, err
	}
	return nil, Class.New("exhausted every region without completing the upload")
}

func (r *ResumableUploader) tryResume(uploadID string, blocks []*recorder.BlockContext) {
	records, persistedBlockSize, err := r.recorder.Read(uploadID)
	if err != nil || persistedBlockSize != r.blockSize {
		return
	}
	now := time.Now()
	discard := func() {
		for i := range blocks {
			blocks[i] = nil
		}
	}
	for _, rec := range records {
		if rec.Index < 0 || rec.Index >= len(blocks) {
			discard() // doesn't cover a clean prefix; discard entirely
			return
		}
		if rec.ExpiresAt.Before(now.Add(resumeCushion)) {
			discard()
			return
		}
		bc := rec
		blocks[rec.Index] = &bc
	}
}

func (r *ResumableUploader) uploadAllBlocks(ctx context.Context, req *Request, in *Input, seeker io.ReadSeeker, hosts []string, blocks []*recorder.BlockContext, uploadID string, persist bool, reportProgress func(int64)) error {
	var writer recorder.Writer
	if persist {
		w, err := r.recorder.Open(uploadID, r.blockSize)
		if err != nil {
			return Class.Wrap(err)
		}
		writer = w
		defer w.Close()
	}

	var writerMu sync.Mutex
	var seekMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(r.maxConcurrency))

	for i := range blocks {
		i := i
		if blocks[i] != nil {
			continue // already satisfied by a resumed record
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)

			offset := int64(i) * r.blockSize
			size := r.blockSize
			if offset+size > in.KnownSize {
				size = in.KnownSize - offset
			}

			seekMu.Lock()
			_, err := seeker.Seek(offset, io.SeekStart)
			var blockData []byte
			if err == nil {
				blockData = make([]byte, size)
				_, err = io.ReadFull(seeker, blockData)
			}
			seekMu.Unlock()
			if err != nil {
				return Class.Wrap(err)
			}

			bc, err := r.uploadBlock(gctx, req, hosts, i, blockData)
			if err != nil {
				return err
			}
			blocks[i] = bc
			reportProgress(size)

			if writer != nil {
				writerMu.Lock()
				werr := writer.Write(*bc)
				writerMu.Unlock()
				if werr != nil {
					return Class.Wrap(werr)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// uploadBlock uploads one block as a sequence of chunks (mkblk then
// bput*), respecting the 12h expiry cushion (§9) and restarting the block
// once on either a CRC mismatch or a near-expired mkblk context (§4.H/§9:
// "if expires_at - now < 12h, discard the block's progress and restart
// that block").
func (r *ResumableUploader) uploadBlock(ctx context.Context, req *Request, hosts []string, index int, data []byte) (*recorder.BlockContext, error) {
	for attempt := 0; attempt < 2; attempt++ { // one restart allowed
		bc, err := r.uploadBlockOnce(ctx, req, hosts, index, data)
		if err == nil {
			return bc, nil
		}
		if !isCRCMismatch(err) && !isExpiringBlock(err) {
			return nil, err
		}
	}
	return nil, Class.New("block %d: restart budget exhausted (CRC mismatch or expiring context)", index)
}

func isCRCMismatch(err error) bool {
	var httpErr *httpclient.HTTPError
	if !isHTTPError(err, &httpErr) {
		return false
	}
	se, ok := httpErr.Cause.(*httpclient.ResponseStatusCodeError)
	return ok && se.Code/100 == 4 && se.Message == "crc32 error"
}

// expiringBlockError signals that a block's mkblk context fell within the
// expiry cushion mid-upload; uploadBlock treats it as restartable.
type expiringBlockError struct {
	index int
}

func (e *expiringBlockError) Error() string {
	return fmt.Sprintf("block %d: context near expiry, restarting", e.index)
}

func isExpiringBlock(err error) bool {
	var eb *expiringBlockError
	return errors.As(err, &eb)
}

func (r *ResumableUploader) uploadBlockOnce(ctx context.Context, req *Request, hosts []string, index int, data []byte) (*recorder.BlockContext, error) {
	first := r.chunkSize
	if first > int64(len(data)) {
		first = int64(len(data))
	}

	mkblkPath := fmt.Sprintf("/mkblk/%d", len(data))
	resp, err := r.doChunk(ctx, req, hosts, mkblkPath, data[:first])
	if err != nil {
		return nil, err
	}
	var parsed mkblkResponse
	if err := httpclient.ParseJSON(resp, &parsed); err != nil {
		return nil, Class.Wrap(err)
	}

	offset := first
	for offset < int64(len(data)) {
		if time.Until(time.Unix(parsed.ExpiredAt, 0)) < expiryCushion {
			return nil, &expiringBlockError{index: index}
		}
		end := offset + r.chunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		bputPath := fmt.Sprintf("/bput/%s/%d", parsed.Ctx, offset)
		resp, err = r.doChunk(ctx, req, hosts, bputPath, data[offset:end])
		if err != nil {
			return nil, err
		}
		if err := httpclient.ParseJSON(resp, &parsed); err != nil {
			return nil, Class.Wrap(err)
		}
		offset = end
	}

	return &recorder.BlockContext{
		Index:     index,
		Context:   parsed.Ctx,
		Size:      int64(len(data)),
		ExpiresAt: time.Unix(parsed.ExpiredAt, 0),
	}, nil
}

func (r *ResumableUploader) doChunk(ctx context.Context, req *Request, hosts []string, path string, chunk []byte) (*httpclient.Response, error) {
	pathQuery := path
	if req.ChecksumEnabled {
		pathQuery += fmt.Sprintf("?crc32=%d", crc32Checksum(chunk))
	}
	headers := http.Header{}
	headers.Set("Authorization", "UpToken "+req.Token.String())
	return r.client.Do(ctx, &httpclient.Request{
		Hosts:       hosts,
		Method:      http.MethodPost,
		PathQuery:   pathQuery,
		Headers:     headers,
		ContentType: "application/octet-stream",
		BodyFactory: func() (io.Reader, int64) { return newByteReader(chunk), int64(len(chunk)) },
		Idempotent:  false,
	})
}

// finalize issues mkfile with block contexts joined in strict block-index
// order (invariant #3).
func (r *ResumableUploader) finalize(ctx context.Context, req *Request, in *Input, hosts []string, blocks []*recorder.BlockContext) (*UploadResponse, error) {
	ctxs := make([]string, len(blocks))
	for i, b := range blocks {
		if b == nil {
			return nil, Class.New("block %d missing at finalize", i)
		}
		ctxs[i] = b.Context
	}
	body := joinCommas(ctxs)

	pathQuery := buildMkfileQuery(in.KnownSize, req.Key, req.HasKey, in.MimeType, in.FileName, req.Vars, req.Metadata)
	headers := http.Header{}
	headers.Set("Authorization", "UpToken "+req.Token.String())
	resp, err := r.client.Do(ctx, &httpclient.Request{
		Hosts:       hosts,
		Method:      http.MethodPost,
		PathQuery:   pathQuery,
		Headers:     headers,
		ContentType: "text/plain",
		BodyFactory: func() (io.Reader, int64) { return newByteReader([]byte(body)), int64(len(body)) },
	})
	if err != nil {
		return nil, Class.Wrap(err)
	}
	return parseUploadResponse(resp)
}

func joinCommas(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
