package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"hash/crc32"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/qiniu/go-upload-sdk/httpclient"
)

// FormUploader performs single-shot multipart form uploads (§4.G).
type FormUploader struct {
	client *httpclient.Client
}

// NewFormUploader builds a FormUploader over client.
func NewFormUploader(client *httpclient.Client) *FormUploader {
	return &FormUploader{client: client}
}

// Upload materializes the multipart body described by req and in.Stream
// and POSTs it to req.UpURLsList, advancing across hosts/regions per
// §4.C/§4.G until it succeeds or every host in every region is exhausted.
func (u *FormUploader) Upload(ctx context.Context, req *Request, in *Input) (*UploadResponse, error) {
	body, contentType, total, err := u.buildBody(req, in)
	if err != nil {
		return nil, Class.Wrap(err)
	}

	var lastErr error
	for _, hosts := range req.UpURLsList {
		resp, err := u.client.Do(ctx, &httpclient.Request{
			Hosts:       hosts,
			Method:      http.MethodPost,
			PathQuery:   "/",
			ContentType: contentType,
			BodyFactory: func() (io.Reader, int64) { return bytes.NewReader(body), int64(len(body)) },
			Idempotent:  false,
		})
		if err == nil {
			if req.OnProgress != nil {
				req.OnProgress(total, total)
			}
			return parseUploadResponse(resp)
		}

		var httpErr *httpclient.HTTPError
		if ok := isHTTPError(err, &httpErr); ok && httpErr.Kind == httpclient.ZoneUnretryableError {
			lastErr = err
			continue // advance to next region
		}
		lastErr = err
	}
	return nil, Class.Wrap(lastErr)
}

func isHTTPError(err error, target **httpclient.HTTPError) bool {
	for err != nil {
		if he, ok := err.(*httpclient.HTTPError); ok {
			*target = he
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func (u *FormUploader) buildBody(req *Request, in *Input) ([]byte, string, int64, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("token", req.Token.String()); err != nil {
		return nil, "", 0, err
	}
	if req.HasKey {
		if err := w.WriteField("key", req.Key); err != nil {
			return nil, "", 0, err
		}
	}
	for name, value := range req.Vars {
		if err := w.WriteField("x:"+name, value); err != nil {
			return nil, "", 0, err
		}
	}
	for name, value := range req.Metadata {
		if err := w.WriteField("x-qn-meta-"+name, value); err != nil {
			return nil, "", 0, err
		}
	}

	var crcValue uint32
	computeCRC := req.ChecksumEnabled && in.Seekable
	if computeCRC {
		seeker, ok := in.Stream.(io.Seeker)
		if !ok {
			return nil, "", 0, Class.New("checksum_enabled requires a seekable stream")
		}
		h := crc32.NewIEEE()
		if _, err := io.Copy(h, in.Stream); err != nil {
			return nil, "", 0, err
		}
		crcValue = h.Sum32()
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return nil, "", 0, err
		}
	}

	fw, err := w.CreateFormFile("file", in.FileName)
	if err != nil {
		return nil, "", 0, err
	}
	if _, err := io.Copy(fw, in.Stream); err != nil {
		return nil, "", 0, err
	}

	if computeCRC {
		if err := w.WriteField("crc32", strconv.FormatUint(uint64(crcValue), 10)); err != nil {
			return nil, "", 0, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", 0, err
	}
	return buf.Bytes(), w.FormDataContentType(), int64(buf.Len()), nil
}

func parseUploadResponse(resp *httpclient.Response) (*UploadResponse, error) {
	var out UploadResponse
	if err := json.Unmarshal(resp.Body, &out); err == nil {
		return &out, nil
	}
	return &UploadResponse{Raw: resp.Body}, nil
}
