// Package uploader implements the upload engine: form uploads (§4.G),
// resumable chunked uploads (§4.H), the form-vs-resumable dispatcher
// (§4.I) and the batch scheduler (§4.J). Grounded on
// internal/kodo/form_upload.go's FormUploader/doUploadAction for the
// form path and request/retry wiring, and on
// original_source/qiniu-rust/src/storage/uploader/{form_uploader,
// upload_manager,batch_uploader}.rs for the block/chunk resumable model
// and batch job shape the teacher's own form-only uploader never had to
// express.
package uploader

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/errs"

	"github.com/qiniu/go-upload-sdk/uptoken"
)

// Class is the error class for upload failures (§7: UploadError).
var Class = errs.Class("upload")

// UploadResponse is the Service's response to a successful upload: either
// the parsed JSON body, or (for callback-only uploads that return a
// non-JSON 2xx body) the raw bytes.
type UploadResponse struct {
	Key  string `json:"key,omitempty"`
	Hash string `json:"hash,omitempty"`
	Raw  []byte `json:"-"`
}

// ProgressFunc reports (uploaded, total) bytes; total is nil (represented
// as -1) when unknown, e.g. an unsized stream upload (§5: "Progress").
type ProgressFunc func(uploaded, total int64)

// Vars/Metadata are the caller-supplied `x:`/`x-qn-meta-` maps (§4.G).
type Vars map[string]string
type Metadata map[string]string

// Input bundles the stream and its optional known attributes. Seekable
// must be true only if Stream also implements io.Seeker; callers that
// pass a real file should also set SeekableFile.
type Input struct {
	Stream       io.Reader
	Seekable     bool
	SeekableFile bool // backed by a real, reopenable file (required for recorder resumption)
	FilePath     string
	KnownSize    int64 // -1 if unknown
	FileName     string
	MimeType     string
}

// UpURLsList is the outer/inner host list §4.G/H describe: one ordered
// host list per region, in priority order.
type UpURLsList [][]string

// Request is the shared argument shape for both FormUploader and
// ResumableUploader (§4.G/H public contracts).
type Request struct {
	Token            *uptoken.UploadToken
	UpURLsList       UpURLsList
	Key              string
	HasKey           bool
	Vars             Vars
	Metadata         Metadata
	OnProgress       ProgressFunc
	ChecksumEnabled  bool
}

func buildMkfileQuery(totalSize int64, key string, hasKey bool, mimeType, fileName string, vars Vars, metadata Metadata) string {
	var b strings.Builder
	fmt.Fprintf(&b, "/mkfile/%d", totalSize)
	if hasKey {
		fmt.Fprintf(&b, "/key/%s", b64(key))
	}
	if mimeType != "" {
		fmt.Fprintf(&b, "/mimeType/%s", b64(mimeType))
	}
	if fileName != "" {
		fmt.Fprintf(&b, "/fname/%s", b64(fileName))
	}
	for k, v := range vars {
		fmt.Fprintf(&b, "/x:%s/%s", k, b64(v))
	}
	for k, v := range metadata {
		fmt.Fprintf(&b, "/x-qn-meta-%s/%s", k, b64(v))
	}
	return b.String()
}

func b64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}
