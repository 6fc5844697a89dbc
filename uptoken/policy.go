// Package uptoken implements UploadPolicy and UploadToken (spec §4.B): the
// JSON policy document an upload token authorizes, and the signed,
// time-bounded token itself. Grounded on internal/kodo/form_upload.go's
// PutPolicy/UploadToken of the teacher repo, but modeled as the ordered
// field map spec.md's data model calls for (§3: "serialized as compact
// JSON with keys in insertion order") rather than a fixed struct, since
// the teacher's struct-tag approach can't preserve caller-chosen insertion
// order across optional fields.
package uptoken

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeebo/errs"
)

// Class is the error class for malformed policies (§7: UploadTokenParseError family).
var Class = errs.Class("uptoken")

// recognized policy field names, per spec.md §3.
const (
	FieldScope               = "scope"
	FieldDeadline             = "deadline"
	FieldInsertOnly           = "insertOnly"
	FieldSaveKey              = "saveKey"
	FieldFsizeLimit           = "fsizeLimit"
	FieldFsizeMin             = "fsizeMin"
	FieldMimeLimit            = "mimeLimit"
	FieldDetectMime           = "detectMime"
	FieldCallbackURL          = "callbackUrl"
	FieldCallbackHost         = "callbackHost"
	FieldCallbackBody         = "callbackBody"
	FieldCallbackBodyType     = "callbackBodyType"
	FieldReturnURL            = "returnUrl"
	FieldReturnBody           = "returnBody"
	FieldPersistentOps        = "persistentOps"
	FieldPersistentNotifyURL  = "persistentNotifyUrl"
	FieldPersistentPipeline   = "persistentPipeline"
	FieldEndUser              = "endUser"
	FieldFileType             = "fileType"
)

type field struct {
	name  string
	value interface{}
}

// Policy is an ordered mapping from policy-field name to value. At least
// one of scope=bucket or scope=bucket:key must be present, and deadline
// must be set, before Build succeeds.
type Policy struct {
	fields []field
	index  map[string]int
}

// PolicyBuilder builds a Policy without mutating any previously built
// Policy's already-rendered JSON.
type PolicyBuilder struct {
	p Policy
}

// NewPolicyForBucket starts a builder scoped to an entire bucket: uploads
// can create new keys but not overwrite existing ones.
func NewPolicyForBucket(bucket string, deadline time.Time) *PolicyBuilder {
	b := &PolicyBuilder{p: Policy{index: make(map[string]int)}}
	b.set(FieldScope, bucket)
	b.set(FieldDeadline, deadline.Unix())
	return b
}

// NewPolicyForObject starts a builder scoped to bucket:key.
func NewPolicyForObject(bucket, key string, deadline time.Time) *PolicyBuilder {
	b := &PolicyBuilder{p: Policy{index: make(map[string]int)}}
	b.set(FieldScope, fmt.Sprintf("%s:%s", bucket, key))
	b.set(FieldDeadline, deadline.Unix())
	return b
}

// NewPolicyForObjectPrefix starts a builder with scope "bucket:prefix".
// It sets no prefix-matching field, so the resulting policy is the same
// as NewPolicyForObject(bucket, prefix, deadline) would build.
func NewPolicyForObjectPrefix(bucket, prefix string, deadline time.Time) *PolicyBuilder {
	b := &PolicyBuilder{p: Policy{index: make(map[string]int)}}
	b.set(FieldScope, fmt.Sprintf("%s:%s", bucket, prefix))
	b.set(FieldDeadline, deadline.Unix())
	return b
}

func (b *PolicyBuilder) set(name string, value interface{}) *PolicyBuilder {
	if idx, ok := b.p.index[name]; ok {
		b.p.fields[idx].value = value
		return b
	}
	b.p.index[name] = len(b.p.fields)
	b.p.fields = append(b.p.fields, field{name: name, value: value})
	return b
}

func (b *PolicyBuilder) InsertOnly() *PolicyBuilder            { return b.set(FieldInsertOnly, 1) }
func (b *PolicyBuilder) SaveKey(key string) *PolicyBuilder     { return b.set(FieldSaveKey, key) }
func (b *PolicyBuilder) FsizeLimit(n int64) *PolicyBuilder     { return b.set(FieldFsizeLimit, n) }
func (b *PolicyBuilder) FsizeMin(n int64) *PolicyBuilder       { return b.set(FieldFsizeMin, n) }
func (b *PolicyBuilder) MimeLimit(s string) *PolicyBuilder     { return b.set(FieldMimeLimit, s) }
func (b *PolicyBuilder) DetectMime() *PolicyBuilder            { return b.set(FieldDetectMime, 1) }
func (b *PolicyBuilder) CallbackURL(s string) *PolicyBuilder   { return b.set(FieldCallbackURL, s) }
func (b *PolicyBuilder) CallbackHost(s string) *PolicyBuilder  { return b.set(FieldCallbackHost, s) }
func (b *PolicyBuilder) CallbackBody(s string) *PolicyBuilder  { return b.set(FieldCallbackBody, s) }
func (b *PolicyBuilder) CallbackBodyType(s string) *PolicyBuilder {
	return b.set(FieldCallbackBodyType, s)
}
func (b *PolicyBuilder) ReturnURL(s string) *PolicyBuilder  { return b.set(FieldReturnURL, s) }
func (b *PolicyBuilder) ReturnBody(s string) *PolicyBuilder { return b.set(FieldReturnBody, s) }
func (b *PolicyBuilder) PersistentOps(s string) *PolicyBuilder {
	return b.set(FieldPersistentOps, s)
}
func (b *PolicyBuilder) PersistentNotifyURL(s string) *PolicyBuilder {
	return b.set(FieldPersistentNotifyURL, s)
}
func (b *PolicyBuilder) PersistentPipeline(s string) *PolicyBuilder {
	return b.set(FieldPersistentPipeline, s)
}
func (b *PolicyBuilder) EndUser(s string) *PolicyBuilder { return b.set(FieldEndUser, s) }
func (b *PolicyBuilder) FileType(n int) *PolicyBuilder   { return b.set(FieldFileType, n) }

// Build finalizes the policy. The builder may be reused afterwards; Build
// never mutates a previously returned Policy.
func (b *PolicyBuilder) Build() (*Policy, error) {
	cp := Policy{
		fields: append([]field(nil), b.p.fields...),
		index:  make(map[string]int, len(b.p.index)),
	}
	for k, v := range b.p.index {
		cp.index[k] = v
	}
	if _, ok := cp.index[FieldScope]; !ok {
		return nil, Class.New("policy missing required field %q", FieldScope)
	}
	if _, ok := cp.index[FieldDeadline]; !ok {
		return nil, Class.New("policy missing required field %q", FieldDeadline)
	}
	return &cp, nil
}

// Bucket returns the bucket name portion of scope, or "" if scope is empty.
func (p *Policy) Bucket() string {
	scope, _ := p.Get(FieldScope)
	s, _ := scope.(string)
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i]
		}
	}
	return s
}

// Get returns the raw value stored for name, if present.
func (p *Policy) Get(name string) (interface{}, bool) {
	idx, ok := p.index[name]
	if !ok {
		return nil, false
	}
	return p.fields[idx].value, true
}

// MarshalJSON renders the policy as compact JSON with keys in insertion order.
func (p *Policy) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range p.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(f.value)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an arbitrary JSON object into an ordered Policy,
// preserving the key order Go's json.Decoder observes on the wire (which,
// for compact objects produced by MarshalJSON, is insertion order).
func (p *Policy) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return Class.Wrap(err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return Class.New("invalid policy JSON: expected object")
	}
	p.fields = nil
	p.index = make(map[string]int)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return Class.Wrap(err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return Class.New("invalid policy JSON: non-string key")
		}
		var value interface{}
		if err := dec.Decode(&value); err != nil {
			return Class.Wrap(err)
		}
		p.index[key] = len(p.fields)
		p.fields = append(p.fields, field{name: key, value: value})
	}
	return nil
}
