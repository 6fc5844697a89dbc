package uploader

import "context"

// ResumablePolicyKind selects how ObjectUploader picks form vs resumable
// upload (§4.I).
type ResumablePolicyKind int

const (
	ResumableNever ResumablePolicyKind = iota
	ResumableAlways
	ResumableThreshold
)

// ResumablePolicy pairs a policy kind with its threshold, if any.
type ResumablePolicy struct {
	Kind      ResumablePolicyKind
	Threshold int64
}

// DefaultResumablePolicy is upload_threshold's default (§6): 4MiB.
func DefaultResumablePolicy() ResumablePolicy {
	return ResumablePolicy{Kind: ResumableThreshold, Threshold: DefaultBlockSize}
}

// ObjectUploader dispatches between FormUploader and ResumableUploader
// per §4.I.
type ObjectUploader struct {
	form      *FormUploader
	resumable *ResumableUploader
	policy    ResumablePolicy
}

// NewObjectUploader builds an ObjectUploader backed by form and
// resumable, applying policy. A ResumableThreshold policy with a zero
// Threshold gets DefaultResumablePolicy's 4MiB threshold; the zero value
// of ResumablePolicy is ResumableNever.
func NewObjectUploader(form *FormUploader, resumable *ResumableUploader, policy ResumablePolicy) *ObjectUploader {
	if policy.Kind == ResumableThreshold && policy.Threshold == 0 {
		policy.Threshold = DefaultBlockSize
	}
	return &ObjectUploader{form: form, resumable: resumable, policy: policy}
}

// Upload chooses form or resumable for in per o.policy, per §4.I:
//   - Never: form; fails if in.KnownSize is unknown.
//   - Always: resumable.
//   - Threshold(t): form if known_size <= t, resumable otherwise;
//     unknown size always goes resumable.
func (o *ObjectUploader) Upload(ctx context.Context, req *Request, in *Input, accessKey, bucket, digest string) (*UploadResponse, error) {
	switch o.policy.Kind {
	case ResumableNever:
		if in.KnownSize < 0 {
			return nil, Class.New("resumable_policy=never requires a known stream length")
		}
		return o.form.Upload(ctx, req, in)
	case ResumableAlways:
		return o.resumable.Upload(ctx, req, in, accessKey, bucket, digest)
	default: // Threshold
		if in.KnownSize >= 0 && in.KnownSize <= o.policy.Threshold {
			return o.form.Upload(ctx, req, in)
		}
		return o.resumable.Upload(ctx, req, in, accessKey, bucket, digest)
	}
}
