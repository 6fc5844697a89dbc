package uptoken

import (
	"encoding/base64"
	"strings"

	"github.com/qiniu/go-upload-sdk/auth"
)

// UploadToken is either Bound to a live Credential (so AccessKey/Policy can
// be derived on demand without re-parsing) or Parsed from a token string
// received over the wire, in which case the access key and policy were
// decoded once at parse time.
type UploadToken struct {
	raw       string
	bound     *boundToken
	parsedAK  string
	parsedPol *Policy
}

type boundToken struct {
	cred   *auth.Credential
	policy *Policy
}

// NewBound renders the token for a (credential, policy) pair, signing the
// policy's compact JSON with SignWithData. Rendering happens lazily on
// the first call to String and is cached; AccessKey and Policy read the
// bound credential and policy directly.
func NewBound(cred *auth.Credential, policy *Policy) *UploadToken {
	return &UploadToken{bound: &boundToken{cred: cred, policy: policy}}
}

// Parse decodes a token string of the form "ak:sig:base64(policy)" without
// verifying the signature (verification is the Service's job; the SDK only
// needs the access key and policy back out). Round-trips with String: for
// any token t produced by NewBound(cred, policy).String(), Parse(t) yields
// an UploadToken whose AccessKey/Policy equal cred.AccessKey()/policy.
func Parse(token string) (*UploadToken, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		return nil, Class.New("invalid token format: expected ak:sig:policy, got %d parts", len(parts))
	}
	ak, _, encodedPolicy := parts[0], parts[1], parts[2]
	if ak == "" {
		return nil, Class.New("invalid token format: empty access key")
	}
	raw, err := base64.URLEncoding.DecodeString(encodedPolicy)
	if err != nil {
		return nil, Class.Wrap(err)
	}
	var policy Policy
	if err := policy.UnmarshalJSON(raw); err != nil {
		return nil, Class.New("invalid policy JSON: %v", err)
	}
	return &UploadToken{raw: token, parsedAK: ak, parsedPol: &policy}, nil
}

// String renders the token, computing and caching it on first call for a
// bound token.
func (t *UploadToken) String() string {
	if t.raw != "" {
		return t.raw
	}
	encoded, err := t.bound.policy.MarshalJSON()
	if err != nil {
		panic(err)
	}
	t.raw = t.bound.cred.SignWithData(encoded)
	return t.raw
}

// AccessKey returns the access key the token authenticates as.
func (t *UploadToken) AccessKey() string {
	if t.bound != nil {
		return t.bound.cred.AccessKey()
	}
	return t.parsedAK
}

// Policy returns the policy the token authorizes.
func (t *UploadToken) Policy() *Policy {
	if t.bound != nil {
		return t.bound.policy
	}
	return t.parsedPol
}

// Bucket is a convenience accessor for Policy().Bucket().
func (t *UploadToken) Bucket() string {
	return t.Policy().Bucket()
}
