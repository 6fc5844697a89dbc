package uptoken

import (
	"testing"
	"time"

	"github.com/qiniu/go-upload-sdk/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyMarshalOrdersFields(t *testing.T) {
	p, err := NewPolicyForBucket("test-bucket", time.Unix(1234567890, 0)).
		InsertOnly().
		SaveKey("prefix/$(etag)").
		Build()
	require.NoError(t, err)

	raw, err := p.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"scope":"test-bucket","deadline":1234567890,"insertOnly":1,"saveKey":"prefix/$(etag)"}`, string(raw))
}

func TestPolicyRequiresScopeAndDeadline(t *testing.T) {
	b := &PolicyBuilder{}
	_, err := b.Build()
	assert.Error(t, err)
}

func TestUploadTokenRoundTrip(t *testing.T) {
	cred := auth.MustNew("ak12345", "sk67890")
	policy, err := NewPolicyForObject("test-bucket", "test-key", time.Unix(1999999999, 0)).Build()
	require.NoError(t, err)

	token := NewBound(cred, policy)
	rendered := token.String()
	require.NotEmpty(t, rendered)

	parsed, err := Parse(rendered)
	require.NoError(t, err)
	assert.Equal(t, cred.AccessKey(), parsed.AccessKey())
	assert.Equal(t, "test-bucket", parsed.Bucket())

	scope, ok := parsed.Policy().Get(FieldScope)
	require.True(t, ok)
	assert.Equal(t, "test-bucket:test-key", scope)
}

func TestParseRejectsMalformedToken(t *testing.T) {
	_, err := Parse("not-a-valid-token")
	assert.Error(t, err)

	_, err = Parse("ak::")
	assert.Error(t, err)
}

func TestBucketWithoutKey(t *testing.T) {
	p, err := NewPolicyForBucket("only-bucket", time.Now().Add(time.Hour)).Build()
	require.NoError(t, err)
	assert.Equal(t, "only-bucket", p.Bucket())
}
