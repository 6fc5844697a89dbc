// Package domain implements CDN domain discovery for a bucket (spec
// §4.E). Shares its cache shape and single-flight/TTL semantics with
// region.Query; grounded the same way, on getRegionByV2's
// sync.Map+singleflight.Group pattern in the teacher's form_upload.go,
// generalized through internal/cachemap.
package domain

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/zeebo/errs"

	"github.com/qiniu/go-upload-sdk/auth"
	"github.com/qiniu/go-upload-sdk/httpclient"
	"github.com/qiniu/go-upload-sdk/internal/cachemap"
)

// Class is the error class for domain discovery failures.
var Class = errs.Class("domain")

// ErrNoDomainsBound is returned when the Service has no CDN domain bound
// to the queried bucket (§7: DomainsError::NoDomainsBound).
var ErrNoDomainsBound = Class.New("no domains bound to bucket")

type cacheKey struct {
	AccessKey string
	SecretKey string
	Bucket    string
}

var queryCache = cachemap.New[cacheKey, []string](24 * time.Hour)

// Clear drops every cached discovery result; test-only hook.
func Clear() { queryCache.Clear() }

// Query returns the CDN domains bound to bucket, in Service priority
// order, authorized with V2 credentials (§4.E). Results are cached and
// single-flighted identically to region.Query.
func Query(ctx context.Context, client *httpclient.Client, apiURL string, cred *auth.Credential, bucket string) ([]string, error) {
	key := cacheKey{AccessKey: cred.AccessKey(), SecretKey: "", Bucket: bucket}
	return queryCache.GetOrLoad(key, func() ([]string, error) {
		return query(ctx, client, apiURL, cred, bucket)
	})
}

func query(ctx context.Context, client *httpclient.Client, apiURL string, cred *auth.Credential, bucket string) ([]string, error) {
	path := fmt.Sprintf("/v6/domain/list?tbl=%s", bucket)
	resp, err := client.Do(ctx, &httpclient.Request{
		Hosts:      []string{apiURL},
		Method:     http.MethodGet,
		PathQuery:  path,
		Idempotent: true,
		Auth:       httpclient.TokenV2,
		Cred:       cred,
	})
	if err != nil {
		return nil, Class.Wrap(err)
	}

	var domains []string
	if err := httpclient.ParseJSON(resp, &domains); err != nil {
		return nil, Class.Wrap(err)
	}
	if len(domains) == 0 {
		return nil, ErrNoDomainsBound
	}
	return domains, nil
}
