// Package region implements the built-in region table and on-demand
// region discovery (spec §4.D). Grounded on getRegionByV2 and the Region
// type in internal/kodo/form_upload.go of the teacher repo: same shape
// (main/backup host groups per plane), same query endpoint and response
// shape, but discovery is cached through internal/cachemap's generic
// single-flight TTL cache instead of a one-off sync.Map+singleflight.Group
// pair scoped to this package alone.
package region

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zeebo/errs"

	"github.com/qiniu/go-upload-sdk/httpclient"
	"github.com/qiniu/go-upload-sdk/internal/cachemap"
)

// Class is the error class for region discovery failures.
var Class = errs.Class("region")

// ID names one of the Service's canonical regions.
type ID string

const (
	Z0  ID = "z0"
	Z1  ID = "z1"
	Z2  ID = "z2"
	NA0 ID = "na0"
	AS0 ID = "as0"
)

// hostGroup is an ordered (primary, backups...) bundle of hosts for one
// plane, in both HTTP and HTTPS form.
type hostGroup struct {
	https []string
	http  []string
}

func group(hosts ...string) hostGroup {
	https := make([]string, len(hosts))
	httpHosts := make([]string, len(hosts))
	for i, h := range hosts {
		https[i] = "https://" + h
		httpHosts[i] = "http://" + h
	}
	return hostGroup{https: https, http: httpHosts}
}

func (g hostGroup) urls(useHTTPS bool) []string {
	if useHTTPS {
		return g.https
	}
	return g.http
}

// Region is one Service deployment's full set of plane host lists.
type Region struct {
	ID       ID
	Up       hostGroup
	UpOld    hostGroup
	IO       hostGroup
	RS       hostGroup
	RSF      hostGroup
	API      hostGroup
}

// UpURLs flattens the upload host lists in priority order: new upload
// hosts first, then legacy hosts as a last resort.
func (r Region) UpURLs(useHTTPS bool) []string {
	return append(append([]string{}, r.Up.urls(useHTTPS)...), r.UpOld.urls(useHTTPS)...)
}

func (r Region) IOURLs(useHTTPS bool) []string   { return r.IO.urls(useHTTPS) }
func (r Region) RSURLs(useHTTPS bool) []string   { return r.RS.urls(useHTTPS) }
func (r Region) RSFURLs(useHTTPS bool) []string  { return r.RSF.urls(useHTTPS) }
func (r Region) APIURLs(useHTTPS bool) []string  { return r.API.urls(useHTTPS) }

// builtin is the static table of five canonical regions (§4.D).
var builtin = []Region{
	{
		ID:    Z0,
		Up:    group("upload.qiniup.com", "up.qiniup.com"),
		UpOld: group("up.qbox.me"),
		IO:    group("iovip.qbox.me"),
		RS:    group("rs-z0.qiniuapi.com"),
		RSF:   group("rsf-z0.qiniuapi.com"),
		API:   group("api.qiniuapi.com"),
	},
	{
		ID:    Z1,
		Up:    group("upload-z1.qiniup.com", "up-z1.qiniup.com"),
		UpOld: group("up-z1.qbox.me"),
		IO:    group("iovip-z1.qbox.me"),
		RS:    group("rs-z1.qiniuapi.com"),
		RSF:   group("rsf-z1.qiniuapi.com"),
		API:   group("api-z1.qiniuapi.com"),
	},
	{
		ID:    Z2,
		Up:    group("upload-z2.qiniup.com", "up-z2.qiniup.com"),
		UpOld: group("up-z2.qbox.me"),
		IO:    group("iovip-z2.qbox.me"),
		RS:    group("rs-z2.qiniuapi.com"),
		RSF:   group("rsf-z2.qiniuapi.com"),
		API:   group("api-z2.qiniuapi.com"),
	},
	{
		ID:    NA0,
		Up:    group("upload-na0.qiniup.com", "up-na0.qiniup.com"),
		UpOld: group("up-na0.qbox.me"),
		IO:    group("iovip-na0.qbox.me"),
		RS:    group("rs-na0.qiniuapi.com"),
		RSF:   group("rsf-na0.qiniuapi.com"),
		API:   group("api-na0.qiniuapi.com"),
	},
	{
		ID:    AS0,
		Up:    group("upload-as0.qiniup.com", "up-as0.qiniup.com"),
		UpOld: group("up-as0.qbox.me"),
		IO:    group("iovip-as0.qbox.me"),
		RS:    group("rs-as0.qiniuapi.com"),
		RSF:   group("rsf-as0.qiniuapi.com"),
		API:   group("api-as0.qiniuapi.com"),
	},
}

// All returns every statically known region, primary use being the
// fallback "all possible upload URLs" path when discovery fails or is
// disabled (see uploader.NewObjectUploaderForBucketName).
func All() []Region {
	cp := make([]Region, len(builtin))
	copy(cp, builtin)
	return cp
}

// ByID looks up a statically known region.
func ByID(id ID) (Region, bool) {
	for _, r := range builtin {
		if r.ID == id {
			return r, true
		}
	}
	return Region{}, false
}

// cacheKey identifies one (ak, sk, bucket) discovery lookup. sk is
// included, not just ak, because distinct secret keys for the same ak
// never legitimately occur but the Rust original keys on the pair; we
// preserve that shape rather than assume uniqueness.
type cacheKey struct {
	AccessKey string
	SecretKey string
	Bucket    string
}

var queryCache = cachemap.New[cacheKey, []Region](24 * time.Hour)

// Clear drops every cached discovery result; test-only hook (§4.D: "a
// clear() hook is provided for tests").
func Clear() { queryCache.Clear() }

// queryResponse mirrors `GET {uc}/v4/query` (§6).
type queryResponse struct {
	Hosts []struct {
		Region string `json:"region"`
		Up     map[string]struct {
			Main   []string `json:"main"`
			Backup []string `json:"backup,omitempty"`
		} `json:"up"`
		IO  struct{ Src struct{ Main []string `json:"main"` } `json:"src"` } `json:"io"`
		RS  struct{ Main []string `json:"main"` } `json:"rs"`
		RSF struct{ Main []string `json:"main"` } `json:"rsf"`
		API struct{ Main []string `json:"main"` } `json:"api"`
	} `json:"hosts"`
}

// Query performs (or retrieves from cache) region discovery for
// (accessKey, secretKey, bucket) against ucURL, returning the primary
// region followed by any backups, per §4.D. Concurrent callers for the
// same key coalesce into a single HTTP call (testable property #4,
// E2E scenario #5).
func Query(ctx context.Context, client *httpclient.Client, ucURL, accessKey, secretKey, bucket string) ([]Region, error) {
	key := cacheKey{AccessKey: accessKey, SecretKey: secretKey, Bucket: bucket}
	return queryCache.GetOrLoad(key, func() ([]Region, error) {
		return query(ctx, client, ucURL, accessKey, bucket)
	})
}

func query(ctx context.Context, client *httpclient.Client, ucURL, accessKey, bucket string) ([]Region, error) {
	path := fmt.Sprintf("/v4/query?ak=%s&bucket=%s", accessKey, bucket)
	resp, err := client.Do(ctx, &httpclient.Request{
		Hosts:      []string{ucURL},
		Method:     http.MethodGet,
		PathQuery:  path,
		Idempotent: true,
	})
	if err != nil {
		return nil, Class.Wrap(err)
	}

	var parsed queryResponse
	if err := httpclient.ParseJSON(resp, &parsed); err != nil {
		return nil, Class.Wrap(err)
	}
	if len(parsed.Hosts) == 0 {
		return nil, Class.New("region discovery for bucket %q returned no hosts", bucket)
	}

	regions := make([]Region, 0, len(parsed.Hosts))
	for _, h := range parsed.Hosts {
		var src, acc []string
		if g, ok := h.Up["src"]; ok {
			src = append(append([]string{}, g.Main...), g.Backup...)
		}
		if g, ok := h.Up["acc"]; ok {
			acc = append(append([]string{}, g.Main...), g.Backup...)
		}
		up := append(append([]string{}, acc...), src...)
		regions = append(regions, Region{
			ID:  ID(strings.TrimSpace(h.Region)),
			Up:  group(up...),
			IO:  group(h.IO.Src.Main...),
			RS:  group(h.RS.Main...),
			RSF: group(h.RSF.Main...),
			API: group(h.API.Main...),
		})
	}
	return regions, nil
}
