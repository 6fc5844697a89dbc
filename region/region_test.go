package region

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/go-upload-sdk/httpclient"
)

func TestUpURLsFlattensPriorityOrder(t *testing.T) {
	r, ok := ByID(Z0)
	require.True(t, ok)
	urls := r.UpURLs(true)
	require.NotEmpty(t, urls)
	assert.True(t, strings.HasPrefix(urls[0], "https://upload.qiniup.com") || strings.HasPrefix(urls[0], "https://up.qiniup.com"))
	assert.Contains(t, urls, "https://up.qbox.me")
}

func TestAllReturnsFiveCanonicalRegions(t *testing.T) {
	assert.Len(t, All(), 5)
}

const queryBody = `{"hosts":[{"region":"z0","up":{"acc":{"main":["upload.qiniup.com"]},"src":{"main":["up.qiniup.com"]}},"io":{"src":{"main":["iovip.qbox.me"]}},"rs":{"main":["rs-z0.qiniuapi.com"]},"rsf":{"main":["rsf-z0.qiniuapi.com"]},"api":{"main":["api.qiniuapi.com"]}}]}`

func TestQuerySingleFlightAcrossConcurrentCallers(t *testing.T) {
	Clear()
	var calls int32
	caller := httpclient.HTTPCallerFunc(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return &http.Response{StatusCode: 200, Header: http.Header{}, Body: newBody(queryBody)}, nil
	})
	client := httpclient.New(caller)

	const n = 4
	var wg sync.WaitGroup
	results := make([][]Region, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			regions, err := Query(context.Background(), client, "https://uc.qiniuapi.com", "ak", "sk", "test-bucket")
			require.NoError(t, err)
			results[i] = regions
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	for i := 1; i < n; i++ {
		assert.Equal(t, results[0], results[i])
	}
	require.Len(t, results[0], 1)
	assert.Equal(t, ID("z0"), results[0][0].ID)
}

func newBody(s string) *readCloser { return &readCloser{Reader: strings.NewReader(s)} }

type readCloser struct{ *strings.Reader }

func (r *readCloser) Close() error { return nil }
