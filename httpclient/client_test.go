package httpclient

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func hostsForRegions(regions, hostsPerRegion int) [][]string {
	out := make([][]string, regions)
	for r := 0; r < regions; r++ {
		hosts := make([]string, hostsPerRegion)
		for h := 0; h < hostsPerRegion; h++ {
			hosts[h] = "https://upload-r" + string(rune('0'+r)) + "-h" + string(rune('0'+h)) + ".example.com"
		}
		out[r] = hosts
	}
	return out
}

func TestDoHappyPathSingleCall(t *testing.T) {
	var calls int32
	caller := HTTPCallerFunc(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return fakeResponse(200, `{"key":"abc","hash":"def"}`), nil
	})

	c := New(caller, WithRetries(3))
	resp, err := c.Do(context.Background(), &Request{
		Hosts:  []string{"https://upload.example.com"},
		Method: http.MethodPost,
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestDo500RetriesAcrossAllHostsThenFails(t *testing.T) {
	var calls int32
	caller := HTTPCallerFunc(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return fakeResponse(500, `{"error":"test error"}`), nil
	})

	c := New(caller, WithRetries(3), WithRetryDelay(0))

	regionHosts := hostsForRegions(2, 2)
	var lastErr error
	for _, hosts := range regionHosts {
		_, err := c.Do(context.Background(), &Request{Hosts: hosts, Method: http.MethodPost})
		lastErr = err
		var httpErr *HTTPError
		require.ErrorAs(t, err, &httpErr)
		if httpErr.Kind == ZoneUnretryableError {
			break
		}
	}
	require.Error(t, lastErr)
	assert.EqualValues(t, 16, atomic.LoadInt32(&calls))
}

func TestDo503FailsFastPerHost(t *testing.T) {
	var calls int32
	caller := HTTPCallerFunc(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return fakeResponse(503, ``), nil
	})

	c := New(caller, WithRetries(3), WithRetryDelay(0))

	regionHosts := hostsForRegions(2, 2)
	for _, hosts := range regionHosts {
		_, err := c.Do(context.Background(), &Request{Hosts: hosts, Method: http.MethodPost})
		require.Error(t, err)
	}
	assert.EqualValues(t, 4, atomic.LoadInt32(&calls))
}

func TestDo400IncorrectRegionAdvancesImmediately(t *testing.T) {
	var calls int32
	caller := HTTPCallerFunc(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return fakeResponse(400, `incorrect region, please use z3h1.com`), nil
	})

	c := New(caller, WithRetries(3), WithRetryDelay(0))

	regionHosts := hostsForRegions(2, 2)
	for _, hosts := range regionHosts {
		_, err := c.Do(context.Background(), &Request{Hosts: hosts, Method: http.MethodPost})
		var httpErr *HTTPError
		require.ErrorAs(t, err, &httpErr)
		assert.Equal(t, ZoneUnretryableError, httpErr.Kind)
	}
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestStatusCodeErrorExtractsServiceMessage(t *testing.T) {
	_, err := ClassifyStatus(404, []byte(`{"error":"no such file or directory"}`))
	var sce *ResponseStatusCodeError
	require.ErrorAs(t, err, &sce)
	assert.Equal(t, "no such file or directory", sce.Message)
	assert.Equal(t, "404", sce.QError.Code)
}

func TestStatusCodeErrorFallsBackToRawBody(t *testing.T) {
	_, err := ClassifyStatus(500, []byte("gateway timeout"))
	var sce *ResponseStatusCodeError
	require.ErrorAs(t, err, &sce)
	assert.Equal(t, "gateway timeout", sce.Message)
}

func TestDoFreezesUnretryableHostWithinCall(t *testing.T) {
	var seenHosts []string
	caller := HTTPCallerFunc(func(req *http.Request) (*http.Response, error) {
		seenHosts = append(seenHosts, req.URL.Host)
		if req.URL.Host == "h0.example.com" {
			return fakeResponse(503, ``), nil
		}
		return fakeResponse(200, `{"key":"ok"}`), nil
	})

	c := New(caller, WithRetries(0), WithRetryDelay(0))
	resp, err := c.Do(context.Background(), &Request{
		Hosts:  []string{"https://h0.example.com", "https://h1.example.com"},
		Method: http.MethodPost,
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []string{"h0.example.com", "h1.example.com"}, seenHosts)
}

func TestClassifyStatus(t *testing.T) {
	kind, err := ClassifyStatus(200, nil)
	assert.Equal(t, Unretryable, kind)
	assert.NoError(t, err)

	kind, err = ClassifyStatus(404, []byte("not found"))
	assert.Equal(t, Unretryable, kind)
	assert.Error(t, err)

	kind, _ = ClassifyStatus(400, []byte("incorrect zone, retry"))
	assert.Equal(t, ZoneUnretryableError, kind)

	kind, _ = ClassifyStatus(502, nil)
	assert.Equal(t, RetryableError, kind)

	kind, _ = ClassifyStatus(503, nil)
	assert.Equal(t, HostUnretryableError, kind)
}
