package domain

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/go-upload-sdk/auth"
	"github.com/qiniu/go-upload-sdk/httpclient"
)

func TestQueryReturnsDomainsInOrder(t *testing.T) {
	Clear()
	var calls int32
	caller := httpclient.HTTPCallerFunc(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return &http.Response{
			StatusCode: 200,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader(`["cdn1.example.com","cdn2.example.com"]`)),
		}, nil
	})
	client := httpclient.New(caller)
	cred := auth.MustNew("ak", "sk")

	domains, err := Query(context.Background(), client, "https://api.qiniuapi.com", cred, "test-bucket")
	require.NoError(t, err)
	assert.Equal(t, []string{"cdn1.example.com", "cdn2.example.com"}, domains)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	_, err = Query(context.Background(), client, "https://api.qiniuapi.com", cred, "test-bucket")
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestQueryNoDomainsBound(t *testing.T) {
	Clear()
	caller := httpclient.HTTPCallerFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: 200, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(`[]`))}, nil
	})
	client := httpclient.New(caller)
	cred := auth.MustNew("ak", "sk")

	_, err := Query(context.Background(), client, "https://api.qiniuapi.com", cred, "empty-bucket")
	assert.ErrorIs(t, err, ErrNoDomainsBound)
}
