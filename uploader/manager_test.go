package uploader

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/qiniu/go-upload-sdk/httpclient"
	"github.com/qiniu/go-upload-sdk/region"
)

func newNopTestClient(t *testing.T) *httpclient.Client {
	t.Helper()
	return httpclient.New(httpclient.HTTPCallerFunc(func(req *http.Request) (*http.Response, error) {
		t.Fatal("no HTTP call expected in this test")
		return nil, nil
	}))
}

func TestUpURLsListForRegionsFlattensInOrder(t *testing.T) {
	regions := []region.Region{region.All()[0], region.All()[1]}
	list := UpURLsListForRegions(regions, true)
	assert.Len(t, list, 2)
	assert.Equal(t, regions[0].UpURLs(true), list[0])
	assert.Equal(t, regions[1].UpURLs(true), list[1])
}

func TestNewObjectUploaderForBucketNameUsesDiscoveredRegions(t *testing.T) {
	client := newNopTestClient(t)
	form := NewFormUploader(client)
	resumable := NewResumableUploader(client)
	discovered := []region.Region{region.All()[2]}

	ou, list := NewObjectUploaderForBucketName(context.Background(), form, resumable, DefaultResumablePolicy(),
		func(ctx context.Context) ([]region.Region, error) { return discovered, nil }, true)

	assert.NotNil(t, ou)
	assert.Equal(t, UpURLsListForRegions(discovered, true), list)
}

func TestNewObjectUploaderForBucketNameFallsBackOnDiscoveryError(t *testing.T) {
	client := newNopTestClient(t)
	form := NewFormUploader(client)
	resumable := NewResumableUploader(client)

	_, list := NewObjectUploaderForBucketName(context.Background(), form, resumable, DefaultResumablePolicy(),
		func(ctx context.Context) ([]region.Region, error) { return nil, errors.New("discovery down") }, true)

	assert.Equal(t, UpURLsListForRegions(region.All(), true), list)
}
