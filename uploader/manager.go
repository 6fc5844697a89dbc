package uploader

import (
	"context"

	"github.com/qiniu/go-upload-sdk/region"
)

// UpURLsListForRegions flattens a region list into the outer/inner
// up_urls_list shape FormUploader/ResumableUploader expect.
func UpURLsListForRegions(regions []region.Region, useHTTPS bool) UpURLsList {
	out := make(UpURLsList, len(regions))
	for i, r := range regions {
		out[i] = r.UpURLs(useHTTPS)
	}
	return out
}

// NewObjectUploaderForBucketName builds the up_urls_list for a bucket by
// querying region discovery directly, without requiring a prebuilt
// Bucket handle, and wraps it into an ObjectUploader. If discovery fails,
// it falls back to every statically known region's upload hosts
// (grounded on
// original_source/qiniu-rust/src/storage/uploader/upload_manager.rs's
// UploadManager::for_bucket_name, which degrades to
// Region::all_possible_up_urls_list on a discovery error rather than
// failing outright).
func NewObjectUploaderForBucketName(ctx context.Context, form *FormUploader, resumable *ResumableUploader, policy ResumablePolicy, queryFn func(ctx context.Context) ([]region.Region, error), useHTTPS bool) (*ObjectUploader, UpURLsList) {
	var list UpURLsList
	if regions, err := queryFn(ctx); err == nil && len(regions) > 0 {
		list = UpURLsListForRegions(regions, useHTTPS)
	} else {
		list = UpURLsListForRegions(region.All(), useHTTPS)
	}
	return NewObjectUploader(form, resumable, policy), list
}
