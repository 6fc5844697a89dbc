package uploader

import (
	"context"
	"runtime"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/qiniu/go-upload-sdk/uptoken"
)

// BatchUploadJob is one unit of work in a BatchUploader (§4.J), grounded
// on original_source/qiniu-rust/src/storage/uploader/batch_uploader.rs's
// BatchUploadJob: a self-contained (token, key?, vars, metadata, input,
// policy override, progress/completion callbacks) tuple.
type BatchUploadJob struct {
	ID              string
	Token           *uptoken.UploadToken
	Key             string
	HasKey          bool
	Vars            Vars
	Metadata        Metadata
	ChecksumEnabled bool
	ResumablePolicy *ResumablePolicy // nil = use the batch uploader's default
	Input           *Input
	AccessKey       string
	Bucket          string
	Digest          string
	UpURLsList      UpURLsList
	OnProgress      ProgressFunc
	OnCompleted     func(*UploadResponse, error)
}

// JobBuilder fluently constructs a BatchUploadJob (§4.F-style builder
// pattern, applied here per spec.md's supplemented-features note on
// BatchUploadJobBuilder).
type JobBuilder struct {
	job BatchUploadJob
}

// NewJobBuilder starts a job for token, uploading from in across
// upURLsList.
func NewJobBuilder(token *uptoken.UploadToken, in *Input, upURLsList UpURLsList) *JobBuilder {
	return &JobBuilder{job: BatchUploadJob{
		ID:         uuid.NewString(),
		Token:      token,
		Input:      in,
		UpURLsList: upURLsList,
		Vars:       Vars{},
		Metadata:   Metadata{},
	}}
}

func (b *JobBuilder) Key(key string) *JobBuilder {
	b.job.Key, b.job.HasKey = key, true
	return b
}
func (b *JobBuilder) Var(name, value string) *JobBuilder   { b.job.Vars[name] = value; return b }
func (b *JobBuilder) Meta(name, value string) *JobBuilder  { b.job.Metadata[name] = value; return b }
func (b *JobBuilder) Checksum(enabled bool) *JobBuilder    { b.job.ChecksumEnabled = enabled; return b }
func (b *JobBuilder) Policy(p ResumablePolicy) *JobBuilder { b.job.ResumablePolicy = &p; return b }
func (b *JobBuilder) OnProgress(fn ProgressFunc) *JobBuilder {
	b.job.OnProgress = fn
	return b
}
func (b *JobBuilder) OnCompleted(fn func(*UploadResponse, error)) *JobBuilder {
	b.job.OnCompleted = fn
	return b
}
func (b *JobBuilder) AccessKeyBucketDigest(accessKey, bucket, digest string) *JobBuilder {
	b.job.AccessKey, b.job.Bucket, b.job.Digest = accessKey, bucket, digest
	return b
}

// Build finalizes the job.
func (b *JobBuilder) Build() BatchUploadJob { return b.job }

// BatchUploader drains a set of independent jobs over a shared,
// caller-bounded worker pool (§4.J). Jobs share no upload state; each
// chooses its own token and its own resumable policy.
type BatchUploader struct {
	object         *ObjectUploader
	defaultPolicy  ResumablePolicy
	poolSize       int
	maxConcurrency int
}

// NewBatchUploader builds a BatchUploader. poolSize defaults to
// max(2, NumCPU) per §4.J; maxConcurrency additionally bounds
// concurrently in-flight jobs.
func NewBatchUploader(object *ObjectUploader, defaultPolicy ResumablePolicy, poolSize, maxConcurrency int) *BatchUploader {
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 2 {
			poolSize = 2
		}
	}
	if maxConcurrency <= 0 {
		maxConcurrency = poolSize
	}
	return &BatchUploader{object: object, defaultPolicy: defaultPolicy, poolSize: poolSize, maxConcurrency: maxConcurrency}
}

// Start drains jobs across the worker pool, blocking until every job's
// OnCompleted callback has fired (§4.J). An empty job list returns
// immediately (intentional per §9 design notes). Callbacks may run on
// arbitrary goroutines concurrently.
func (b *BatchUploader) Start(ctx context.Context, jobs []BatchUploadJob) {
	if len(jobs) == 0 {
		return
	}

	limit := b.maxConcurrency
	if b.poolSize < limit {
		limit = b.poolSize
	}
	sem := semaphore.NewWeighted(int64(limit))
	done := make(chan struct{}, len(jobs))

	for i := range jobs {
		job := jobs[i]
		go func() {
			if err := sem.Acquire(ctx, 1); err != nil {
				if job.OnCompleted != nil {
					job.OnCompleted(nil, err)
				}
				done <- struct{}{}
				return
			}
			defer sem.Release(1)
			defer func() { done <- struct{}{} }()

			policy := b.defaultPolicy
			if job.ResumablePolicy != nil {
				policy = *job.ResumablePolicy
			}
			uploader := b.object
			if job.ResumablePolicy != nil {
				uploader = NewObjectUploader(b.object.form, b.object.resumable, policy)
			}

			req := &Request{
				Token:           job.Token,
				UpURLsList:      job.UpURLsList,
				Key:             job.Key,
				HasKey:          job.HasKey,
				Vars:            job.Vars,
				Metadata:        job.Metadata,
				OnProgress:      job.OnProgress,
				ChecksumEnabled: job.ChecksumEnabled,
			}
			resp, err := uploader.Upload(ctx, req, job.Input, job.AccessKey, job.Bucket, job.Digest)
			if job.OnCompleted != nil {
				job.OnCompleted(resp, err)
			}
		}()
	}

	for range jobs {
		<-done
	}
}
