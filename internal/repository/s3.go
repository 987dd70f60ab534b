package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/carbon-vault/internal/config"
	"github.com/kenneth/carbon-vault/internal/crypto"
)

// preloadWorkers bounds the concurrency of pipelined prefetch reads.
const preloadWorkers = 8

// ObjectClient is the slice of the S3 API the repository needs. The
// AWS client satisfies it; tests substitute an in-memory fake.
type ObjectClient interface {
	PutObject(ctx context.Context, bucket, key string, body io.Reader) error
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	ListObjects(ctx context.Context, bucket, prefix, startAfter string, maxKeys int32) ([]string, error)
}

// S3 is a repository stored in an S3-compatible bucket. Puts and
// deletes are buffered until Commit so the committed object set only
// ever advances atomically with respect to the manifest write that
// precedes it.
type S3 struct {
	client ObjectClient
	bucket string
	prefix string
	ctx    context.Context
	logger *logrus.Logger

	staged   map[crypto.ID][]byte
	deleted  map[crypto.ID]struct{}
	prefetch map[crypto.ID][]byte
}

// NewS3 builds an S3 repository from configuration.
func NewS3(ctx context.Context, cfg *config.BackendConfig, logger *logrus.Logger) (*S3, error) {
	client, err := newAWSClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewS3WithClient(ctx, client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewS3WithClient wires an explicit client; used by tests.
func NewS3WithClient(ctx context.Context, client ObjectClient, bucket, prefix string, logger *logrus.Logger) *S3 {
	if logger == nil {
		logger = logrus.New()
	}
	return &S3{
		client:   client,
		bucket:   bucket,
		prefix:   prefix,
		ctx:      ctx,
		logger:   logger,
		staged:   make(map[crypto.ID][]byte),
		deleted:  make(map[crypto.ID]struct{}),
		prefetch: make(map[crypto.ID][]byte),
	}
}

func (r *S3) key(id crypto.ID) string {
	return r.prefix + "objects/" + id.Hex()
}

// Get implements Repository.
func (r *S3) Get(id crypto.ID) ([]byte, error) {
	if _, ok := r.deleted[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	if data, ok := r.staged[id]; ok {
		return data, nil
	}
	if data, ok := r.prefetch[id]; ok {
		delete(r.prefetch, id)
		return data, nil
	}
	data, err := r.client.GetObject(r.ctx, r.bucket, r.key(id))
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
		}
		return nil, fmt.Errorf("failed to get object %s: %w", id, err)
	}
	return data, nil
}

// Put implements Repository.
func (r *S3) Put(id crypto.ID, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	r.staged[id] = buf
	delete(r.deleted, id)
	return nil
}

// Delete implements Repository.
func (r *S3) Delete(id crypto.ID) error {
	if _, ok := r.staged[id]; ok {
		delete(r.staged, id)
		return nil
	}
	r.deleted[id] = struct{}{}
	return nil
}

// List implements Repository.
func (r *S3) List(limit int, marker *crypto.ID) ([]crypto.ID, error) {
	startAfter := ""
	if marker != nil {
		startAfter = r.key(*marker)
	}
	// Over-fetch so tombstoned keys don't shrink the page below limit.
	keys, err := r.client.ListObjects(r.ctx, r.bucket, r.prefix+"objects/", startAfter, int32(limit+len(r.deleted)))
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}

	ids := make([]crypto.ID, 0, len(keys))
	for _, k := range keys {
		if len(k) < crypto.IDSize*2 {
			continue
		}
		id, err := crypto.ParseID(k[len(k)-crypto.IDSize*2:])
		if err != nil {
			continue
		}
		if _, gone := r.deleted[id]; gone {
			continue
		}
		ids = append(ids, id)
	}
	// Merge staged ids that sort into this page.
	for id := range r.staged {
		if marker != nil && id.Hex() <= marker.Hex() {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Hex() < ids[j].Hex() })
	ids = dedupeIDs(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func dedupeIDs(ids []crypto.ID) []crypto.ID {
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || id != ids[i-1] {
			out = append(out, id)
		}
	}
	return out
}

// Preload implements Repository: pipelined concurrent reads into the
// prefetch buffer. Failed reads are dropped here and surface on Get.
func (r *S3) Preload(ids []crypto.ID) {
	type result struct {
		id   crypto.ID
		data []byte
	}

	pending := make([]crypto.ID, 0, len(ids))
	for _, id := range ids {
		if _, ok := r.prefetch[id]; ok {
			continue
		}
		if _, ok := r.staged[id]; ok {
			continue
		}
		pending = append(pending, id)
	}
	if len(pending) == 0 {
		return
	}

	jobs := make(chan crypto.ID, len(pending))
	results := make(chan result, len(pending))
	var wg sync.WaitGroup
	workers := preloadWorkers
	if len(pending) < workers {
		workers = len(pending)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				data, err := r.client.GetObject(r.ctx, r.bucket, r.key(id))
				if err != nil {
					continue
				}
				results <- result{id: id, data: data}
			}
		}()
	}
	for _, id := range pending {
		jobs <- id
	}
	close(jobs)
	wg.Wait()
	close(results)
	for res := range results {
		r.prefetch[res.id] = res.data
	}
}

// Commit implements Repository.
func (r *S3) Commit() error {
	for id, data := range r.staged {
		if err := r.client.PutObject(r.ctx, r.bucket, r.key(id), bytes.NewReader(data)); err != nil {
			return fmt.Errorf("failed to commit object %s: %w", id, err)
		}
	}
	for id := range r.deleted {
		if err := r.client.DeleteObject(r.ctx, r.bucket, r.key(id)); err != nil {
			return fmt.Errorf("failed to delete object %s: %w", id, err)
		}
	}
	r.staged = make(map[crypto.ID][]byte)
	r.deleted = make(map[crypto.ID]struct{})
	return nil
}

// Len implements Repository.
func (r *S3) Len() int {
	count := len(r.staged)
	var marker *crypto.ID
	for {
		page, err := r.List(ListPageSize, marker)
		if err != nil || len(page) == 0 {
			break
		}
		for _, id := range page {
			if _, ok := r.staged[id]; !ok {
				count++
			}
		}
		last := page[len(page)-1]
		marker = &last
	}
	return count
}

// awsClient adapts the AWS SDK to ObjectClient.
type awsClient struct {
	client *awss3.Client
}

func newAWSClient(ctx context.Context, cfg *config.BackendConfig) (*awsClient, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Non-AWS providers need their endpoint set and generally only
	// support path-style addressing.
	opts := []func(*awss3.Options){}
	if cfg.Endpoint != "" && cfg.Provider != "aws" {
		opts = append(opts, func(o *awss3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &awsClient{client: awss3.NewFromConfig(awsCfg, opts...)}, nil
}

func (c *awsClient) PutObject(ctx context.Context, bucket, key string, body io.Reader) error {
	_, err := c.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (c *awsClient) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := c.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (c *awsClient) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := c.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (c *awsClient) ListObjects(ctx context.Context, bucket, prefix, startAfter string, maxKeys int32) ([]string, error) {
	input := &awss3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	if startAfter != "" {
		input.StartAfter = aws.String(startAfter)
	}
	if maxKeys > 0 {
		input.MaxKeys = aws.Int32(maxKeys)
	}
	out, err := c.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		keys = append(keys, aws.ToString(obj.Key))
	}
	return keys, nil
}
