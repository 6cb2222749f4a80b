package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempshare/internal/config"
)

type fakeS3 struct {
	mu         sync.Mutex
	objects    map[string][]byte
	headErr    error
	deleteErr  error
	lastBucket string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastBucket = aws.ToString(in.Bucket)
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headErr
}

func TestS3StoreRoundTrip(t *testing.T) {
	fake := newFakeS3()
	s := newS3Store(fake, "vault")
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "2026/10/18/a.txt", strings.NewReader("payload"), 7))
	assert.Equal(t, "vault", fake.lastBucket)

	rc, err := s.Open(ctx, "2026/10/18/a.txt")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "payload", string(data))

	require.NoError(t, s.Delete(ctx, "2026/10/18/a.txt"))
	_, err = s.Open(ctx, "2026/10/18/a.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	// deleting a missing object is not an error on S3
	assert.NoError(t, s.Delete(ctx, "2026/10/18/a.txt"))
}

func TestS3StoreErrorMapping(t *testing.T) {
	fake := newFakeS3()
	s := newS3Store(fake, "vault")

	fake.deleteErr = &smithy.GenericAPIError{Code: "NotFound", Message: "gone"}
	assert.ErrorIs(t, s.Delete(context.Background(), "k"), ErrNotFound)

	fake.deleteErr = errors.New("network down")
	err := s.Delete(context.Background(), "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	fake.headErr = errors.New("forbidden")
	assert.Error(t, s.HealthCheck(context.Background()))
}

func TestNewS3StoreUsesStaticCredentials(t *testing.T) {
	orig := loadDefaultAWSConfig
	t.Cleanup(func() { loadDefaultAWSConfig = orig })

	var optCount int
	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		optCount = len(optFns)
		return aws.Config{Region: "us-east-1"}, nil
	}

	s, err := NewS3Store(context.Background(), config.StorageConfig{
		S3Bucket:       "vault",
		S3Region:       "us-east-1",
		S3BaseEndpoint: "http://127.0.0.1:9000",
		S3AccessKey:    "admin",
		S3SecretKey:    "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "vault", s.bucket)
	assert.Equal(t, 2, optCount)

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("no config")
	}
	_, err = NewS3Store(context.Background(), config.StorageConfig{S3Bucket: "vault"})
	assert.Error(t, err)
}
