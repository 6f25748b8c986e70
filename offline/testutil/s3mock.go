// Package testutil provides in-process service fakes for the offline engine's
// test suites.
package testutil

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

// S3Fixture is an in-process S3 endpoint with one pre-created bucket. It is
// torn down automatically when the test finishes.
type S3Fixture struct {
	Client *s3.Client
	Bucket string

	server *httptest.Server
}

// RunS3 starts a gofakes3 server backed by memory, points an s3.Client at it,
// and creates the bucket. Fatal on any setup failure.
func RunS3(t *testing.T, bucket string) *S3Fixture {
	t.Helper()
	if bucket == "" {
		t.Fatal("bucket is required")
	}

	server := httptest.NewServer(gofakes3.New(s3mem.New()).Server())
	t.Cleanup(server.Close)

	ctx := context.Background()
	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion("ap-south-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	if err != nil {
		t.Fatalf("load aws config: %v", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String(server.URL)
	})
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Fatalf("create bucket %q: %v", bucket, err)
	}

	return &S3Fixture{Client: client, Bucket: bucket, server: server}
}

// Endpoint returns the fake server's base URL.
func (f *S3Fixture) Endpoint() string {
	return f.server.URL
}
