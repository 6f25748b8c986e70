package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// S3BlobStore implements BlobStore on an S3 bucket. Each asset is a payload
// object plus a metadata sidecar object. Intended for deployments where the
// device cache lives on shared storage (e.g. a school lab server) rather than
// a single machine's disk.
type S3BlobStore struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

// NewS3BlobStore creates an S3-backed blob store. The prefix is optional and
// namespaces all keys.
func NewS3BlobStore(client *s3.Client, bucket, prefix string) *S3BlobStore {
	return &S3BlobStore{Client: client, Bucket: bucket, Prefix: prefix}
}

func (s *S3BlobStore) blobKey(id string) string {
	return s.Prefix + encodeAssetID(id) + localBlobExt
}

func (s *S3BlobStore) metaKey(id string) string {
	return s.Prefix + encodeAssetID(id) + localMetaExt
}

func (s *S3BlobStore) Get(ctx context.Context, id string) (*BlobAsset, error) {
	info, err := s.Stat(ctx, id)
	if err != nil {
		return nil, err
	}

	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.blobKey(id)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, id)
		}
		return nil, fmt.Errorf("get blob %s: %w", id, err)
	}
	defer out.Body.Close()

	blob, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}

	return &BlobAsset{
		ID:           info.ID,
		Kind:         info.Kind,
		Meta:         info.Meta,
		Version:      info.Version,
		Blob:         blob,
		SizeBytes:    int64(len(blob)),
		CachedAt:     info.CachedAt,
		LastAccessed: info.LastAccessed,
	}, nil
}

func (s *S3BlobStore) Stat(ctx context.Context, id string) (*BlobAssetInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.metaKey(id)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, id)
		}
		return nil, fmt.Errorf("get asset meta %s: %w", id, err)
	}
	defer out.Body.Close()

	var info BlobAssetInfo
	if err := json.NewDecoder(out.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode asset meta %s: %w", id, err)
	}

	head, err := s.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.blobKey(id)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, id)
		}
		return nil, fmt.Errorf("head blob %s: %w", id, err)
	}
	if head.ContentLength != nil {
		info.SizeBytes = *head.ContentLength
	}
	return &info, nil
}

func (s *S3BlobStore) Put(ctx context.Context, asset *BlobAsset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if asset == nil || asset.ID == "" {
		return fmt.Errorf("asset id is required")
	}

	info := BlobAssetInfo{
		ID:           asset.ID,
		Kind:         asset.Kind,
		Meta:         asset.Meta,
		Version:      asset.Version,
		SizeBytes:    int64(len(asset.Blob)),
		CachedAt:     asset.CachedAt.UTC(),
		LastAccessed: asset.LastAccessed.UTC(),
	}
	metaRaw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode asset meta %s: %w", asset.ID, err)
	}

	// payload first, sidecar second: a crash between the two leaves a blob
	// without metadata, which List/Stat treat as absent
	if _, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.blobKey(asset.ID)),
		Body:   bytes.NewReader(asset.Blob),
	}); err != nil {
		return fmt.Errorf("put blob %s: %w", asset.ID, err)
	}
	if _, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.metaKey(asset.ID)),
		Body:   bytes.NewReader(metaRaw),
	}); err != nil {
		return fmt.Errorf("put asset meta %s: %w", asset.ID, err)
	}
	return nil
}

func (s *S3BlobStore) Touch(ctx context.Context, id string, at time.Time) error {
	info, err := s.Stat(ctx, id)
	if err != nil {
		return err
	}
	info.LastAccessed = at.UTC()

	metaRaw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode asset meta %s: %w", id, err)
	}
	if _, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.metaKey(id)),
		Body:   bytes.NewReader(metaRaw),
	}); err != nil {
		return fmt.Errorf("touch asset %s: %w", id, err)
	}
	return nil
}

func (s *S3BlobStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		return nil
	}

	for _, key := range []string{s.metaKey(id), s.blobKey(id)} {
		if _, err := s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(key),
		}); err != nil {
			return fmt.Errorf("delete asset %s: %w", id, err)
		}
	}
	return nil
}

func (s *S3BlobStore) List(ctx context.Context) ([]BlobAssetInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items := make([]BlobAssetInfo, 0)
	var token *string

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out, err := s.Client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.Bucket),
			Prefix:            aws.String(s.Prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list assets: %w", err)
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, localMetaExt) {
				continue
			}
			meta, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(s.Bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				continue // sidecar deleted mid-scan; skip
			}
			var info BlobAssetInfo
			decodeErr := json.NewDecoder(meta.Body).Decode(&info)
			meta.Body.Close()
			if decodeErr != nil {
				continue
			}
			items = append(items, info)
		}

		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func isS3NotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	// HeadObject reports 404 without a modeled error type.
	var responseErr *smithyhttp.ResponseError
	return errors.As(err, &responseErr) && responseErr.HTTPStatusCode() == 404
}
