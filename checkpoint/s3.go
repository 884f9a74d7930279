package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"bridge-relayer/models"
)

const (
	latestIndexKey   = "checkpoint_latest_index.json"
	checkpointKeyFmt = "checkpoint_%d_with_id.json"
)

// S3Source reads a validator's signed checkpoints from the S3 bucket the
// validator publishes to. Object layout: checkpoint_latest_index.json holds
// the highest signed index, checkpoint_{index}_with_id.json each signed
// checkpoint.
type S3Source struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Source builds a source for one validator's bucket. An empty prefix
// reads from the bucket root.
func NewS3Source(ctx context.Context, bucket, prefix, region string) (*S3Source, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Source{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

func (s *S3Source) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + name
}

func (s *S3Source) getObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, nil
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// LatestIndex returns the highest index the validator has signed.
func (s *S3Source) LatestIndex(ctx context.Context) (uint32, bool, error) {
	data, err := s.getObject(ctx, s.key(latestIndexKey))
	if err != nil {
		return 0, false, err
	}
	if data == nil {
		return 0, false, nil
	}
	latest, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, false, fmt.Errorf("parse latest index: %w", err)
	}
	return uint32(latest), true, nil
}

// FetchCheckpoint returns the validator's signed checkpoint at index, or
// (nil, nil) if the validator has not signed that index.
func (s *S3Source) FetchCheckpoint(ctx context.Context, index uint32) (*models.SignedCheckpoint, error) {
	data, err := s.getObject(ctx, s.key(fmt.Sprintf(checkpointKeyFmt, index)))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var sc models.SignedCheckpoint
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("decode checkpoint %d: %w", index, err)
	}
	return &sc, nil
}
