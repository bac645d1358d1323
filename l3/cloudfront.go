package l3

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// s3Putter is the subset of *s3.Client CloudFrontEdge depends on, narrowed
// to keep the type testable without a live AWS endpoint.
type s3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// cfInvalidator is the subset of *cloudfront.Client CloudFrontEdge depends
// on.
type cfInvalidator interface {
	CreateInvalidation(ctx context.Context, params *cloudfront.CreateInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error)
}

// CloudFrontConfig configures a CloudFrontEdge.
type CloudFrontConfig struct {
	Bucket         string
	DistributionID string
	// OriginDomain is the CDN-facing hostname content is served from
	// (e.g. a CloudFront distribution's domain name), used to build the
	// bound URL without a round trip to describe the distribution.
	OriginDomain string
}

// CloudFrontEdge is the production Edge, backed by S3 as the origin object
// store and CloudFront for CDN invalidation.
type CloudFrontEdge struct {
	s3   s3Putter
	cf   cfInvalidator
	cfg  CloudFrontConfig
	bind *bindingTable
}

// NewCloudFrontEdge constructs a CloudFrontEdge. s3Client and cfClient are
// accepted as narrow interfaces so tests can supply fakes without a live
// AWS account.
func NewCloudFrontEdge(s3Client s3Putter, cfClient cfInvalidator, cfg CloudFrontConfig) *CloudFrontEdge {
	return &CloudFrontEdge{
		s3:   s3Client,
		cf:   cfClient,
		cfg:  cfg,
		bind: newBindingTable(),
	}
}

func objectKeyFor(logicalKey string) string {
	return "cache/" + strings.ReplaceAll(logicalKey, ":", "/")
}

func (e *CloudFrontEdge) CacheContent(ctx context.Context, logicalKey string, content []byte, contentType string, ttl time.Duration) (string, error) {
	objectKey := objectKeyFor(logicalKey)

	_, err := e.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.cfg.Bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("l3: put object %q: %w", objectKey, err)
	}

	url := fmt.Sprintf("https://%s/%s", e.cfg.OriginDomain, objectKey)
	e.bind.put(&CDNBinding{
		LogicalKey:  logicalKey,
		URL:         url,
		ObjectKey:   objectKey,
		ContentType: contentType,
		StoredAt:    time.Now(),
		TTL:         ttl,
	})
	return url, nil
}

func (e *CloudFrontEdge) GetCachedURL(logicalKey string) (string, bool) {
	b, ok := e.bind.get(logicalKey)
	if !ok {
		return "", false
	}
	return b.URL, true
}

func (e *CloudFrontEdge) Invalidate(ctx context.Context, logicalKey string) error {
	b, ok := e.bind.delete(logicalKey)
	if !ok {
		return nil
	}

	_, err := e.cf.CreateInvalidation(ctx, &cloudfront.CreateInvalidationInput{
		DistributionId: aws.String(e.cfg.DistributionID),
		InvalidationBatch: &cftypes.InvalidationBatch{
			CallerReference: aws.String(uuid.NewString()),
			Paths: &cftypes.Paths{
				Quantity: aws.Int32(1),
				Items:    []string{"/" + b.ObjectKey},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("l3: create invalidation for %q: %w", logicalKey, err)
	}
	return nil
}

func (e *CloudFrontEdge) CleanupExpiredBindings() int {
	return e.bind.cleanupExpired()
}

func (e *CloudFrontEdge) Health(context.Context) (bool, map[string]any) {
	return true, map[string]any{"bound_keys": e.bind.size()}
}

func (e *CloudFrontEdge) Close() error { return nil }
