package s3multipart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	qhttp "github.com/habbes/quickbyte-sub000/internal/http"
	"github.com/habbes/quickbyte-sub000/internal/provider"
	"github.com/habbes/quickbyte-sub000/internal/recovery"
)

func init() {
	provider.Register(provider.KindS3, open)
}

func open(ctx context.Context, cfg provider.Config) (provider.Provider, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3multipart: bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3multipart: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return New(client, cfg.HTTP, Options{
		Bucket:        cfg.Bucket,
		PresignExpiry: cfg.PresignExpiry,
		Logger:        cfg.Logger,
	}), nil
}

// S3 multipart limits. Every part but the last must be at least
// MinPartSize.
const (
	MaxParts    = 10000
	MinPartSize = 5 << 20
	MaxPartSize = 5 << 30
)

// ErrPartLimits is returned for block sizes or object sizes a multipart
// upload cannot hold.
var ErrPartLimits = errors.New("s3multipart: outside multipart upload limits")

// CheckBlockSize reports whether blockSize can be used as the part size of
// multipart uploads.
func CheckBlockSize(blockSize int64) error {
	if blockSize < MinPartSize || blockSize > MaxPartSize {
		return fmt.Errorf("%w: block size %d must be between %d and %d bytes",
			ErrPartLimits, blockSize, MinPartSize, MaxPartSize)
	}
	return nil
}

// Options configures a Provider.
type Options struct {
	Bucket string

	// MinPartSize is the smallest part size Begin accepts for objects of
	// more than one part. Default: MinPartSize
	MinPartSize int64

	// PresignExpiry is the lifetime of presigned part and read URLs.
	// Default: 24h
	PresignExpiry time.Duration

	Logger *slog.Logger
}

// Provider uploads objects as S3 multipart uploads. Parts are uploaded with
// plain PUTs to presigned URLs issued when the upload begins, so block
// traffic never needs the SDK's credentials.
type Provider struct {
	client  *s3.Client
	presign *s3.PresignClient
	http    *qhttp.Client
	opts    Options
	logger  *slog.Logger
}

// New returns a provider using client for control calls and httpClient for
// presigned block traffic.
func New(client *s3.Client, httpClient *qhttp.Client, opts Options) *Provider {
	if opts.PresignExpiry <= 0 {
		opts.PresignExpiry = 24 * time.Hour
	}
	if opts.MinPartSize <= 0 {
		opts.MinPartSize = MinPartSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = qhttp.NewClient(qhttp.DefaultOptions())
	}
	return &Provider{
		client:  client,
		presign: s3.NewPresignClient(client),
		http:    httpClient,
		opts:    opts,
		logger:  logger,
	}
}

func (p *Provider) Kind() provider.Kind { return provider.KindS3 }

// Begin creates the multipart upload and presigns one UploadPart URL per
// block. Objects that would need more than MaxParts parts, or parts outside
// the size limits, are rejected before anything is created.
func (p *Provider) Begin(ctx context.Context, key string, size, blockSize int64) (provider.Session, error) {
	if blockSize <= 0 {
		return provider.Session{}, errors.New("s3multipart: block size must be positive")
	}
	n := recovery.NumBlocks(size, blockSize)
	if n > MaxParts {
		return provider.Session{}, fmt.Errorf("%w: %s needs %d parts of %d bytes, at most %d allowed",
			ErrPartLimits, key, n, blockSize, MaxParts)
	}
	if (n > 1 && blockSize < p.opts.MinPartSize) || min(blockSize, size) > MaxPartSize {
		return provider.Session{}, fmt.Errorf("%w: part size %d of %s must be between %d and %d bytes",
			ErrPartLimits, blockSize, key, p.opts.MinPartSize, MaxPartSize)
	}

	out, err := p.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(p.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return provider.Session{}, fmt.Errorf("s3multipart: create multipart upload: %w", err)
	}
	sess := provider.Session{ID: aws.ToString(out.UploadId)}

	sess.Parts = make([]recovery.Part, n)
	for i := 0; i < n; i++ {
		url, err := p.presignPart(ctx, key, sess.ID, i)
		if err != nil {
			return provider.Session{}, err
		}
		partSize := min(blockSize, size-int64(i)*blockSize)
		if partSize < 0 {
			partSize = 0
		}
		sess.Parts[i] = recovery.Part{Index: i, Size: partSize, URL: url}
	}

	p.logger.Debug("multipart upload created", "key", key, "upload_id", sess.ID, "parts", n)
	return sess, nil
}

func (p *Provider) presignPart(ctx context.Context, key, uploadID string, index int) (string, error) {
	req, err := p.presign.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(p.opts.Bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(index + 1)),
	}, s3.WithPresignExpires(p.opts.PresignExpiry))
	if err != nil {
		return "", fmt.Errorf("s3multipart: presign part %d: %w", index, err)
	}
	return req.URL, nil
}

// StageBlock PUTs the block to its presigned part URL and returns the part
// ETag. A URL that has expired since the session began is replaced once.
func (p *Provider) StageBlock(ctx context.Context, key string, sess provider.Session, index int, data []byte) (string, error) {
	url := ""
	if index < len(sess.Parts) && sess.Parts[index].Index == index {
		url = sess.Parts[index].URL
	}

	if url != "" {
		etag, err := p.http.Put(ctx, url, data)
		if err == nil {
			return etag, nil
		}
		if !errors.Is(err, qhttp.ErrForbidden) {
			return "", partError(index, err)
		}
		p.logger.Debug("part url rejected, presigning again", "key", key, "part", index)
	}

	url, err := p.presignPart(ctx, key, sess.ID, index)
	if err != nil {
		return "", err
	}
	etag, err := p.http.Put(ctx, url, data)
	if err != nil {
		return "", partError(index, err)
	}
	return etag, nil
}

// partError wraps a failed part PUT. S3 answers 404 NoSuchUpload once the
// multipart upload was completed, aborted or expired.
func partError(index int, err error) error {
	if errors.Is(err, qhttp.ErrNotFound) {
		return fmt.Errorf("s3multipart: upload part %d: %w: %w", index, provider.ErrSessionGone, err)
	}
	return fmt.Errorf("s3multipart: upload part %d: %w", index, err)
}

// Commit completes the multipart upload with the part ETags in order.
func (p *Provider) Commit(ctx context.Context, key string, sess provider.Session, tokens []string) error {
	parts := make([]types.CompletedPart, len(tokens))
	for i, tok := range tokens {
		if tok == "" {
			return fmt.Errorf("s3multipart: part %d has no etag", i)
		}
		parts[i] = types.CompletedPart{
			ETag:       aws.String(tok),
			PartNumber: aws.Int32(int32(i + 1)),
		}
	}

	_, err := p.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(p.opts.Bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(sess.ID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		if isNoSuchUpload(err) {
			return fmt.Errorf("s3multipart: complete multipart upload: %w: %w", provider.ErrSessionGone, err)
		}
		return fmt.Errorf("s3multipart: complete multipart upload: %w", err)
	}
	return nil
}

// Abort aborts the multipart upload, discarding uploaded parts.
func (p *Provider) Abort(ctx context.Context, key string, sess provider.Session) error {
	_, err := p.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(p.opts.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(sess.ID),
	})
	if err != nil {
		if isNoSuchUpload(err) {
			return nil
		}
		return fmt.Errorf("s3multipart: abort multipart upload: %w", err)
	}
	return nil
}

// isNoSuchUpload reports whether S3 no longer knows the upload. Only some
// operations model the error as *types.NoSuchUpload; the rest carry the code.
func isNoSuchUpload(err error) bool {
	var nsu *types.NoSuchUpload
	if errors.As(err, &nsu) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchUpload"
}

// Size returns the object's content length, read through a presigned HEAD
// so that reads only ever need one-time URLs.
func (p *Provider) Size(ctx context.Context, key string) (int64, error) {
	req, err := p.presign.PresignHeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.opts.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.opts.PresignExpiry))
	if err != nil {
		return 0, fmt.Errorf("s3multipart: presign head: %w", err)
	}

	info, err := p.http.Head(ctx, req.URL)
	if err != nil {
		return 0, fmt.Errorf("s3multipart: head object: %w", err)
	}
	return info.Size, nil
}

// ReadBlock reads a range through a presigned GET URL.
func (p *Provider) ReadBlock(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if length <= 0 {
		return []byte{}, nil
	}

	req, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.opts.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.opts.PresignExpiry))
	if err != nil {
		return nil, fmt.Errorf("s3multipart: presign get: %w", err)
	}

	resp, err := p.http.GetRange(ctx, req.URL, offset, offset+length-1)
	if err != nil {
		return nil, fmt.Errorf("s3multipart: get range: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("s3multipart: read range: %w", err)
	}
	if int64(len(data)) != length {
		return nil, fmt.Errorf("s3multipart: got %d bytes at offset %d, want %d", len(data), offset, length)
	}
	return data, nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (p *Provider) Close() error { return nil }
