package downloader

import (
	"context"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cortexnode/worker/internal/domain"
	"github.com/cortexnode/worker/internal/metrics"
)

// S3 fetches a model artifact from an S3-compatible bucket, reporting
// fractional progress as bytes are read off the response body.
type S3 struct {
	base

	ctx      context.Context
	client   *s3.Client
	bucket   string
	key      string
	destPath string
}

// S3Config configures one S3 transfer.
type S3Config struct {
	Region          string
	Bucket          string
	Key             string
	DestPath        string
	AccessKeyID     string // optional static override; empty uses the default credential chain
	SecretAccessKey string
}

// NewS3 constructs an S3 downloader. ctx bounds the entire transfer.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, domain.Downstream("load aws config", err)
	}

	return &S3{
		ctx:      ctx,
		client:   s3.NewFromConfig(awsCfg),
		bucket:   cfg.Bucket,
		key:      cfg.Key,
		destPath: cfg.DestPath,
	}, nil
}

// Start begins the S3 GetObject fetch on its own goroutine.
func (d *S3) Start() error {
	head, err := d.client.HeadObject(d.ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key),
	})
	if err != nil {
		return domain.Downstream("head s3 object", err)
	}
	if head.ContentLength != nil {
		d.totalBytes.Store(*head.ContentLength)
	}

	go d.run()
	return nil
}

func (d *S3) run() {
	out, err := d.client.GetObject(d.ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key),
	})
	if err != nil {
		d.finish(domain.Downstream("get s3 object", err))
		return
	}
	defer out.Body.Close()

	f, err := os.Create(d.destPath)
	if err != nil {
		d.finish(domain.Downstream("create destination file", err))
		return
	}
	defer f.Close()

	buf := make([]byte, 1<<20)
	for {
		if d.Cancelled() {
			d.finish(domain.Cancelled(domain.ErrCancelledLaunchMsg))
			return
		}
		n, readErr := out.Body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				d.finish(domain.Downstream("write artifact", writeErr))
				return
			}
			d.readBytes.Add(int64(n))
			metrics.AddDownloadBytes(int64(n))
		}
		if readErr == io.EOF {
			d.finish(nil)
			return
		}
		if readErr != nil {
			d.finish(domain.Downstream("read s3 body", readErr))
			return
		}
	}
}
