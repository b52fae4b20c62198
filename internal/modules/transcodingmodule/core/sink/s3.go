package sink

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hashicorp/go-hclog"
)

// S3Options configures S3 access. Endpoint and PathStyle allow S3-compatible
// stores such as MinIO.
type S3Options struct {
	Region    string
	AccessKey string
	SecretKey string
	Endpoint  string
	PathStyle bool
	// PartSize is the multipart upload part size in bytes; 0 uses the library default.
	PartSize int64
}

// S3Sink streams the output through the multipart upload manager. The object
// is created when the upload completes on Close; Abort fails the upload so
// the manager discards any uploaded parts.
type S3Sink struct {
	logger hclog.Logger
	opts   S3Options
	bucket string
	key    string

	pw     *io.PipeWriter
	done   chan error
	cancel context.CancelFunc
}

// NewS3 creates a sink for s3://bucket/key.
func NewS3(logger hclog.Logger, opts S3Options, bucket, key string) *S3Sink {
	return &S3Sink{
		logger: logger.Named("s3"),
		opts:   opts,
		bucket: bucket,
		key:    key,
	}
}

// Destination implements Sink.
func (s *S3Sink) Destination() string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.key)
}

func (s *S3Sink) client() *s3.Client {
	o := s3.Options{
		Region:       s.opts.Region,
		UsePathStyle: s.opts.PathStyle,
		// Streamed bodies are not seekable; skip optional payload checksums.
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
	}
	if s.opts.AccessKey != "" {
		o.Credentials = credentials.NewStaticCredentialsProvider(s.opts.AccessKey, s.opts.SecretKey, "")
	}
	if s.opts.Endpoint != "" {
		o.BaseEndpoint = aws.String(s.opts.Endpoint)
	}
	return s3.New(o)
}

// Open implements Sink.
func (s *S3Sink) Open(ctx context.Context) error {
	if s.pw != nil {
		return fmt.Errorf("sink already open: %s", s.Destination())
	}

	uploader := manager.NewUploader(s.client(), func(u *manager.Uploader) {
		if s.opts.PartSize > 0 {
			u.PartSize = s.opts.PartSize
		}
	})

	uploadCtx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	done := make(chan error, 1)

	go func() {
		_, err := uploader.Upload(uploadCtx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key),
			Body:   pr,
		})
		pr.CloseWithError(err)
		done <- err
	}()

	s.pw = pw
	s.done = done
	s.cancel = cancel
	return nil
}

// Write implements Sink.
func (s *S3Sink) Write(p []byte) (int, error) {
	if s.pw == nil {
		return 0, errNotOpen
	}
	return s.pw.Write(p)
}

// Close implements Sink.
func (s *S3Sink) Close() error {
	if s.pw == nil {
		return errNotOpen
	}
	s.pw.Close()
	err := <-s.done
	s.release()

	if err != nil {
		return fmt.Errorf("failed to upload object %s to bucket %s: %w", s.key, s.bucket, err)
	}
	s.logger.Info("uploaded object", "bucket", s.bucket, "key", s.key)
	return nil
}

// Abort implements Sink.
func (s *S3Sink) Abort() error {
	if s.pw == nil {
		return nil
	}
	s.pw.CloseWithError(errAborted)
	s.cancel()
	<-s.done
	s.release()
	return nil
}

func (s *S3Sink) release() {
	if s.cancel != nil {
		s.cancel()
	}
	s.pw = nil
	s.done = nil
	s.cancel = nil
}
