package sink

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/hashicorp/go-hclog"
	"google.golang.org/api/option"
)

// GCSOptions configures Google Cloud Storage access.
type GCSOptions struct {
	// CredentialsFile is a service account key file. Empty uses application
	// default credentials.
	CredentialsFile string
	// Endpoint overrides the storage endpoint, e.g. for an emulator.
	Endpoint string
	// ChunkSize is the resumable upload chunk size in bytes; 0 uses the library default.
	ChunkSize int
}

// GCSSink streams the output into a GCS object. The object only becomes
// visible when the upload is finalized by Close; Abort cancels the upload.
type GCSSink struct {
	logger hclog.Logger
	opts   GCSOptions
	bucket string
	object string

	client *storage.Client
	writer *storage.Writer
	cancel context.CancelFunc
}

// NewGCS creates a sink for gs://bucket/object.
func NewGCS(logger hclog.Logger, opts GCSOptions, bucket, object string) *GCSSink {
	return &GCSSink{
		logger: logger.Named("gcs"),
		opts:   opts,
		bucket: bucket,
		object: object,
	}
}

// Destination implements Sink.
func (s *GCSSink) Destination() string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.object)
}

// Open implements Sink.
func (s *GCSSink) Open(ctx context.Context) error {
	if s.writer != nil {
		return fmt.Errorf("sink already open: %s", s.Destination())
	}

	var clientOpts []option.ClientOption
	if s.opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(s.opts.CredentialsFile))
	}
	if s.opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(s.opts.Endpoint))
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return fmt.Errorf("storage.NewClient: %w", err)
	}

	uploadCtx, cancel := context.WithCancel(ctx)
	w := client.Bucket(s.bucket).Object(s.object).NewWriter(uploadCtx)
	if s.opts.ChunkSize > 0 {
		w.ChunkSize = s.opts.ChunkSize
	}

	s.client = client
	s.writer = w
	s.cancel = cancel
	return nil
}

// Write implements Sink.
func (s *GCSSink) Write(p []byte) (int, error) {
	if s.writer == nil {
		return 0, errNotOpen
	}
	return s.writer.Write(p)
}

// Close implements Sink.
func (s *GCSSink) Close() error {
	if s.writer == nil {
		return errNotOpen
	}
	defer s.release()

	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("Writer.Close: %w", err)
	}
	s.logger.Info("uploaded object", "bucket", s.bucket, "object", s.object)
	return nil
}

// Abort implements Sink.
func (s *GCSSink) Abort() error {
	if s.writer == nil {
		return nil
	}
	// Canceling the writer's context abandons the resumable upload.
	s.cancel()
	_ = s.writer.Close()
	s.release()
	return nil
}

func (s *GCSSink) release() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.client != nil {
		s.client.Close()
	}
	s.client = nil
	s.writer = nil
	s.cancel = nil
}
