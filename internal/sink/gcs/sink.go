// Package gcs provides a harvest.Sink backed by Google Cloud Storage. Objects
// are written with a does-not-exist precondition so a record is stored at most
// once; a second write reports a duplicate.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

// Config captures the parameters required to write to GCS.
type Config struct {
	Bucket string
	Prefix string
	// MaxObjectBytes rejects larger payloads as oversized; zero disables the check.
	MaxObjectBytes int
}

// Sink writes artifacts to a configured GCS bucket.
type Sink struct {
	client *storage.Client
	cfg    Config
	logger *zap.Logger
}

var _ harvest.Sink = (*Sink)(nil)

// New creates a GCS-backed sink over an existing client.
func New(client *storage.Client, cfg Config, logger *zap.Logger) (*Sink, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Sink{client: client, cfg: cfg, logger: logger}, nil
}

// Open creates a client, verifies the bucket is reachable and returns a Sink.
// Authentication uses Application Default Credentials unless opts say otherwise.
func Open(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Sink, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		if cerr := client.Close(); cerr != nil && logger != nil {
			logger.Warn("close gcs client after bucket check failure", zap.Error(cerr))
		}
		return nil, fmt.Errorf("get gcs bucket %q attributes: %w", cfg.Bucket, err)
	}
	return New(client, cfg, logger)
}

// Close releases the client.
func (s *Sink) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}

// ObjectName returns the object key for id.
func (s *Sink) ObjectName(id string) string {
	if s.cfg.Prefix == "" {
		return id
	}
	return path.Join(s.cfg.Prefix, id)
}

// Store uploads payload and returns a gs:// URI.
func (s *Sink) Store(ctx context.Context, id string, payload []byte, metadata map[string]string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", harvest.Errorf(harvest.KindInvalidPayload, "store", "id is required")
	}
	if limit := s.cfg.MaxObjectBytes; limit > 0 && len(payload) > limit {
		return "", harvest.Errorf(harvest.KindOversized, "store", "%s is %d bytes, limit %d", id, len(payload), limit)
	}
	name := s.ObjectName(id)
	location := fmt.Sprintf("gs://%s/%s", s.cfg.Bucket, name)

	// Retries are driven by the harvest retry policy, not the client.
	obj := s.client.Bucket(s.cfg.Bucket).Object(name).
		If(storage.Conditions{DoesNotExist: true}).
		Retryer(storage.WithPolicy(storage.RetryNever))
	writer := obj.NewWriter(ctx)
	writer.ContentType = metadata["content_type"]
	writer.Metadata = metadata

	if _, err := writer.Write(payload); err != nil {
		closeErr := writer.Close()
		return "", classify(fmt.Errorf("write object %s: %w (close writer: %v)", name, err, closeErr))
	}
	if err := writer.Close(); err != nil {
		err = classify(fmt.Errorf("close writer for %s: %w", name, err))
		if harvest.Classify(err) == harvest.KindDuplicate {
			s.logger.Debug("object already stored", zap.String("item_id", id), zap.String("location", location))
			return location, err
		}
		return "", err
	}
	return location, nil
}

// classify tags a storage error with the kind the controller acts on.
func classify(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return harvest.NewError(harvest.KindTransient, "store", err)
	}
	switch code := gerr.Code; {
	case code == http.StatusPreconditionFailed:
		return harvest.NewError(harvest.KindDuplicate, "store", err)
	case code == http.StatusRequestEntityTooLarge:
		return harvest.NewError(harvest.KindOversized, "store", err)
	case code == http.StatusTooManyRequests:
		return harvest.NewError(harvest.KindRateLimited, "store", err)
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return harvest.NewError(harvest.KindBlocked, "store", err)
	case code >= 400 && code < 500 && code != http.StatusRequestTimeout:
		return harvest.NewError(harvest.KindInvalidPayload, "store", err)
	default:
		return harvest.NewError(harvest.KindTransient, "store", err)
	}
}
