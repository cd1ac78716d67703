// Package media uploads spot photos to Cloudinary.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"go.uber.org/zap"
)

const (
	defaultMaxFileSize   = 10 * 1024 * 1024
	defaultUploadTimeout = 30 * time.Second
	defaultMaxRetries    = 3
	defaultFolder        = "mikke/spots"
)

var (
	// ErrInvalidImage indicates the file failed size, type, or extension checks.
	ErrInvalidImage = errors.New("media: invalid image")
	// ErrUploadFailed indicates every upload attempt was exhausted.
	ErrUploadFailed = errors.New("media: upload failed")
	// ErrMissingCloudinaryURL indicates the service was constructed without credentials.
	ErrMissingCloudinaryURL = errors.New("media: cloudinary url required")
)

// Accepted photo formats. Content type is sniffed from the bytes, not trusted
// from the request.
var allowedImageTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/webp": {},
	"image/gif":  {},
}

var allowedImageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".webp": {},
	".gif":  {},
}

// UploaderConfig configures the Cloudinary uploader.
type UploaderConfig struct {
	CloudinaryURL string
	Folder        string
	MaxFileSize   int64
	UploadTimeout time.Duration
	MaxRetries    uint64
	Logger        *zap.Logger
}

// UploadResult reports where an accepted photo ended up.
type UploadResult struct {
	URL      string
	PublicID string
	Bytes    int
}

// Uploader validates and uploads spot photos with bounded retries.
type Uploader struct {
	client        *cloudinary.Cloudinary
	folder        string
	maxFileSize   int64
	uploadTimeout time.Duration
	maxRetries    uint64
	logger        *zap.Logger
}

// NewUploader constructs an Uploader from a cloudinary:// URL.
func NewUploader(cfg UploaderConfig) (*Uploader, error) {
	if strings.TrimSpace(cfg.CloudinaryURL) == "" {
		return nil, ErrMissingCloudinaryURL
	}
	client, err := cloudinary.NewFromURL(cfg.CloudinaryURL)
	if err != nil {
		return nil, fmt.Errorf("media: cloudinary init: %w", err)
	}

	folder := cfg.Folder
	if folder == "" {
		folder = defaultFolder
	}
	maxFileSize := cfg.MaxFileSize
	if maxFileSize <= 0 {
		maxFileSize = defaultMaxFileSize
	}
	uploadTimeout := cfg.UploadTimeout
	if uploadTimeout <= 0 {
		uploadTimeout = defaultUploadTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Uploader{
		client:        client,
		folder:        folder,
		maxFileSize:   maxFileSize,
		uploadTimeout: uploadTimeout,
		maxRetries:    maxRetries,
		logger:        logger,
	}, nil
}

// Upload validates the photo and pushes it to Cloudinary, retrying transient
// failures with exponential backoff.
func (u *Uploader) Upload(ctx context.Context, file *multipart.FileHeader) (UploadResult, error) {
	if err := u.Validate(file); err != nil {
		return UploadResult{}, err
	}

	src, err := file.Open()
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(ctx, u.uploadTimeout)
	defer cancel()

	params := uploader.UploadParams{
		Folder:         u.folder,
		UseFilename:    boolPtr(false),
		UniqueFilename: boolPtr(true),
		ResourceType:   "image",
	}

	var result *uploader.UploadResult
	operation := func() error {
		if _, err := src.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(err)
		}
		var opErr error
		result, opErr = u.client.Upload.Upload(ctx, src, params)
		return opErr
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = u.uploadTimeout
	err = backoff.RetryNotify(
		operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, u.maxRetries), ctx),
		func(err error, wait time.Duration) {
			u.logger.Warn("photo upload attempt failed",
				zap.String("filename", file.Filename),
				zap.Duration("backoff", wait),
				zap.Error(err))
		},
	)
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	u.logger.Info("photo uploaded",
		zap.String("filename", file.Filename),
		zap.String("public_id", result.PublicID),
		zap.Int("bytes", result.Bytes))
	return UploadResult{
		URL:      result.SecureURL,
		PublicID: result.PublicID,
		Bytes:    result.Bytes,
	}, nil
}

// Delete removes a previously uploaded photo by public id.
func (u *Uploader) Delete(ctx context.Context, publicID string) error {
	_, err := u.client.Upload.Destroy(ctx, uploader.DestroyParams{PublicID: publicID})
	if err != nil {
		return fmt.Errorf("media: delete %s: %w", publicID, err)
	}
	return nil
}

// Validate checks size, sniffed content type, and extension without uploading.
func (u *Uploader) Validate(file *multipart.FileHeader) error {
	if file == nil {
		return fmt.Errorf("%w: no file provided", ErrInvalidImage)
	}
	if file.Size <= 0 {
		return fmt.Errorf("%w: empty file", ErrInvalidImage)
	}
	if file.Size > u.maxFileSize {
		return fmt.Errorf("%w: %d bytes exceeds %d byte limit", ErrInvalidImage, file.Size, u.maxFileSize)
	}

	ext := strings.ToLower(filepath.Ext(file.Filename))
	if _, ok := allowedImageExtensions[ext]; !ok {
		return fmt.Errorf("%w: extension %q not allowed", ErrInvalidImage, ext)
	}

	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	defer src.Close()

	header := make([]byte, 512)
	read, err := src.Read(header)
	if err != nil && err != io.EOF {
		return fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	contentType := http.DetectContentType(header[:read])
	if _, ok := allowedImageTypes[contentType]; !ok {
		return fmt.Errorf("%w: content type %q not allowed", ErrInvalidImage, contentType)
	}
	return nil
}

func boolPtr(value bool) *bool {
	return &value
}
