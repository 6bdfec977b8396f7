package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/tourdesk/booking-backend/internal/models"
)

const MaxReceiptSize = 10 << 20

var receiptTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
}

type StorageOptions struct {
	AWSRegion string
	S3Bucket  string
	UploadDir string
	// PublicURL prefixes locally stored files, e.g. http://localhost:8080.
	PublicURL string
}

// ReceiptStorage keeps manual payment receipts in S3, or on local disk when no
// bucket is configured.
type ReceiptStorage struct {
	uploader *s3manager.Uploader
	opts     StorageOptions
	logger   *logrus.Logger
}

func NewReceiptStorage(opts StorageOptions, logger *logrus.Logger) (*ReceiptStorage, error) {
	st := &ReceiptStorage{opts: opts, logger: logger}
	if opts.S3Bucket != "" && opts.AWSRegion != "" {
		// Credentials come from the default chain (env, shared config, instance role).
		sess, err := session.NewSession(&aws.Config{Region: aws.String(opts.AWSRegion)})
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS session: %w", err)
		}
		st.uploader = s3manager.NewUploader(sess)
		logger.WithField("bucket", opts.S3Bucket).Info("Receipt storage using S3")
		return st, nil
	}

	if err := os.MkdirAll(opts.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	logger.WithField("dir", opts.UploadDir).Warn("S3 not configured, storing receipts on local disk")
	return st, nil
}

func (s *ReceiptStorage) UsingS3() bool {
	return s.uploader != nil
}

// Upload stores a receipt under folder and returns its public URL.
func (s *ReceiptStorage) Upload(ctx context.Context, file *multipart.FileHeader, folder string) (string, error) {
	if file.Size > MaxReceiptSize {
		return "", models.NewValidationError("receipt", "file is larger than 10MB")
	}
	src, err := file.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer src.Close()

	buffer := bytes.NewBuffer(nil)
	if _, err := io.Copy(buffer, io.LimitReader(src, MaxReceiptSize+1)); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	if buffer.Len() > MaxReceiptSize {
		return "", models.NewValidationError("receipt", "file is larger than 10MB")
	}
	contentType := http.DetectContentType(buffer.Bytes())
	ext, ok := receiptTypes[strings.SplitN(contentType, ";", 2)[0]]
	if !ok {
		return "", models.NewValidationError("receipt", fmt.Sprintf("unsupported file type %s", contentType))
	}
	name := xid.New().String() + ext

	if s.uploader != nil {
		return s.uploadToS3(ctx, buffer.Bytes(), contentType, folder+"/"+name)
	}
	return s.storeLocally(buffer.Bytes(), folder, name)
}

func (s *ReceiptStorage) uploadToS3(ctx context.Context, data []byte, contentType, key string) (string, error) {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.opts.S3Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.opts.S3Bucket, s.opts.AWSRegion, key), nil
}

func (s *ReceiptStorage) storeLocally(data []byte, folder, name string) (string, error) {
	dir := filepath.Join(s.opts.UploadDir, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create folder directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to save file: %w", err)
	}
	rel := filepath.ToSlash(filepath.Join(folder, name))
	return fmt.Sprintf("%s/uploads/%s", strings.TrimRight(s.opts.PublicURL, "/"), rel), nil
}
