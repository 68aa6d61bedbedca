// Package storage offloads message bodies to an S3 compatible bucket.
//
// Keys are derived from the content hash (helpers.NewS3Key), so a body shared
// by many deliveries is uploaded once. Optional client-side AES-256-GCM
// encryption prepends the nonce to each object.
package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/litongjava/tio-mail-wing/logger"
	"github.com/litongjava/tio-mail-wing/pkg/metrics"
	"github.com/litongjava/tio-mail-wing/pkg/retry"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Storage struct {
	Client        *minio.Client
	BucketName    string
	Encrypt       bool
	EncryptionKey []byte
	backoff       retry.BackoffConfig
}

func New(endpoint, accessKeyID, secretAccessKey, bucketName string, useSSL bool, debug bool) (*S3Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		logger.Error("Storage: failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	if debug {
		client.TraceOn(os.Stdout)
	}

	return &S3Storage{
		Client:     client,
		BucketName: bucketName,
		backoff: retry.BackoffConfig{
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     3 * time.Second,
			Multiplier:      2,
			Jitter:          true,
			MaxRetries:      3,
			OperationName:   "s3",
		},
	}, nil
}

// EnableEncryption enables client-side encryption with a hex encoded
// 256-bit key.
func (s *S3Storage) EnableEncryption(encryptionKey string) error {
	if encryptionKey == "" {
		return fmt.Errorf("encryption key is required when encryption is enabled")
	}
	masterKey, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(masterKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}
	s.Encrypt = true
	s.EncryptionKey = masterKey
	logger.Info("Storage: client-side encryption enabled")
	return nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *S3Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.Client.BucketExists(ctx, s.BucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.BucketName, err)
	}
	if exists {
		return nil
	}
	if err := s.Client.MakeBucket(ctx, s.BucketName, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.BucketName, err)
	}
	logger.Info("Storage: created bucket", "bucket", s.BucketName)
	return nil
}

// Exists checks if an object with the given key exists in the bucket.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

func (s *S3Storage) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = classifyS3Error(err)
	}
	metrics.S3OperationsTotal.WithLabelValues(op, status).Inc()
	metrics.S3OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Put uploads a message body, encrypting it first when enabled.
func (s *S3Storage) Put(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	payload := data
	if s.Encrypt {
		var err error
		if payload, err = s.encryptData(data); err != nil {
			s.observe("PUT", start, err)
			return fmt.Errorf("failed to encrypt data: %w", err)
		}
	}
	err := retry.WithRetry(ctx, func() error {
		_, err := s.Client.PutObject(ctx, s.BucketName, key, bytes.NewReader(payload), int64(len(payload)),
			minio.PutObjectOptions{SendContentMd5: true})
		if classifyS3Error(err) == "access_denied" {
			return retry.Stop(err)
		}
		return err
	}, s.backoff)
	s.observe("PUT", start, err)
	return err
}

// Get downloads and, when enabled, decrypts a message body.
func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	var data []byte
	err := retry.WithRetry(ctx, func() error {
		object, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
		if err != nil {
			return err
		}
		defer object.Close()
		data, err = io.ReadAll(object)
		if classifyS3Error(err) == "not_found" {
			return retry.Stop(err)
		}
		return err
	}, s.backoff)
	if err != nil {
		s.observe("GET", start, err)
		return nil, err
	}
	if s.Encrypt {
		if data, err = s.decryptData(data); err != nil {
			s.observe("GET", start, err)
			return nil, fmt.Errorf("failed to decrypt data: %w", err)
		}
	}
	s.observe("GET", start, nil)
	return data, nil
}

// Delete removes an object. Missing objects are not an error.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.Client.RemoveObject(ctx, s.BucketName, key, minio.RemoveObjectOptions{})
	s.observe("DELETE", start, err)
	return err
}

// encryptData encrypts data using AES-256-GCM
func (s *S3Storage) encryptData(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decryptData decrypts data using AES-256-GCM
func (s *S3Storage) decryptData(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// classifyS3Error classifies S3 errors for metrics tracking
func classifyS3Error(err error) string {
	if err == nil {
		return "none"
	}
	errStr := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "NoSuchKey") || strings.Contains(errStr, "NotFound"):
		return "not_found"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "unknown"
	}
}
