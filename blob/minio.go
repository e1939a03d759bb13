package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioParams MinIO blob store parameters
type MinioParams struct {
	// Endpoint MinIO host:port
	Endpoint string
	// AccessKeyID access key
	AccessKeyID string
	// SecretAccessKey secret key
	SecretAccessKey string
	// UseSSL whether to use TLS
	UseSSL bool
	// Bucket target bucket. Created if missing.
	Bucket string
}

// MinioStore Store on a MinIO bucket
type MinioStore struct {
	goutils.Component
	bucket string
	client *minio.Client
}

/*
NewMinioStore define a new MinIO blob store

	@param ctx context.Context - execution context
	@param params MinioParams - store parameters
	@returns new store
*/
func NewMinioStore(ctx context.Context, params MinioParams) (*MinioStore, error) {
	if params.Endpoint == "" || params.Bucket == "" {
		return nil, fmt.Errorf("MinIO blob store requires endpoint and bucket")
	}

	client, err := minio.New(params.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(params.AccessKeyID, params.SecretAccessKey, ""),
		Secure: params.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to define MinIO client [%w]", err)
	}

	logTags := log.Fields{"module": "blob", "component": "minio-store", "bucket": params.Bucket}

	exists, err := client.BucketExists(ctx, params.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check MinIO bucket '%s' [%w]", params.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, params.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create MinIO bucket '%s' [%w]", params.Bucket, err)
		}
		log.WithFields(logTags).Info("Created bucket")
	}

	return &MinioStore{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		bucket: params.Bucket,
		client: client,
	}, nil
}

// Write store a new object. Objects are write-once.
func (s *MinioStore) Write(ctx context.Context, objectPath string, data []byte) error {
	cleaned, err := cleanObjectPath(objectPath)
	if err != nil {
		return err
	}

	if _, err := s.client.StatObject(
		ctx, s.bucket, cleaned, minio.StatObjectOptions{},
	); err == nil {
		return fmt.Errorf("'%s' [%w]", cleaned, ErrObjectExists)
	} else if minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return fmt.Errorf("failed to stat '%s' [%w]", cleaned, err)
	}

	if _, err := s.client.PutObject(
		ctx,
		s.bucket,
		cleaned,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"},
	); err != nil {
		return fmt.Errorf("failed to put '%s' [%w]", cleaned, err)
	}

	log.WithFields(s.LogTags).WithField("object", cleaned).Debug("Stored blob")
	return nil
}

// Read fetch an object
func (s *MinioStore) Read(ctx context.Context, objectPath string) ([]byte, error) {
	cleaned, err := cleanObjectPath(objectPath)
	if err != nil {
		return nil, err
	}

	object, err := s.client.GetObject(ctx, s.bucket, cleaned, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get '%s' [%w]", cleaned, err)
	}
	defer func() {
		_ = object.Close()
	}()

	content, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("'%s' [%w]", cleaned, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to read '%s' [%w]", cleaned, err)
	}
	return content, nil
}
