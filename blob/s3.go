package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

var (
	loadDefaultAWSConfig  = config.LoadDefaultConfig
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// s3ObjectAPI the subset of the S3 client used by S3Store
type s3ObjectAPI interface {
	PutObject(
		ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options),
	) (*s3.PutObjectOutput, error)
	GetObject(
		ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options),
	) (*s3.GetObjectOutput, error)
}

// S3Params S3 blob store parameters
type S3Params struct {
	// Bucket target bucket
	Bucket string `validate:"required"`
	// Region bucket region
	Region string `validate:"required"`
	// BaseEndpoint optional endpoint override for S3 compatible stores
	BaseEndpoint string
	// AccessKeyID optional static credentials. The default credential chain is used if empty.
	AccessKeyID string
	// SecretAccessKey optional static credentials
	SecretAccessKey string
	// UsePathStyle use path style addressing
	UsePathStyle bool
}

// S3Store Store on an S3 bucket
type S3Store struct {
	goutils.Component
	bucket string
	client s3ObjectAPI
}

/*
NewS3Store define a new S3 blob store

	@param ctx context.Context - execution context
	@param params S3Params - store parameters
	@returns new store
*/
func NewS3Store(ctx context.Context, params S3Params) (*S3Store, error) {
	if params.Bucket == "" || params.Region == "" {
		return nil, fmt.Errorf("S3 blob store requires bucket and region")
	}

	cfgOpts := []func(*config.LoadOptions) error{config.WithRegion(params.Region)}
	if params.AccessKeyID != "" {
		cfgOpts = append(cfgOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(params.AccessKeyID, params.SecretAccessKey, ""),
		))
	}
	cfg, err := loadDefaultAWSConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config [%w]", err)
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if params.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(params.BaseEndpoint)
		}
		o.UsePathStyle = params.UsePathStyle
	})

	return newS3StoreWithClient(params.Bucket, client), nil
}

func newS3StoreWithClient(bucket string, client s3ObjectAPI) *S3Store {
	logTags := log.Fields{"module": "blob", "component": "s3-store", "bucket": bucket}
	return &S3Store{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		bucket: bucket,
		client: client,
	}
}

// s3ErrorCode fetch the API error code from an S3 call error
func s3ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// Write store a new object. Objects are write-once.
func (s *S3Store) Write(ctx context.Context, objectPath string, data []byte) error {
	cleaned, err := cleanObjectPath(objectPath)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(cleaned),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
		IfNoneMatch:   aws.String("*"),
	})
	if err != nil {
		switch s3ErrorCode(err) {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return fmt.Errorf("'%s' [%w]", cleaned, ErrObjectExists)
		}
		return fmt.Errorf("failed to put s3://%s/%s [%w]", s.bucket, cleaned, err)
	}

	log.WithFields(s.LogTags).WithField("object", cleaned).Debug("Stored blob")
	return nil
}

// Read fetch an object
func (s *S3Store) Read(ctx context.Context, objectPath string) ([]byte, error) {
	cleaned, err := cleanObjectPath(objectPath)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(cleaned),
	})
	if err != nil {
		switch s3ErrorCode(err) {
		case "NoSuchKey", "NotFound":
			return nil, fmt.Errorf("'%s' [%w]", cleaned, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to get s3://%s/%s [%w]", s.bucket, cleaned, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s [%w]", s.bucket, cleaned, err)
	}
	return content, nil
}
