package storage

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Driver streams recordings into a bucket under recordings/<key>.mp3.
// Credentials come from the default AWS chain.
type S3Driver struct {
	bucket   string
	uploader *s3manager.Uploader
	client   *http.Client
}

func NewS3Driver(bucket, region string) (*S3Driver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}
	return &S3Driver{
		bucket:   bucket,
		uploader: s3manager.NewUploader(sess),
		client:   &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

func (d *S3Driver) Archive(ctx context.Context, callKey, sourceURL string) (string, error) {
	if callKey == "" || sourceURL == "" {
		return "", fmt.Errorf("call key and recording url are required")
	}

	body, err := download(ctx, d.client, sourceURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	out, err := d.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String("recordings/" + objectName(callKey)),
		Body:        body,
		ContentType: aws.String("audio/mpeg"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload recording: %w", err)
	}
	return out.Location, nil
}
