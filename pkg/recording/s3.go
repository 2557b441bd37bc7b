package recording

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// splitS3URI parses "s3://bucket/prefix" into bucket and key prefix.
func splitS3URI(uri string) (bucket, prefix string, err error) {
	if !strings.HasPrefix(uri, "s3://") {
		return "", "", fmt.Errorf("invalid S3 URI prefix: %s", uri)
	}

	parts := strings.SplitN(strings.TrimPrefix(uri, "s3://"), "/", 2)
	if len(parts) < 1 || parts[0] == "" {
		return "", "", fmt.Errorf("invalid S3 URI format: %s", uri)
	}
	bucket = parts[0]
	if len(parts) > 1 {
		prefix = parts[1]
		if prefix != "" && !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
	}
	return bucket, prefix, nil
}

// uploadToS3 pushes a local pcap to S3 and returns its s3:// location.
func uploadToS3(ctx context.Context, localPath, s3URI, region, filename string) (string, error) {
	bucket, prefix, err := splitS3URI(s3URI)
	if err != nil {
		return "", err
	}
	objectKey := prefix + filename

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return "", fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg)

	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open local file %s: %w", localPath, err)
	}
	defer file.Close()

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &objectKey,
		Body:   file,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s to S3: %w", filename, err)
	}

	return fmt.Sprintf("s3://%s/%s", bucket, objectKey), nil
}
