// Package awsutil holds the process-wide AWS clients and caller identity.
// Credentials resolve once through the standard chain (env vars, shared
// config with SSO/assume-role caching, IMDS) and are reused.
package awsutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

var (
	loadOnce sync.Once
	cfg      aws.Config
	loadErr  error
)

func defaultConfig(ctx context.Context) (aws.Config, error) {
	loadOnce.Do(func() {
		cfg, loadErr = awsconfig.LoadDefaultConfig(ctx)
	})
	if loadErr != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", loadErr)
	}
	return cfg, nil
}

var (
	s3Once   sync.Once
	s3client *s3.Client
	s3Err    error
)

// S3Client returns the cached S3 client.
func S3Client(ctx context.Context) (*s3.Client, error) {
	s3Once.Do(func() {
		c, err := defaultConfig(ctx)
		if err != nil {
			s3Err = err
			return
		}
		s3client = s3.NewFromConfig(c)
	})
	return s3client, s3Err
}

// Identity returns the caller's ARN via STS GetCallerIdentity.
func Identity(ctx context.Context) (string, error) {
	c, err := defaultConfig(ctx)
	if err != nil {
		return "", err
	}
	out, err := sts.NewFromConfig(c).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("resolving AWS caller identity: %w", err)
	}
	return aws.ToString(out.Arn), nil
}
