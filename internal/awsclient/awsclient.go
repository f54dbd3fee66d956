// Package awsclient resolves the AWS SDK config and constructs the S3/STS
// clients shared by the CLI commands. Credentials are always sourced from
// the environment / default provider chain, never from the config file
// (spec.md §6), so this stays a thin wrapper rather than a full
// credentials layer. Grounded on
// original_source/btrfs_to_s3's environment-only credential check and the
// teacher's util/aws_common.go (NewAwsConfig/GetAccountId), minus its
// static-credentials provider since ours never reads secrets from config.
package awsclient

import (
  "context"

  "github.com/aws/aws-sdk-go-v2/aws"
  awsconfig "github.com/aws/aws-sdk-go-v2/config"
  "github.com/aws/aws-sdk-go-v2/service/s3"
  "github.com/aws/aws-sdk-go-v2/service/sts"
)

// Load resolves the default AWS config chain, pinned to region.
func Load(ctx context.Context, region string) (aws.Config, error) {
  return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
}

// NewS3Client builds the S3 client used for both the uploader and restore
// object surfaces.
func NewS3Client(cfg aws.Config) *s3.Client {
  return s3.NewFromConfig(cfg)
}

// CallerIdentity confirms the resolved credentials are live and returns the
// account id, grounded on the teacher's util/aws_common.go::GetAccountId.
func CallerIdentity(ctx context.Context, cfg aws.Config) (string, error) {
  client := sts.NewFromConfig(cfg)
  out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
  if err != nil { return "", err }
  return aws.ToString(out.Account), nil
}
