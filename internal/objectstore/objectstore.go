// Package objectstore implements the Object-Store Gateway (spec §4.3): S3
// download/upload with content-type inference, non-ASCII metadata encoding,
// URL parsing, and output-key derivation. The client wrapper follows the
// teacher's aws.S3ClientImpl: a thin adapter over *s3.Client behind an
// interface so it can be faked in tests, generalized from the teacher's
// single-bucket GetObject/PutObject/HeadObject set to the richer upload
// surface this domain needs.
package objectstore

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Client is the subset of the S3 API the gateway needs, mirrored from the
// teacher's aws.S3Client interface so a fake can stand in for tests.
type Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Compile-time interface check, the same discipline the teacher's aws
// package applies to its own client wrappers.
var _ Client = (*s3.Client)(nil)
