package objectstore

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gurre/docflow/internal/apierrors"
	"github.com/gurre/docflow/internal/model"
)

// Uploader is the subset of the s3manager upload surface the gateway uses;
// manager.Uploader satisfies it. Routing uploads through the SDK's manager
// package (rather than a bare PutObject) gets automatic multipart handling
// for the largest converted artifacts (extracted page images, batch output
// directories) for free.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// DownloadResult is returned by Gateway.Download (spec §4.3).
type DownloadResult struct {
	Size         int64
	ContentType  string
	LastModified time.Time
}

// UploadResult is returned by Gateway.UploadFile (spec §4.3).
type UploadResult struct {
	URL     string
	HTTPURL string
	Size    int64
}

// DirectoryUploadResult is returned by Gateway.UploadDirectory (spec §4.3).
type DirectoryUploadResult struct {
	Uploaded  []UploadResult
	Failed    []string
	TotalSize int64
}

// Gateway is the Object-Store Gateway (spec §4.3): a thin, interface-backed
// S3 adapter in the style of the teacher's aws.S3ClientImpl, generalized
// from a single read-path to the full download/upload/presign/parse
// surface this domain requires.
type Gateway struct {
	client      Client
	uploader    Uploader
	presign     *s3.PresignClient
	endpointURL string // non-empty for http_url construction against a custom endpoint
}

// New builds a Gateway wrapping client for data-plane calls, uploader for
// multipart-capable uploads, and presignClient for presigned URL issuance.
func New(client Client, uploader Uploader, presignClient *s3.PresignClient, endpointURL string) *Gateway {
	return &Gateway{client: client, uploader: uploader, presign: presignClient, endpointURL: endpointURL}
}

// Download fetches (bucket, key) to localPath, verifying the downloaded size
// against the HEAD size and that localPath exists afterward (spec §4.3).
func (g *Gateway) Download(ctx context.Context, bucket, key, localPath string) (DownloadResult, error) {
	head, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return DownloadResult{}, apierrors.New(apierrors.KindDownloadFailed, fmt.Errorf("head %s/%s: %w", bucket, key, err))
	}

	obj, err := g.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return DownloadResult{}, apierrors.New(apierrors.KindDownloadFailed, fmt.Errorf("get %s/%s: %w", bucket, key, err))
	}
	defer obj.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return DownloadResult{}, apierrors.New(apierrors.KindDownloadFailed, err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return DownloadResult{}, apierrors.New(apierrors.KindDownloadFailed, err)
	}
	defer f.Close()

	n, err := io.Copy(f, obj.Body)
	if err != nil {
		return DownloadResult{}, apierrors.New(apierrors.KindDownloadFailed, fmt.Errorf("write %s: %w", localPath, err))
	}

	var headSize int64
	if head.ContentLength != nil {
		headSize = *head.ContentLength
	}
	if headSize != 0 && n != headSize {
		return DownloadResult{}, apierrors.New(apierrors.KindDownloadFailed,
			fmt.Errorf("size mismatch downloading %s/%s: got %d want %d", bucket, key, n, headSize))
	}
	if _, err := os.Stat(localPath); err != nil {
		return DownloadResult{}, apierrors.New(apierrors.KindDownloadFailed, fmt.Errorf("verify downloaded file: %w", err))
	}

	result := DownloadResult{Size: n}
	if obj.ContentType != nil {
		result.ContentType = *obj.ContentType
	}
	if head.LastModified != nil {
		result.LastModified = *head.LastModified
	}
	return result, nil
}

// standardMetadata builds the fixed metadata set spec §6 requires on every
// uploaded object: original-filename(-base64/-utf8), original-folder(-base64/-utf8),
// task-id, upload-time, conversion-type.
func standardMetadata(taskID int64, taskType model.TaskType, originalFilename, originalFolder string) map[string]string {
	md := map[string]string{
		"task-id":         strconv.FormatInt(taskID, 10),
		"upload-time":     time.Now().UTC().Format(time.RFC3339),
		"conversion-type": string(taskType),
	}
	encodeMetadataValue(md, "original-filename", originalFilename)
	encodeMetadataValue(md, "original-folder", originalFolder)
	return md
}

// UploadFile uploads localPath to (bucket, key) with exactly the given
// metadata (no standard set is added here), then verifies the uploaded size
// via HEAD (spec §4.3).
func (g *Gateway) UploadFile(ctx context.Context, localPath, bucket, key string, metadata map[string]string) (UploadResult, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return UploadResult{}, apierrors.New(apierrors.KindUploadFailed, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return UploadResult{}, apierrors.New(apierrors.KindUploadFailed, err)
	}

	contentType := ContentType(localPath)
	_, err = g.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	})
	if err != nil {
		return UploadResult{}, apierrors.New(apierrors.KindUploadFailed, fmt.Errorf("put %s/%s: %w", bucket, key, err))
	}

	head, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return UploadResult{}, apierrors.New(apierrors.KindUploadFailed, fmt.Errorf("verify upload %s/%s: %w", bucket, key, err))
	}
	if head.ContentLength != nil && *head.ContentLength != info.Size() {
		return UploadResult{}, apierrors.New(apierrors.KindUploadFailed,
			fmt.Errorf("size mismatch uploading %s/%s: got %d want %d", bucket, key, *head.ContentLength, info.Size()))
	}

	result := UploadResult{URL: FormatURL(bucket, key), Size: info.Size()}
	if g.endpointURL != "" {
		result.HTTPURL = g.endpointURL + "/" + bucket + "/" + key
	}
	return result, nil
}

// UploadDirectory recursively uploads every file under localDir to
// keyPrefix, each carrying the caller's metadata plus its relative path,
// always base64-encoded under "relative-path-base64" (spec §4.3). Partial failures are collected in Failed
// rather than aborting the whole walk.
func (g *Gateway) UploadDirectory(ctx context.Context, localDir, bucket, keyPrefix string, metadata map[string]string) (DirectoryUploadResult, error) {
	var result DirectoryUploadResult

	var relPaths []string
	err := filepath.Walk(localDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		relPaths = append(relPaths, rel)
		return nil
	})
	if err != nil {
		return result, apierrors.New(apierrors.KindUploadFailed, fmt.Errorf("walk %s: %w", localDir, err))
	}
	sort.Strings(relPaths)

	for _, rel := range relPaths {
		perFile := make(map[string]string, len(metadata)+1)
		for k, v := range metadata {
			perFile[k] = v
		}
		encodeMetadataValue(perFile, "relative-path", filepath.ToSlash(rel))
		perFile["relative-path-base64"] = base64.StdEncoding.EncodeToString([]byte(filepath.ToSlash(rel)))

		key := keyPrefix + "/" + filepath.ToSlash(rel)
		localPath := filepath.Join(localDir, rel)

		uploaded, err := g.UploadFile(ctx, localPath, bucket, key, perFile)
		if err != nil {
			result.Failed = append(result.Failed, rel)
			continue
		}
		result.Uploaded = append(result.Uploaded, uploaded)
		result.TotalSize += uploaded.Size
	}

	return result, nil
}

// Presign returns a presigned GET URL for (bucket, key) valid for ttl, or
// ("", err) if presigning fails (spec §4.3: "presign(bucket, key, ttl) -> url?").
func (g *Gateway) Presign(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if g.presign == nil {
		return "", apierrors.New(apierrors.KindUploadFailed, fmt.Errorf("presign client not configured"))
	}
	req, err := g.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", apierrors.New(apierrors.KindUploadFailed, fmt.Errorf("presign %s/%s: %w", bucket, key, err))
	}
	return req.URL, nil
}

// StandardMetadata exposes standardMetadata for callers composing upload
// metadata outside this package (the Dispatcher/Scheduler push-outputs step).
func StandardMetadata(taskID int64, taskType model.TaskType, originalFilename, originalFolder string) map[string]string {
	return standardMetadata(taskID, taskType, originalFilename, originalFolder)
}
