package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/carepick/carepick/internal/config"
)

// s3API is the narrow slice of the S3 client the store uses, so tests can fake it
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store keeps artifacts under s3://<bucket>/<prefix>/doubao_runs/<trace>/<stage>.json
type S3Store struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Store builds a store using the default AWS configuration chain with
// optional region/profile overrides.
func NewS3Store(ctx context.Context, cfg config.ArtifactStoreConfig) (*S3Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.S3Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
	})
	return newS3Store(client, cfg.S3Bucket, cfg.S3Prefix), nil
}

func newS3Store(client s3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3Store) key(ref string) string {
	if s.prefix == "" {
		return ref
	}
	return path.Join(s.prefix, ref)
}

func (s *S3Store) tracePrefix(traceID string) string {
	return s.key(path.Join(RootDir, traceID)) + "/"
}

// Save uploads the artifact
func (s *S3Store) Save(ctx context.Context, traceID, stage string, a *Artifact) (string, error) {
	if err := validateName("trace id", traceID); err != nil {
		return "", err
	}
	if err := validateName("stage", stage); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode artifact: %w", err)
	}
	ref := Ref(traceID, stage)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(ref)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload artifact %s: %w", ref, err)
	}
	return ref, nil
}

// Load downloads an artifact
func (s *S3Store) Load(ctx context.Context, traceID, stage string) (*Artifact, error) {
	if err := validateName("trace id", traceID); err != nil {
		return nil, err
	}
	if err := validateName("stage", stage); err != nil {
		return nil, err
	}
	ref := Ref(traceID, stage)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("failed to download artifact %s: %w", ref, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", ref, err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact %s: %w", ref, err)
	}
	return &a, nil
}

// RemoveTrace deletes every object under the trace prefix
func (s *S3Store) RemoveTrace(ctx context.Context, traceID string) (RemoveStats, error) {
	var stats RemoveStats
	if err := validateName("trace id", traceID); err != nil {
		return stats, err
	}
	objects, err := s.list(ctx, s.tracePrefix(traceID))
	if err != nil {
		return stats, err
	}
	for _, obj := range objects {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    obj.Key,
		})
		if err != nil {
			return stats, fmt.Errorf("failed to delete %s: %w", aws.ToString(obj.Key), err)
		}
		stats.Files++
	}
	if stats.Files > 0 {
		stats.Dirs = 1
	}
	return stats, nil
}

// ListTraces groups objects by trace id
func (s *S3Store) ListTraces(ctx context.Context) ([]TraceInfo, error) {
	root := s.key(RootDir) + "/"
	objects, err := s.list(ctx, root)
	if err != nil {
		return nil, err
	}
	byTrace := map[string]*TraceInfo{}
	var order []string
	for _, obj := range objects {
		rest := strings.TrimPrefix(aws.ToString(obj.Key), root)
		traceID, _, ok := strings.Cut(rest, "/")
		if !ok || traceID == "" {
			continue
		}
		info, seen := byTrace[traceID]
		if !seen {
			info = &TraceInfo{TraceID: traceID}
			byTrace[traceID] = info
			order = append(order, traceID)
		}
		info.Files++
		if mod := aws.ToTime(obj.LastModified); mod.After(info.LastModified) {
			info.LastModified = mod
		}
	}
	traces := make([]TraceInfo, 0, len(order))
	for _, id := range order {
		traces = append(traces, *byTrace[id])
	}
	return traces, nil
}

func (s *S3Store) list(ctx context.Context, prefix string) ([]s3types.Object, error) {
	var (
		objects []s3types.Object
		token   *string
	)
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		objects = append(objects, out.Contents...)
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return objects, nil
		}
		token = out.NextContinuationToken
	}
}

// NewStore selects the backend named by the config
func NewStore(ctx context.Context, cfg config.ArtifactStoreConfig, storageDir string) (Store, error) {
	switch cfg.Backend {
	case "", "fs":
		return NewFileStore(storageDir), nil
	case "s3":
		return NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}
}
