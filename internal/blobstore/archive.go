// Package blobstore archives evicted replica states in S3-compatible object
// storage.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ReplicaArchive stores one object per eviction under replicas/<artifact>/.
type ReplicaArchive struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

func NewReplicaArchive(cfg Config) (*ReplicaArchive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &ReplicaArchive{client: client, bucket: cfg.Bucket, now: time.Now}, nil
}

// EnsureBucket creates the bucket when missing.
func (a *ReplicaArchive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	return nil
}

// Put archives state for artifactID.
func (a *ReplicaArchive) Put(ctx context.Context, artifactID string, state []byte) error {
	key := objectKey(artifactID, a.now())
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(state), int64(len(state)), minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{"artifact-id": artifactID},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Latest returns the most recently archived state of artifactID, or nil when
// none exists.
func (a *ReplicaArchive) Latest(ctx context.Context, artifactID string) ([]byte, error) {
	var latest string
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: objectPrefix(artifactID)}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list archived replicas: %w", obj.Err)
		}
		if obj.Key > latest {
			latest = obj.Key
		}
	}
	if latest == "" {
		return nil, nil
	}
	obj, err := a.client.GetObject(ctx, a.bucket, latest, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", latest, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", latest, err)
	}
	return data, nil
}

func objectPrefix(artifactID string) string {
	return "replicas/" + strings.ReplaceAll(artifactID, "/", "_") + "/"
}

// objectKey sorts lexically in time order.
func objectKey(artifactID string, at time.Time) string {
	return fmt.Sprintf("%s%020d.ybin", objectPrefix(artifactID), at.UTC().UnixNano())
}
