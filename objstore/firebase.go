package objstore

import (
	"context"

	"cloud.google.com/go/storage"
	firebasestorage "firebase.google.com/go/v4/storage"
	"github.com/google/uuid"
)

const downloadTokensMetadata = "firebaseStorageDownloadTokens"

// Firebase stores objects in a Firebase Storage bucket.
type Firebase struct {
	bucket *storage.BucketHandle
	name   string
}

// NewFirebase opens bucket, or the project's default bucket when bucket is empty.
func NewFirebase(client *firebasestorage.Client, bucket string) (*Firebase, error) {
	var (
		b   *storage.BucketHandle
		err error
	)
	if bucket == "" {
		b, err = client.DefaultBucket()
	} else {
		b, err = client.Bucket(bucket)
	}
	if err != nil {
		return nil, err
	}
	return &Firebase{bucket: b, name: b.BucketName()}, nil
}

// Upload writes data and attaches a download token, so the object is readable
// through the same URLs the Firebase client SDKs produce.
func (f *Firebase) Upload(ctx context.Context, path, contentType string, data []byte) (Handle, error) {
	token := uuid.NewString()
	w := f.bucket.Object(path).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = map[string]string{downloadTokensMetadata: token}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return Handle{}, err
	}
	if err := w.Close(); err != nil {
		return Handle{}, err
	}
	return Handle{Bucket: f.name, Path: path, Token: token}, nil
}

func (f *Firebase) URL(_ context.Context, h Handle) (string, error) {
	return DownloadURL(h), nil
}
