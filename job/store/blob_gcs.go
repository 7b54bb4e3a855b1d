package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSBlobStore is a BlobStore backed by a Google Cloud Storage bucket. Its
// conditional tag is the object's generation number: GCS already serializes
// writes to one object and exposes the winning generation after each write,
// so the tag-conditional contract falls out of storage.Conditions instead
// of needing an extra compare-and-swap layer.
type GCSBlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSBlobStore dials GCS using application-default credentials and
// returns a BlobStore over bucket. Every key is stored at prefix+key, so
// one bucket can host checkpoint blobs for several job deployments under
// distinct prefixes.
func NewGCSBlobStore(ctx context.Context, bucket, prefix string) (*GCSBlobStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: new gcs client: %w", err)
	}
	return &GCSBlobStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (g *GCSBlobStore) objectName(key string) string {
	return g.prefix + key
}

func (g *GCSBlobStore) Put(ctx context.Context, key string, value []byte, ifTag string) (string, error) {
	bkt := g.client.Bucket(g.bucket)
	obj := bkt.Object(g.objectName(key))

	var cond storage.Conditions
	if ifTag == "" {
		cond = storage.Conditions{DoesNotExist: true}
	} else {
		gen, err := strconv.ParseInt(ifTag, 10, 64)
		if err != nil {
			return "", fmt.Errorf("store: invalid gcs generation tag %q: %w", ifTag, err)
		}
		cond = storage.Conditions{GenerationMatch: gen}
	}

	w := obj.If(cond).NewWriter(ctx)
	if _, err := w.Write(value); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("store: write blob: %w", err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return "", ErrConditionFailed
		}
		return "", fmt.Errorf("store: close blob writer: %w", err)
	}

	return strconv.FormatInt(w.Attrs().Generation, 10), nil
}

func (g *GCSBlobStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	obj := g.client.Bucket(g.bucket).Object(g.objectName(key))

	attrs, err := obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("store: stat blob: %w", err)
	}

	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("store: open blob reader: %w", err)
	}
	defer func() { _ = r.Close() }()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, "", fmt.Errorf("store: read blob: %w", err)
	}

	return buf.Bytes(), strconv.FormatInt(attrs.Generation, 10), nil
}

func (g *GCSBlobStore) Delete(ctx context.Context, key string) error {
	obj := g.client.Bucket(g.bucket).Object(g.objectName(key))
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("store: delete blob: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
