// Package hexsource optionally retrieves a HEX image from an S3-compatible
// object store before handing it to hexcontainer.Parse, for CI/bench
// setups where golden images live in a bucket rather than on the
// operator's filesystem. Grounded on the teacher pack's S3 storage
// backend (loopholelabs/silo's sources.S3Storage) — same client
// construction, generalized from block storage to a single whole-object
// fetch.
package hexsource

import (
	"bytes"
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config names the bucket and object holding the HEX image, and the
// endpoint/credentials to reach it.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Bucket    string
	Object    string
}

// Fetch downloads cfg.Object from cfg.Bucket and returns its bytes, ready
// to be passed to hexcontainer.Parse.
func Fetch(ctx context.Context, cfg Config) ([]byte, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, err
	}

	obj, err := client.GetObject(ctx, cfg.Bucket, cfg.Object, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, obj); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
