// Package objectstore builds S3-compatible clients from resolved
// credential bundles. Endpoints may name AWS itself or any compatible
// store (Wasabi, R2, MinIO); an empty endpoint means AWS.
package objectstore

import (
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/heijmerikx/stashd-sub001/internal/credentials"
)

const defaultEndpoint = "s3.amazonaws.com"

// NewClient returns a minio client for the bundle. The scheme on the
// endpoint decides TLS; bare endpoints default to TLS on.
func NewClient(bundle *credentials.Bundle) (*minio.Client, error) {
	endpoint, secure := splitEndpoint(bundle.Endpoint)

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(bundle.AccessKeyID, bundle.SecretAccessKey, ""),
		Secure: secure,
		Region: bundle.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: client for %q: %w", endpoint, err)
	}
	return client, nil
}

func splitEndpoint(endpoint string) (host string, secure bool) {
	switch {
	case endpoint == "":
		return defaultEndpoint, true
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimPrefix(endpoint, "https://"), true
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimPrefix(endpoint, "http://"), false
	default:
		return endpoint, true
	}
}
