// Package deployment resolves named staging and release areas from
// configuration into ready submission services.
package deployment

import (
	"context"
	"fmt"

	"github.com/DataBiosphere/ssds/internal/awsutil"
	"github.com/DataBiosphere/ssds/internal/blobstore"
	"github.com/DataBiosphere/ssds/internal/config"
	"github.com/DataBiosphere/ssds/internal/gcputil"
	"github.com/DataBiosphere/ssds/internal/ssds"
)

// Resolve returns the submission service for a named deployment.
func Resolve(ctx context.Context, cfg *config.Config, name string) (*ssds.SSDS, error) {
	d, ok := cfg.Deployments[name]
	if !ok {
		return nil, fmt.Errorf("unknown deployment %q", name)
	}
	store, err := storeFor(ctx, d)
	if err != nil {
		return nil, err
	}
	return &ssds.SSDS{
		Store:          store,
		Prefix:         d.Prefix,
		BillingProject: d.BillingProject,
	}, nil
}

func storeFor(ctx context.Context, d config.DeploymentConfig) (blobstore.BlobStore, error) {
	switch d.Store {
	case "s3":
		client, err := awsutil.S3Client(ctx)
		if err != nil {
			return nil, err
		}
		return blobstore.NewS3BlobStore(d.Bucket, client), nil
	case "gs":
		client, err := gcputil.StorageClient(ctx)
		if err != nil {
			return nil, err
		}
		return blobstore.NewGSBlobStore(d.Bucket, d.BillingProject, blobstore.NewGCSAPI(client)), nil
	default:
		return nil, fmt.Errorf("unsupported store kind %q (expected s3 or gs)", d.Store)
	}
}
