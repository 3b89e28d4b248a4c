// Package gcputil holds the process-wide GCS client and caller identity.
// The storage client resolves Application Default Credentials once and is
// reused; Identity resolves them again on each call.
package gcputil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	gcs "cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
	oauth2v2 "google.golang.org/api/oauth2/v2"
)

var (
	clientOnce sync.Once
	client     *gcs.Client
	clientErr  error
)

// StorageClient returns the cached Cloud Storage client.
func StorageClient(ctx context.Context) (*gcs.Client, error) {
	clientOnce.Do(func() {
		client, clientErr = gcs.NewClient(ctx)
	})
	if clientErr != nil {
		return nil, fmt.Errorf("creating GCS client: %w", clientErr)
	}
	return client, nil
}

// Identity returns the email of the default credentials: the service account
// email when one is configured, otherwise the authenticated user's email via
// the oauth2 userinfo endpoint.
func Identity(ctx context.Context) (string, error) {
	creds, err := google.FindDefaultCredentials(ctx, "https://www.googleapis.com/auth/userinfo.email")
	if err != nil {
		return "", fmt.Errorf("resolving GCP credentials: %w", err)
	}
	if len(creds.JSON) > 0 {
		var sa struct {
			ClientEmail string `json:"client_email"`
		}
		if err := json.Unmarshal(creds.JSON, &sa); err == nil && sa.ClientEmail != "" {
			return sa.ClientEmail, nil
		}
	}
	svc, err := oauth2v2.NewService(ctx)
	if err != nil {
		return "", fmt.Errorf("creating oauth2 service: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("resolving GCP caller identity: %w", err)
	}
	return info.Email, nil
}
