package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

// AzureBlobAPI is the subset of the Azure Blob client the store uses.
// Mockable in tests.
type AzureBlobAPI interface {
	// UploadStream uploads r as a block blob, overwriting any existing blob.
	UploadStream(ctx context.Context, containerName, blobName string, r io.Reader, contentType string) error
	// ContainerExists fails if the container is inaccessible.
	ContainerExists(ctx context.Context, containerName string) (bool, error)
}

// AzureStore publishes to Azure Blob Storage. The "bucket" of the publish
// contract is an Azure container.
type AzureStore struct {
	// Container is checked by HealthCheck.
	Container string
	// AccountURL is the storage account URL, informational only.
	AccountURL string
	client     AzureBlobAPI
}

// AzureOptions holds the connection settings for NewAzureStore.
type AzureOptions struct {
	Container          string
	AccountURL         string
	ConnectionString   string
	UseManagedIdentity bool
}

// NewAzureStore creates an Azure Blob client and verifies the container.
func NewAzureStore(ctx context.Context, opts AzureOptions) (*AzureStore, error) {
	client, err := newRealAzureClient(opts.AccountURL, opts.ConnectionString, opts.UseManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	store := NewAzureStoreWithClient(opts.Container, opts.AccountURL, client)
	if err := store.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access Azure container %q: %w", opts.Container, err)
	}

	slog.Info("Azure publish backend initialized", "container", opts.Container, "account", opts.AccountURL)
	return store, nil
}

// NewAzureStoreWithClient creates an AzureStore around a pre-configured
// client. Used by tests with mock clients.
func NewAzureStoreWithClient(container, accountURL string, client AzureBlobAPI) *AzureStore {
	return &AzureStore{Container: container, AccountURL: accountURL, client: client}
}

// Put streams r to the container named by bucket.
func (s *AzureStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	if err := s.client.UploadStream(ctx, bucket, key, r, contentType); err != nil {
		return describeAzureError(err)
	}
	return nil
}

// HealthCheck verifies that the default container exists.
func (s *AzureStore) HealthCheck(ctx context.Context) error {
	exists, err := s.client.ContainerExists(ctx, s.Container)
	if err != nil {
		return describeAzureError(err)
	}
	if !exists {
		return fmt.Errorf("azure container %q does not exist", s.Container)
	}
	return nil
}

// describeAzureError prefixes the service error code when there is one.
func describeAzureError(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return fmt.Errorf("azure %s (HTTP %d): %w", respErr.ErrorCode, respErr.StatusCode, err)
	}
	return fmt.Errorf("azure: %w", err)
}

// isAzureNotFound reports whether err is a 404 from the service.
func isAzureNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

// Ensure AzureStore implements BlobStore at compile time.
var _ BlobStore = (*AzureStore)(nil)
