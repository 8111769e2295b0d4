package publish

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

// mockAzureClient implements AzureBlobAPI for unit testing.
type mockAzureClient struct {
	// blobs stores uploaded blobs keyed by "container/blobName".
	blobs map[string][]byte
	// contentTypes stores the content type of each blob.
	contentTypes map[string]string
	// containers lists the containers that exist.
	containers map[string]bool
	// uploadCalls tracks the number of upload operations.
	uploadCalls int
	// uploadErr, if set, is returned by UploadStream.
	uploadErr error
}

func newMockAzureClient(containers ...string) *mockAzureClient {
	m := &mockAzureClient{
		blobs:        make(map[string][]byte),
		contentTypes: make(map[string]string),
		containers:   make(map[string]bool),
	}
	for _, c := range containers {
		m.containers[c] = true
	}
	return m
}

func (m *mockAzureClient) UploadStream(ctx context.Context, containerName, blobName string, r io.Reader, contentType string) error {
	m.uploadCalls++
	if m.uploadErr != nil {
		return m.uploadErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.blobs[containerName+"/"+blobName] = data
	m.contentTypes[containerName+"/"+blobName] = contentType
	return nil
}

func (m *mockAzureClient) ContainerExists(ctx context.Context, containerName string) (bool, error) {
	return m.containers[containerName], nil
}

func TestAzureStorePut(t *testing.T) {
	mock := newMockAzureClient("default")
	store := NewAzureStoreWithClient("default", "https://acct.blob.core.windows.net", mock)

	err := store.Put(context.Background(), "images", "uploads/cat.png", strings.NewReader("PNG"), 3, "image/png")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if mock.uploadCalls != 1 {
		t.Errorf("upload calls = %d, want 1", mock.uploadCalls)
	}
	if got := string(mock.blobs["images/uploads/cat.png"]); got != "PNG" {
		t.Errorf("blob = %q, want PNG", got)
	}
	if got := mock.contentTypes["images/uploads/cat.png"]; got != "image/png" {
		t.Errorf("content type = %q, want image/png", got)
	}
}

func TestAzureStorePutResponseError(t *testing.T) {
	mock := newMockAzureClient("default")
	mock.uploadErr = &azcore.ResponseError{ErrorCode: "AuthorizationFailure", StatusCode: http.StatusForbidden}
	store := NewAzureStoreWithClient("default", "", mock)

	err := store.Put(context.Background(), "default", "k", strings.NewReader("x"), 1, "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "AuthorizationFailure") {
		t.Errorf("error = %q, want error code in message", err)
	}
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		t.Errorf("error chain lost ResponseError: %v", err)
	}
}

func TestAzureStoreHealthCheck(t *testing.T) {
	store := NewAzureStoreWithClient("default", "", newMockAzureClient("default"))
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}

	missing := NewAzureStoreWithClient("gone", "", newMockAzureClient("default"))
	if err := missing.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck on missing container should fail")
	}
}

func TestIsAzureNotFound(t *testing.T) {
	if !isAzureNotFound(&azcore.ResponseError{StatusCode: http.StatusNotFound}) {
		t.Error("404 ResponseError should be not-found")
	}
	if isAzureNotFound(&azcore.ResponseError{StatusCode: http.StatusForbidden}) {
		t.Error("403 ResponseError should not be not-found")
	}
	if isAzureNotFound(errors.New("404")) {
		t.Error("plain error should not be not-found")
	}
}
