package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chunkrelay/chunkrelay/internal/config"
)

// OpenStore builds the BlobStore selected by cfg.Backend. Cloud stores
// verify that the default bucket is reachable before returning.
func OpenStore(ctx context.Context, cfg config.PublishConfig) (BlobStore, error) {
	switch cfg.Backend {
	case "aws":
		if cfg.Bucket == "" {
			return nil, errors.New("publish.bucket is required when backend is 'aws'")
		}
		region := cfg.AWS.Region
		if region == "" {
			region = "us-east-1"
		}
		store, err := NewS3Store(ctx, S3Options{
			Bucket:          cfg.Bucket,
			Region:          region,
			EndpointURL:     cfg.AWS.EndpointURL,
			UsePathStyle:    cfg.AWS.UsePathStyle,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing S3 publisher: %w", err)
		}
		slog.Info("Publish backend initialized", "backend", "aws", "bucket", cfg.Bucket, "region", region)
		return store, nil
	case "gcp":
		if cfg.Bucket == "" {
			return nil, errors.New("publish.bucket is required when backend is 'gcp'")
		}
		store, err := NewGCSStore(ctx, GCSOptions{
			Bucket:          cfg.Bucket,
			Project:         cfg.GCP.Project,
			CredentialsFile: cfg.GCP.CredentialsFile,
			Endpoint:        cfg.GCP.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing GCS publisher: %w", err)
		}
		slog.Info("Publish backend initialized", "backend", "gcp", "bucket", cfg.Bucket, "project", cfg.GCP.Project)
		return store, nil
	case "azure":
		if cfg.Bucket == "" {
			return nil, errors.New("publish.bucket is required when backend is 'azure'")
		}
		accountURL, err := azureAccountURL(cfg.Azure)
		if err != nil {
			return nil, err
		}
		store, err := NewAzureStore(ctx, AzureOptions{
			Container:          cfg.Bucket,
			AccountURL:         accountURL,
			ConnectionString:   cfg.Azure.ConnectionString,
			UseManagedIdentity: cfg.Azure.UseManagedIdentity,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing Azure publisher: %w", err)
		}
		slog.Info("Publish backend initialized", "backend", "azure", "container", cfg.Bucket, "account", accountURL)
		return store, nil
	case "local", "":
		store, err := NewLocalStore(cfg.Local.RootDir)
		if err != nil {
			return nil, err
		}
		slog.Info("Publish backend initialized", "backend", "local", "root", cfg.Local.RootDir)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown publish backend %q", cfg.Backend)
	}
}

// azureAccountURL constructs the account URL from the account name if it
// is not set explicitly. A connection string carries its own endpoint.
func azureAccountURL(cfg config.AzureConfig) (string, error) {
	if cfg.AccountURL != "" {
		return cfg.AccountURL, nil
	}
	if cfg.Account != "" {
		return fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account), nil
	}
	if cfg.ConnectionString != "" {
		return "", nil
	}
	return "", errors.New("publish.azure.account or publish.azure.account_url is required when backend is 'azure'")
}

// OptionsFromConfig maps the publish section onto Publisher options.
func OptionsFromConfig(cfg config.PublishConfig) Options {
	opts := Options{
		Backend:   cfg.Backend,
		Bucket:    cfg.Bucket,
		KeyPrefix: cfg.KeyPrefix,
		Timeout:   cfg.Timeout,
	}
	for _, r := range cfg.Routes {
		opts.Routes = append(opts.Routes, Route{ContentTypePrefix: r.ContentTypePrefix, Bucket: r.Bucket})
	}
	return opts
}
