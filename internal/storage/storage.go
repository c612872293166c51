// Package storage uploads images to Azure Blob Storage and returns durable URLs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

var (
	ErrEmptyData  = errors.New("upload data is empty")
	ErrEmptyKey   = errors.New("storage key must not be empty")
	ErrInvalidKey = errors.New("storage key contains invalid path segment")
)

// Asset is an uploaded blob.
type Asset struct {
	Key         string `json:"key"`
	SecureURL   string `json:"secure_url"`
	ContentType string `json:"content_type"`
}

// Blob uploads to one container.
type Blob struct {
	client    *azblob.Client
	container string
	logger    *slog.Logger
}

// New creates the client. No request is made until Start or Upload.
func New(cfg *Config, logger *slog.Logger) (*Blob, error) {
	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	return &Blob{
		client:    client,
		container: cfg.ContainerName,
		logger:    logger.With("system", "storage"),
	}, nil
}

// Start creates the container if it does not exist yet.
func (b *Blob) Start(ctx context.Context) error {
	_, err := b.client.CreateContainer(ctx, b.container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("create container %s: %w", b.container, err)
	}
	b.logger.Info("storage container ready", "container", b.container)
	return nil
}

// Upload stores data under folder with a random name and returns its URL.
func (b *Blob) Upload(ctx context.Context, data []byte, folder string) (Asset, error) {
	if len(data) == 0 {
		return Asset{}, ErrEmptyData
	}

	mtype := mimetype.Detect(data)
	key := Key(folder, uuid.NewString(), mtype.Extension())
	if err := validateKey(key); err != nil {
		return Asset{}, err
	}

	contentType := mtype.String()
	_, err := b.client.UploadBuffer(ctx, b.container, key, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: &contentType,
		},
	})
	if err != nil {
		return Asset{}, fmt.Errorf("upload blob %s: %w", key, err)
	}

	url := b.client.ServiceClient().
		NewContainerClient(b.container).
		NewBlobClient(key).
		URL()

	b.logger.Debug("blob uploaded", "key", key, "bytes", len(data))
	return Asset{Key: key, SecureURL: url, ContentType: contentType}, nil
}

// Key joins folder, name and extension into a blob key.
func Key(folder, name, ext string) string {
	return path.Join(strings.Trim(folder, "/"), name+ext)
}

func validateKey(key string) error {
	if key == "" || key == "." {
		return ErrEmptyKey
	}
	if strings.Contains(key, "..") {
		return ErrInvalidKey
	}
	return nil
}
