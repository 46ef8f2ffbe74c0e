// Package archive copies fetched bodies into blob storage for later inspection.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/Avinier/moff-tarkin/internal/hash/sha256"
)

// BlobStore persists one object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}

// DefaultContentType is used when an Archiver is built without one.
const DefaultContentType = "text/html; charset=utf-8"

// ObjectPath names the object for rawURL as <host>/<sha256(rawURL)>.html.
// URLs without a parseable host land under "unknown".
func ObjectPath(rawURL string) string {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = strings.ToLower(u.Hostname())
	}
	return host + "/" + sha256.String(rawURL) + ".html"
}

// Archiver writes bodies under a common prefix.
type Archiver struct {
	store       BlobStore
	prefix      string
	contentType string
	logger      *zap.Logger
}

// New builds an Archiver over store.
func New(store BlobStore, prefix, contentType string, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if contentType == "" {
		contentType = DefaultContentType
	}
	return &Archiver{
		store:       store,
		prefix:      strings.Trim(prefix, "/"),
		contentType: contentType,
		logger:      logger.Named("archive"),
	}
}

// Save stores body for rawURL and returns the object URI.
func (a *Archiver) Save(ctx context.Context, rawURL string, body []byte) (string, error) {
	name := ObjectPath(rawURL)
	if a.prefix != "" {
		name = path.Join(a.prefix, name)
	}
	uri, err := a.store.PutObject(ctx, name, a.contentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", rawURL, err)
	}
	a.logger.Debug("archived", zap.String("url", rawURL), zap.String("uri", uri), zap.Int("bytes", len(body)))
	return uri, nil
}
