// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cloud provides components for interacting with Google Cloud services.
// This file defines the object storage contract used to materialize frames and
// its Google Cloud Storage implementation, together with the data structures
// of the GCS object-finalize notifications that announce new frame uploads.
package cloud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	credentials "cloud.google.com/go/iam/credentials/apiv1"
	"cloud.google.com/go/iam/credentials/apiv1/credentialspb"
	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
)

// ObjectStore is the object storage contract. URIs are "gs://bucket/key" or a
// bare key resolved against the default bucket.
type ObjectStore interface {
	// Download returns the bytes of the object. A missing object wraps model.ErrNotFound.
	Download(ctx context.Context, uri string) ([]byte, error)
	// Upload stores data under key (or a generated key when empty) and returns its URI.
	Upload(ctx context.Context, data []byte, key string, contentType string) (string, error)
	// Presign returns a time limited GET URL for the object.
	Presign(ctx context.Context, uri string, ttl time.Duration) (string, error)
}

// ObjectLocation is a parsed object URI.
type ObjectLocation struct {
	Bucket string
	Key    string
}

// URI renders the location as a gs:// URI.
func (o ObjectLocation) URI() string {
	return fmt.Sprintf("gs://%s/%s", o.Bucket, o.Key)
}

// ParseObjectURI splits an object URI into bucket and key. "gs://" and "s3://"
// schemes are accepted; a bare key uses defaultBucket.
//
// Inputs:
//   - uri: The object URI or key.
//   - defaultBucket: The bucket used for bare keys.
//
// Outputs:
//   - ObjectLocation: The parsed location.
//   - error: Wraps model.ErrInvalidConfiguration when no bucket or key can be determined.
func ParseObjectURI(uri string, defaultBucket string) (ObjectLocation, error) {
	rest := strings.TrimSpace(uri)
	scheme := ""
	if i := strings.Index(rest, "://"); i >= 0 {
		scheme = rest[:i]
		rest = rest[i+3:]
	}
	switch scheme {
	case "gs", "s3":
		bucket, key, _ := strings.Cut(rest, "/")
		if bucket == "" || key == "" {
			return ObjectLocation{}, fmt.Errorf("%w: malformed object uri %q", model.ErrInvalidConfiguration, uri)
		}
		return ObjectLocation{Bucket: bucket, Key: key}, nil
	case "":
		key := strings.TrimPrefix(rest, "/")
		if key == "" || defaultBucket == "" {
			return ObjectLocation{}, fmt.Errorf("%w: cannot resolve object key %q", model.ErrInvalidConfiguration, uri)
		}
		return ObjectLocation{Bucket: defaultBucket, Key: key}, nil
	default:
		return ObjectLocation{}, fmt.Errorf("%w: unsupported object scheme %q", model.ErrInvalidConfiguration, scheme)
	}
}

// GCSObjectStore implements ObjectStore on Google Cloud Storage.
type GCSObjectStore struct {
	client        *storage.Client
	iamClient     *credentials.IamCredentialsClient
	signerEmail   string
	defaultBucket string
	uploadPrefix  string
	defaultTTL    time.Duration
	urls          *SignedURLCache
}

// NewGCSObjectStore creates an object store. A nil client yields a store whose
// operations all return model.ErrStorageNotConfigured.
//
// Inputs:
//   - client: The GCS client, may be nil.
//   - config: The storage configuration.
//   - signerEmail: Service account used to sign URLs through IAM; empty uses the client credentials.
//   - iamClient: The IAM credentials client, required when signerEmail is set.
//
// Outputs:
//   - *GCSObjectStore: The store.
func NewGCSObjectStore(client *storage.Client, config Storage, signerEmail string, iamClient *credentials.IamCredentialsClient) *GCSObjectStore {
	ttl := time.Duration(config.PresignTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &GCSObjectStore{
		client:        client,
		iamClient:     iamClient,
		signerEmail:   signerEmail,
		defaultBucket: config.FramesBucket,
		uploadPrefix:  config.UploadPrefix,
		defaultTTL:    ttl,
		urls:          NewSignedURLCache(ttl),
	}
}

// Download implements ObjectStore.
func (s *GCSObjectStore) Download(ctx context.Context, uri string) ([]byte, error) {
	if s.client == nil {
		return nil, model.ErrStorageNotConfigured
	}
	loc, err := ParseObjectURI(uri, s.defaultBucket)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(loc.Bucket).Object(loc.Key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return nil, fmt.Errorf("object %s: %w", loc.URI(), model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", loc.URI(), err)
	}
	defer reader.Close()

	data, err := ReadObject(reader, MaxObjectBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", loc.URI(), err)
	}
	return data, nil
}

// MaxObjectBytes bounds a single object download.
const MaxObjectBytes = 64 << 20

// ReadObject reads r to the end. Content longer than limit wraps
// model.ErrContentUnavailable.
func ReadObject(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: object exceeds %d bytes", model.ErrContentUnavailable, limit)
	}
	return data, nil
}

// Upload implements ObjectStore. An empty key generates "<upload_prefix>/<uuid>".
func (s *GCSObjectStore) Upload(ctx context.Context, data []byte, key string, contentType string) (string, error) {
	if s.client == nil || s.defaultBucket == "" {
		return "", model.ErrStorageNotConfigured
	}
	if key == "" {
		key = path.Join(s.uploadPrefix, strings.ReplaceAll(uuid.NewString(), "-", ""))
	}
	loc, err := ParseObjectURI(key, s.defaultBucket)
	if err != nil {
		return "", err
	}
	writer := s.client.Bucket(loc.Bucket).Object(loc.Key).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("failed to write %s: %w", loc.URI(), err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize %s: %w", loc.URI(), err)
	}
	return loc.URI(), nil
}

// Presign implements ObjectStore. A non-positive ttl uses presign_ttl_seconds.
// A cached URL is reused while at least half of ttl remains before it expires.
func (s *GCSObjectStore) Presign(ctx context.Context, uri string, ttl time.Duration) (string, error) {
	if s.client == nil {
		return "", model.ErrStorageNotConfigured
	}
	loc, err := ParseObjectURI(uri, s.defaultBucket)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if cached, ok := s.urls.Get(loc.URI(), ttl); ok {
		return cached, nil
	}

	expires := time.Now().Add(ttl)
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: expires,
	}
	if s.signerEmail != "" {
		if s.iamClient == nil {
			return "", fmt.Errorf("%w: signer %s has no IAM client", model.ErrStorageNotConfigured, s.signerEmail)
		}
		opts.GoogleAccessID = s.signerEmail
		opts.SignBytes = func(payload []byte) ([]byte, error) {
			resp, err := s.iamClient.SignBlob(ctx, &credentialspb.SignBlobRequest{
				Name:    fmt.Sprintf("projects/-/serviceAccounts/%s", s.signerEmail),
				Payload: payload,
			})
			if err != nil {
				return nil, err
			}
			return resp.SignedBlob, nil
		}
	}

	url, err := s.client.Bucket(loc.Bucket).SignedURL(loc.Key, opts)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s: %w", loc.URI(), err)
	}
	s.urls.Put(loc.URI(), url, expires)
	return url, nil
}

// SignedURLCache keeps signed URLs together with the expiry of their signature.
type SignedURLCache struct {
	cache *cache.Cache
}

type signedURL struct {
	url     string
	expires time.Time
}

// NewSignedURLCache creates a cache purging expired entries every cleanup interval.
func NewSignedURLCache(cleanup time.Duration) *SignedURLCache {
	return &SignedURLCache{cache: cache.New(cache.NoExpiration, cleanup)}
}

// Get returns the URL cached for uri when its signature stays valid for at
// least half of ttl.
func (c *SignedURLCache) Get(uri string, ttl time.Duration) (string, bool) {
	v, ok := c.cache.Get(uri)
	if !ok {
		return "", false
	}
	entry := v.(signedURL)
	if time.Until(entry.expires) < ttl/2 {
		return "", false
	}
	return entry.url, true
}

// Put caches url until its signature expires.
func (c *SignedURLCache) Put(uri, url string, expires time.Time) {
	lifetime := time.Until(expires)
	if lifetime <= 0 {
		c.cache.Delete(uri)
		return
	}
	c.cache.Set(uri, signedURL{url: url, expires: expires}, lifetime)
}

// GCSPubSubNotification is the payload Cloud Storage publishes when an object
// is finalized in a bucket with notifications enabled.
type GCSPubSubNotification struct {
	Kind        string                 `json:"kind"`
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Bucket      string                 `json:"bucket"`
	Generation  string                 `json:"generation"`
	ContentType string                 `json:"contentType"`
	TimeCreated string                 `json:"timeCreated"`
	Updated     string                 `json:"updated"`
	Size        string                 `json:"size"`
	MD5Hash     string                 `json:"md5Hash"`
	MetaData    map[string]interface{} `json:"metadata"`
}

// GCSObject is the minimal reference to a stored frame image.
type GCSObject struct {
	Bucket   string
	Name     string
	MIMEType string
	Metadata map[string]string
}

// URI renders the object as a gs:// URI.
func (o *GCSObject) URI() string {
	return ObjectLocation{Bucket: o.Bucket, Key: o.Name}.URI()
}
