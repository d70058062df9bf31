// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package s3 implements pkg/blobstore.Client against an S3-compatible
// endpoint (lakeFS, MinIO, or AWS S3 itself), using path-style addressing
// and signature v4 as required by lakeFS.
package s3

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/mardi4nfdi/doip-server/pkg/blobstore"
	"github.com/mardi4nfdi/doip-server/pkg/doiperr"
)

func init() {
	blobstore.Providers.Register("s3", func(ctx context.Context, params map[string]string) (blobstore.Client, error) {
		return New(ctx, Options{
			Endpoint:  params["endpoint"],
			Region:    orDefault(params["region"], "us-east-1"),
			Bucket:    params["bucket"],
			AccessKey: params["access_key"],
			SecretKey: params["secret_key"],
			VerifyTLS: params["verify_tls"] != "false",
		})
	})
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

var _ blobstore.Client = (*Store)(nil)

// Options configures the S3 backend. Bucket corresponds to the lakeFS
// "repo" name.
type Options struct {
	Endpoint  string // custom endpoint, required for lakeFS/MinIO
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	VerifyTLS bool // false disables TLS certificate verification
}

// Store implements blobstore.Client.
type Store struct {
	client     *s3.Client
	bucket     string
	endpoint   string
	httpClient *http.Client
}

// New creates an S3-backed Store using path-style addressing, required for
// lakeFS and MinIO compatibility.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 blobstore: bucket (repo) is required")
	}

	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: !opts.VerifyTLS}, //nolint:gosec // operator opt-in, mirrors spec §6's verify_tls
		},
	}

	optFns := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithHTTPClient(httpClient),
	}
	if opts.AccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.UsePathStyle = true
		},
	}
	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	}

	return &Store{
		client:     s3.NewFromConfig(cfg, s3Opts...),
		bucket:     opts.Bucket,
		endpoint:   opts.Endpoint,
		httpClient: httpClient,
	}, nil
}

// EnsureAvailable issues a 3-second GET against the endpoint root, per
// spec §4.4; any error or timeout reports unavailable rather than
// propagating.
func (s *Store) EnsureAvailable(ctx context.Context) bool {
	if s.endpoint == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return true
}

// Get fetches key's bytes.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, doiperr.Wrap(doiperr.ComponentNotFound, err, "no object at key %q", key)
		}
		return nil, doiperr.Wrap(doiperr.StorageError, err, "get object %q", key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, doiperr.Wrap(doiperr.StorageError, err, "read object body %q", key)
	}
	return data, nil
}

// Put uploads content under key.
func (s *Store) Put(ctx context.Context, key string, content []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", doiperr.Wrap(doiperr.StorageError, err, "put object %q", key)
	}
	return key, nil
}

// List returns every key under prefix, relative to prefix, walking all
// pages before returning so callers see a complete listing in one call.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, doiperr.Wrap(doiperr.StorageError, err, "list objects under %q", prefix)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			keys = append(keys, strings.TrimPrefix(k, prefix))
		}
	}
	return keys, nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404")
}
