// Package upload moves user-supplied images into the vendor's object store.
//
// Inputs are either data: URLs or remote URLs. Bytes are content-addressed
// through the dedup cache so an image is uploaded once per deployment, then
// PUT to OSS with a v4 signature built from a per-file STS token.
package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/qwen-gateway/internal/backend"
	"github.com/nulpointcorp/qwen-gateway/internal/cache"
	"github.com/nulpointcorp/qwen-gateway/internal/credentials"
	"github.com/nulpointcorp/qwen-gateway/internal/metrics"
)

// ErrUploadFailed is returned when an input could not be materialized or
// stored. Nothing is cached in that case.
var ErrUploadFailed = errors.New("upload: failed")

const (
	defaultFetchTimeout  = 15 * time.Second
	defaultUploadTimeout = 30 * time.Second
	defaultMaxBytes      = 20 << 20
)

// STSIssuer hands out per-file upload credentials. *backend.Client
// implements it.
type STSIssuer interface {
	STSToken(ctx context.Context, cred credentials.Credential, req backend.STSRequest) (backend.STSToken, error)
}

type Options struct {
	// Passthrough lists URLs that already live on vendor storage.
	Passthrough *HostList

	HTTPClient    *http.Client
	FetchTimeout  time.Duration
	UploadTimeout time.Duration
	MaxBytes      int64

	// Endpoint overrides the PUT target; nil means the public OSS endpoint.
	Endpoint func(tok backend.STSToken) string
	Now      func() time.Time

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Uploader is safe for concurrent use. Concurrent saves of identical bytes
// share one upload.
type Uploader struct {
	sts   STSIssuer
	dedup *cache.Dedup
	opts  Options
	group singleflight.Group
	log   *slog.Logger
}

func New(sts STSIssuer, dedup *cache.Dedup, opts Options) *Uploader {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = defaultUploadTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.Endpoint == nil {
		opts.Endpoint = func(tok backend.STSToken) string {
			return "https://" + ossHost(tok) + "/" + tok.FilePath
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Uploader{sts: sts, dedup: dedup, opts: opts, log: log}
}

// Save returns a vendor-hosted URL for input.
func (u *Uploader) Save(ctx context.Context, input string, cred credentials.Credential) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("%w: empty input", ErrUploadFailed)
	}
	if u.opts.Passthrough.Matches(input) {
		u.record("passthrough")
		return input, nil
	}

	data, err := u.materialize(ctx, input)
	if err != nil {
		u.record("error")
		return "", fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	hash := cache.Hash(data)
	if url, ok := u.dedup.Lookup(hash); ok {
		u.log.DebugContext(ctx, "upload_cache_hit", slog.String("hash", hash))
		u.record("cached")
		return url, nil
	}

	// The shared upload outlives any single caller; each caller still stops
	// waiting when its own ctx ends. put bounds the work by UploadTimeout.
	flight := u.group.DoChan(hash, func() (any, error) {
		if url, ok := u.dedup.Lookup(hash); ok {
			return url, nil
		}
		shared := context.WithoutCancel(ctx)
		url, err := u.put(shared, data, cred)
		if err != nil {
			return "", err
		}
		if err := u.dedup.Record(shared, hash, url); err != nil {
			// Logged and metered by the cache; the upload itself succeeded.
			u.log.WarnContext(shared, "upload_cache_record_failed", slog.String("error", err.Error()))
		}
		return url, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		u.record("error")
		return "", fmt.Errorf("%w: %w", ErrUploadFailed, ctx.Err())
	case res = <-flight:
	}
	if res.Err != nil {
		u.record("error")
		return "", fmt.Errorf("%w: %w", ErrUploadFailed, res.Err)
	}
	v := res.Val
	u.record("uploaded")
	return v.(string), nil
}

func (u *Uploader) materialize(ctx context.Context, input string) ([]byte, error) {
	if strings.HasPrefix(input, "data:") {
		return decodeDataURL(input)
	}
	return u.fetch(ctx, input)
}

// decodeDataURL splits on ";base64," and falls back to the first comma.
func decodeDataURL(input string) ([]byte, error) {
	payload := ""
	if _, after, ok := strings.Cut(input, ";base64,"); ok {
		payload = after
	} else if _, after, ok := strings.Cut(input, ","); ok {
		payload = after
	} else {
		return nil, errors.New("data url without payload")
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, fmt.Errorf("decode data url: %w", err)
		}
	}
	if len(data) == 0 {
		return nil, errors.New("empty data url")
	}
	return data, nil
}

func (u *Uploader) fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, u.opts.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	resp, err := u.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, u.opts.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if int64(len(data)) > u.opts.MaxBytes {
		return nil, fmt.Errorf("fetch: image exceeds %d bytes", u.opts.MaxBytes)
	}
	return data, nil
}

// put obtains an STS token and uploads data under it.
func (u *Uploader) put(ctx context.Context, data []byte, cred credentials.Credential) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, u.opts.UploadTimeout)
	defer cancel()

	tok, err := u.sts.STSToken(ctx, cred, backend.STSRequest{
		Filename: uuid.NewString() + ".jpg",
		Filesize: len(data),
		Filetype: "image",
	})
	if err != nil {
		return "", fmt.Errorf("sts: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.opts.Endpoint(tok), bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("oss put: %w", err)
	}
	req.Header = signPut(tok, u.opts.Now())
	req.Host = ossHost(tok)
	req.ContentLength = int64(len(data))

	resp, err := u.opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("oss put: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oss put: status %d", resp.StatusCode)
	}

	u.log.InfoContext(ctx, "upload_stored",
		slog.String("bucket", tok.Bucket),
		slog.String("path", tok.FilePath),
		slog.Int("bytes", len(data)),
	)
	return tok.FileURL, nil
}

func (u *Uploader) record(result string) {
	if u.opts.Metrics != nil {
		u.opts.Metrics.RecordUpload(result)
	}
}
