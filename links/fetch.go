package links

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

const (
	DefaultTimeout    = 60 * time.Second
	DefaultMaxBytes   = 256 << 20
	DefaultNamePrefix = "delhivery_invoice"
)

var errTooLarge = errors.New("response body too large")

// HTTPDoer executes HTTP requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetchError reports a failed link download. StatusCode is zero for
// transport errors.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Document is a successfully downloaded link target.
type Document struct {
	URL         string
	Data        []byte
	ContentType string
	// Filename comes from Content-Disposition or is generated from the URL.
	Filename string
}

type FetcherOptions struct {
	Timeout    time.Duration
	MaxBytes   int64
	NamePrefix string
	UserAgent  string
	// Now stamps generated filenames. Defaults to time.Now.
	Now func() time.Time
}

type Fetcher struct {
	client     HTTPDoer
	timeout    time.Duration
	maxBytes   int64
	namePrefix string
	userAgent  string
	now        func() time.Time
}

func NewFetcher(client HTTPDoer, opts FetcherOptions) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.NamePrefix == "" {
		opts.NamePrefix = DefaultNamePrefix
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Fetcher{
		client:     client,
		timeout:    opts.Timeout,
		maxBytes:   opts.MaxBytes,
		namePrefix: opts.NamePrefix,
		userAgent:  opts.UserAgent,
		now:        opts.Now,
	}
}

// Fetch performs a single GET bounded by the fetch timeout. Every failure is
// a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Document, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Document{}, &FetchError{URL: rawURL, Err: err}
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Document{}, &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Document{}, &FetchError{URL: rawURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return Document{}, &FetchError{URL: rawURL, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(data)) > f.maxBytes {
		return Document{}, &FetchError{URL: rawURL, Err: fmt.Errorf("%w: limit %d bytes", errTooLarge, f.maxBytes)}
	}

	name := dispositionFilename(resp.Header.Get("Content-Disposition"))
	if name == "" {
		name = f.generatedName(req.URL)
	}

	return Document{
		URL:         rawURL,
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		Filename:    name,
	}, nil
}

// generatedName builds <prefix>_<last path segment>_<YYYYMMDD_HHMMSS>.
func (f *Fetcher) generatedName(u *url.URL) string {
	segment := path.Base(u.Path)
	if segment == "." || segment == "/" || segment == "" {
		segment = "link"
	}
	return fmt.Sprintf("%s_%s_%s", f.namePrefix, segment, f.now().Format("20060102_150405"))
}

func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(header); err == nil {
		return strings.TrimSpace(params["filename"])
	}
	// Some servers send unquoted names with spaces or separators.
	if _, after, ok := strings.Cut(header, "filename="); ok {
		name, _, _ := strings.Cut(after, ";")
		return strings.Trim(strings.TrimSpace(name), `"`)
	}
	return ""
}
