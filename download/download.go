// Package download fetches tender documents over HTTP into a tender folder.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"tenderscan/domain"
	"tenderscan/prepare"
)

const (
	DefaultWorkers = 8
	DefaultTimeout = 600 * time.Second
	defaultRetries = 2
	maxNameTries   = 1000
)

type Client struct {
	http    *http.Client
	workers int
	timeout time.Duration
	retries int
	backoff time.Duration
	agent   string
	log     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithWorkers bounds concurrent downloads per tender.
func WithWorkers(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithTimeout sets the aggregate deadline of one DownloadAll call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithBackoff(d time.Duration) Option { return func(c *Client) { c.backoff = d } }

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func New(opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		workers: DefaultWorkers,
		timeout: DefaultTimeout,
		retries: defaultRetries,
		backoff: time.Second,
		agent:   "tenderscan/1.0",
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var errTransient = errors.New("transient http failure")

// Download streams doc into dir through a .part file and returns the final path.
// Network errors, 429 and 5xx responses are retried.
func (c *Client) Download(ctx context.Context, doc domain.DocumentRef, dir string) (string, error) {
	if strings.TrimSpace(doc.URL) == "" {
		return "", domain.NewFileError(domain.ErrDownload, doc.FileName, errors.New("empty url"))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dest, err := claim(dir, SanitizeName(doc.FileName))
	if err != nil {
		return "", domain.NewFileError(domain.ErrDownload, doc.FileName, err)
	}

	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				_ = os.Remove(dest)
				return "", ctx.Err()
			case <-time.After(c.backoff * time.Duration(attempt)):
			}
		}
		err = c.fetch(ctx, doc.URL, dest)
		if err == nil {
			return dest, nil
		}
		if !errors.Is(err, errTransient) || ctx.Err() != nil {
			break
		}
		c.log.Debug("download retry", "file", doc.FileName, "attempt", attempt+1, "err", err)
	}
	_ = os.Remove(dest)
	return "", domain.NewFileError(domain.ErrDownload, doc.FileName, err)
}

// claim reserves a free file name in dir by creating it exclusively. Documents
// sharing a name get "_1", "_2" suffixes so concurrent downloads never share a file.
func claim(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < maxNameTries; i++ {
		cand := name
		if i > 0 {
			cand = fmt.Sprintf("%s_%d%s", stem, i, ext)
		}
		p := filepath.Join(dir, cand)
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		return p, f.Close()
	}
	return "", fmt.Errorf("no free name for %s", name)
}

func (c *Client) fetch(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.agent)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errTransient, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", errTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", errTransient, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

// DownloadAll fetches every group with bounded concurrency under one deadline.
// A group whose main document fails is logged and left out.
func (c *Client) DownloadAll(ctx context.Context, groups []prepare.DocumentGroup, dir string) []domain.DownloadRecord {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	recs := make([]*domain.DownloadRecord, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, grp := range groups {
		g.Go(func() error {
			path, err := c.Download(gctx, grp.Main, dir)
			if err != nil {
				c.log.Warn("download failed", "file", grp.Main.FileName, "err", err)
				return nil
			}
			paths := []string{path}
			for _, v := range grp.Volumes {
				vp, err := c.Download(gctx, v, dir)
				if err != nil {
					c.log.Warn("volume download failed", "file", v.FileName, "err", err)
					continue
				}
				paths = append(paths, vp)
			}
			doc := grp.Main
			recs[i] = &domain.DownloadRecord{Doc: &doc, Paths: paths, Origin: domain.OriginDownload}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]domain.DownloadRecord, 0, len(recs))
	for _, r := range recs {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

var nameReplacer = strings.NewReplacer("/", "_", "\\", "_", ":", "_", "*", "_", "?", "_", "\"", "_", "<", "_", ">", "_", "|", "_")

// SanitizeName makes a portal-supplied file name safe to create in a folder.
func SanitizeName(name string) string {
	name = nameReplacer.Replace(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 {
			return -1
		}
		return r
	}, name)
	name = strings.Trim(name, ". ")
	if name == "" {
		return "document"
	}
	if r := []rune(name); len(r) > 200 {
		ext := filepath.Ext(name)
		name = string(r[:200-len([]rune(ext))]) + ext
	}
	return name
}
