package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/pkg/errors"

	goutils "go.viam.com/utils"
)

// ByteRange selects Size bytes starting at Offset.
type ByteRange struct {
	Offset uint64
	Size   uint64
}

// Header returns the HTTP Range header value for the range.
func (r ByteRange) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Offset, r.Offset+r.Size-1)
}

// Response is the result of a request. Non 2xx statuses are returned as responses, not errors.
type Response struct {
	StatusCode int
	Body       []byte
}

// Requester fetches the bytes at url, or only the given range of them when rng is not nil.
// Retries and request signing are the requester's concern.
type Requester func(ctx context.Context, url string, rng *ByteRange) (*Response, error)

// URLResolver maps a dataset relative path to the URL that is requested.
type URLResolver func(ctx context.Context, path string) (string, error)

// IdentityResolver requests paths as they are.
func IdentityResolver(_ context.Context, path string) (string, error) {
	return path, nil
}

// HTTPRequester returns a Requester using client, or http.DefaultClient when client is nil.
func HTTPRequester(client *http.Client) Requester {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, rawURL string, rng *ByteRange) (*Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		if rng != nil {
			req.Header.Set("Range", rng.Header())
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, errors.Wrapf(ErrNetworkFailure, "%s: %v", rawURL, err)
		}
		defer goutils.UncheckedErrorFunc(resp.Body.Close)

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, errors.Wrapf(ErrNetworkFailure, "reading %s: %v", rawURL, err)
		}
		return &Response{StatusCode: resp.StatusCode, Body: body}, nil
	}
}

// FileRequester returns a Requester reading local files. URLs may be plain paths or file:// URLs.
// Missing files answer 404 and ranges past the end of a file answer 416, like a web server would.
func FileRequester() Requester {
	return func(ctx context.Context, rawURL string, rng *ByteRange) (*Response, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := rawURL
		if strings.HasPrefix(rawURL, "file://") {
			u, err := url.Parse(rawURL)
			if err != nil {
				return nil, err
			}
			path = u.Path
		}
		f, err := os.Open(path) //nolint:gosec
		if err != nil {
			if os.IsNotExist(err) {
				return &Response{StatusCode: http.StatusNotFound}, nil
			}
			return nil, err
		}
		defer goutils.UncheckedErrorFunc(f.Close)

		if rng == nil {
			body, err := io.ReadAll(f)
			if err != nil {
				return nil, err
			}
			return &Response{StatusCode: http.StatusOK, Body: body}, nil
		}
		info, err := f.Stat()
		if err != nil {
			return nil, err
		}
		if rng.Offset >= uint64(info.Size()) {
			return &Response{StatusCode: http.StatusRequestedRangeNotSatisfiable}, nil
		}
		size := min(rng.Size, uint64(info.Size())-rng.Offset)
		body := make([]byte, size)
		if _, err := f.ReadAt(body, int64(rng.Offset)); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		return &Response{StatusCode: http.StatusPartialContent, Body: body}, nil
	}
}

// fetcher resolves and requests dataset files, turning failed and empty responses into errors.
type fetcher struct {
	format  string
	resolve URLResolver
	request Requester
}

func (f *fetcher) fetch(ctx context.Context, path string, rng *ByteRange) ([]byte, error) {
	if f.request == nil {
		return nil, ErrLoaderUnavailable
	}
	resolve := f.resolve
	if resolve == nil {
		resolve = IdentityResolver
	}
	u, err := resolve(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", path)
	}
	resp, err := f.request(ctx, u, rng)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &NetworkError{URL: u, StatusCode: resp.StatusCode}
	}
	if len(resp.Body) == 0 {
		return nil, errors.Wrapf(ErrEmptyPayload, "%s", u)
	}
	bytesFetched.WithLabelValues(f.format).Add(float64(len(resp.Body)))
	return resp.Body, nil
}

// basePath returns url up to and including its last slash.
func basePath(u string) string {
	return u[:strings.LastIndex(u, "/")+1]
}

// joinPath resolves a path found in metadata against the metadata's base path. Absolute paths
// and URLs are returned unchanged.
func joinPath(base, p string) string {
	if strings.HasPrefix(p, "/") || strings.Contains(p, "://") {
		return p
	}
	return base + strings.TrimPrefix(p, "./")
}
