// Package testutils provides in-memory datasets for tests of the loading and visibility packages.
package testutils

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"go.viam.com/potree/loader"
)

// Request is a request received by a MemoryStore.
type Request struct {
	URL   string
	Range *loader.ByteRange
}

// MemoryStore serves files from memory. It answers like a web server: 404 for missing files,
// 206 for ranges and 416 for ranges past the end of a file.
type MemoryStore struct {
	mu       sync.Mutex
	files    map[string][]byte
	statuses map[string]int
	errs     map[string]error
	requests []Request
	hold     chan struct{}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:    map[string][]byte{},
		statuses: map[string]int{},
		errs:     map[string]error{},
	}
}

// WriteFiles writes every stored file under dir, using its URL as the relative path.
func (s *MemoryStore) WriteFiles(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for url, data := range s.files {
		path := filepath.Join(dir, filepath.FromSlash(url))
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return err
		}
	}
	return nil
}

// Put stores data at url.
func (s *MemoryStore) Put(url string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[url] = data
}

// Get returns the data stored at url.
func (s *MemoryStore) Get(url string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[url]
	return data, ok
}

// FailWith makes requests for url answer status.
func (s *MemoryStore) FailWith(url string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[url] = status
}

// FailWithError makes requests for url fail with err, like a broken connection.
func (s *MemoryStore) FailWithError(url string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[url] = err
}

// Hold makes requests block until the returned function is called or their context is done.
func (s *MemoryStore) Hold() (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hold := make(chan struct{})
	s.hold = hold
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.hold == hold {
				s.hold = nil
			}
			s.mu.Unlock()
			close(hold)
		})
	}
}

// Requests returns the requests received so far.
func (s *MemoryStore) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// RequestCount returns how many requests were made for url.
func (s *MemoryStore) RequestCount(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int
	for _, r := range s.requests {
		if r.URL == url {
			count++
		}
	}
	return count
}

// Requester returns a loader.Requester served by the store.
func (s *MemoryStore) Requester() loader.Requester {
	return s.request
}

func (s *MemoryStore) request(ctx context.Context, url string, rng *loader.ByteRange) (*loader.Response, error) {
	s.mu.Lock()
	var recorded *loader.ByteRange
	if rng != nil {
		r := *rng
		recorded = &r
	}
	s.requests = append(s.requests, Request{URL: url, Range: recorded})
	hold := s.hold
	s.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs[url]; err != nil {
		return nil, err
	}
	if status := s.statuses[url]; status != 0 {
		return &loader.Response{StatusCode: status}, nil
	}
	data, ok := s.files[url]
	if !ok {
		return &loader.Response{StatusCode: http.StatusNotFound}, nil
	}
	if rng == nil {
		return &loader.Response{StatusCode: http.StatusOK, Body: data}, nil
	}
	if rng.Offset >= uint64(len(data)) {
		return &loader.Response{StatusCode: http.StatusRequestedRangeNotSatisfiable}, nil
	}
	end := min(rng.Offset+rng.Size, uint64(len(data)))
	return &loader.Response{StatusCode: http.StatusPartialContent, Body: data[rng.Offset:end]}, nil
}
