package checksum

import (
	"runtime"
	"sync"

	"skillsyncd/internal/fswalk"
)

// DirResult is the outcome of one pooled directory fingerprint.
type DirResult struct {
	Path     string
	Checksum string
	Err      error
}

// Pool runs directory fingerprints on a fixed number of workers so a large
// reconciliation pass does not fan out one goroutine (and one open file) per
// deployment.
type Pool struct {
	workers int
	opts    fswalk.Options
}

// NewPool creates a pool. workers <= 0 uses GOMAXPROCS.
func NewPool(workers int, opts fswalk.Options) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Pool{workers: workers, opts: opts}
}

// Workers returns the pool size.
func (p *Pool) Workers() int {
	return p.workers
}

// Dirs fingerprints every path and returns results in input order.
func (p *Pool) Dirs(paths []string) []DirResult {
	results := make([]DirResult, len(paths))
	if len(paths) == 0 {
		return results
	}

	jobs := make(chan int)
	var wg sync.WaitGroup

	n := p.workers
	if n > len(paths) {
		n = len(paths)
	}
	for w := 0; w < n; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				sum, err := Dir(paths[i], p.opts)
				results[i] = DirResult{Path: paths[i], Checksum: sum, Err: err}
			}
		}()
	}

	for i := range paths {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}
