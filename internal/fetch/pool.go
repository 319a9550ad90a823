package fetch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Result pairs a request with its outcome. Exactly one of Staged and
// Err is set.
type Result struct {
	Request Request
	Staged  *StagedFile
	Err     error
	index   int
}

// Pool runs staged downloads across a bounded set of workers. Results
// come back in request order regardless of completion order.
type Pool struct {
	client  *Client
	workers int
	logger  *slog.Logger
}

// NewPool creates a pool over client with the given worker count.
func NewPool(client *Client, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{client: client, workers: workers, logger: logger}
}

// Execute fetches every request and waits for all of them. One failed
// image never blocks the others; each result carries its own error.
func (p *Pool) Execute(ctx context.Context, requests []Request) []Result {
	if len(requests) == 0 {
		return []Result{}
	}

	type indexed struct {
		req   Request
		index int
	}
	jobs := make(chan indexed, len(requests))
	results := make(chan Result, len(requests))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if err := ctx.Err(); err != nil {
					results <- Result{Request: job.req, Err: err, index: job.index}
					continue
				}
				staged, err := p.client.Fetch(ctx, job.req)
				if err != nil {
					p.logger.Error("fetch failed", "name", job.req.CanonicalName, "error", err)
				}
				results <- Result{Request: job.req, Staged: staged, Err: err, index: job.index}
			}
		}()
	}

	for i, req := range requests {
		jobs <- indexed{req: req, index: i}
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]Result, 0, len(requests))
	for r := range results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}
