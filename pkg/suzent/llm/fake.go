package llm

import (
	"context"
	"sync"
)

// FakeProvider is a scripted in-process provider for tests. Each call
// consumes the next response; when the script runs out the last response
// repeats. A nil script yields an empty final answer.
type FakeProvider struct {
	Responses []Response
	Err       error

	mu       sync.Mutex
	calls    int
	requests []Request
}

func (f *FakeProvider) next(req Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	f.calls++
	if f.Err != nil {
		return nil, f.Err
	}
	if len(f.Responses) == 0 {
		return &Response{Content: ""}, nil
	}
	i := f.calls - 1
	if i >= len(f.Responses) {
		i = len(f.Responses) - 1
	}
	resp := f.Responses[i]
	return &resp, nil
}

func (f *FakeProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.next(req)
}

func (f *FakeProvider) Stream(ctx context.Context, req Request, onDelta func(string)) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := f.next(req)
	if err != nil {
		return nil, err
	}
	if resp.Content != "" && onDelta != nil {
		onDelta(resp.Content)
	}
	return resp, nil
}

// Calls reports how many requests the provider served.
func (f *FakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Requests returns a copy of the recorded requests.
func (f *FakeProvider) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// FakeEmbedder produces deterministic unit vectors derived from the
// text, so equal texts are identical and similar-prefix texts correlate.
type FakeEmbedder struct {
	Dim int
	Err error
}

func (f *FakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	dim := f.Dim
	if dim <= 0 {
		dim = 8
	}
	vec := make([]float32, dim)
	for i, r := range text {
		vec[i%dim] += float32(r%31) / 31
	}
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	inv := 1 / sqrt32(norm)
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}

func sqrt32(x float32) float32 {
	// Newton iterations are plenty for test vectors.
	z := x
	for range 8 {
		z = (z + x/z) / 2
	}
	return z
}
