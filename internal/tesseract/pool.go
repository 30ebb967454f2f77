package tesseract

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/otiai10/gosseract/v2"
	"golang.org/x/sync/semaphore"
)

// recognizer is the subset of *gosseract.Client the engine uses
type recognizer interface {
	SetImageFromBytes(data []byte) error
	SetLanguage(langs ...string) error
	Text() (string, error)
	GetBoundingBoxes(level gosseract.PageIteratorLevel) ([]gosseract.BoundingBox, error)
	Version() string
	Close() error
}

func newGosseractClient() recognizer {
	return gosseract.NewClient()
}

type pooledClient struct {
	recognizer
	generation int
}

// clientPool hands out at most size recognizers at a time. Clients are
// created on first demand and kept idle between calls until Close.
type clientPool struct {
	sem       *semaphore.Weighted
	newClient func() recognizer
	languages []string

	mu         sync.Mutex
	idle       []*pooledClient
	generation int
	created    int // created in the current generation
}

func newClientPool(size int, languages []string, factory func() recognizer) *clientPool {
	if size < 1 {
		size = 1
	}
	if factory == nil {
		factory = newGosseractClient
	}
	return &clientPool{
		sem:       semaphore.NewWeighted(int64(size)),
		newClient: factory,
		languages: languages,
	}
}

func (p *clientPool) acquire(ctx context.Context) (*pooledClient, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	gen := p.generation
	p.created++
	p.mu.Unlock()

	client := p.newClient()
	if len(p.languages) > 0 {
		if err := client.SetLanguage(p.languages...); err != nil {
			client.Close()
			p.mu.Lock()
			if p.generation == gen {
				p.created--
			}
			p.mu.Unlock()
			p.sem.Release(1)
			return nil, fmt.Errorf("set languages %v: %w", p.languages, err)
		}
	}
	return &pooledClient{recognizer: client, generation: gen}, nil
}

// release returns a client; clients from before the last Close are closed instead
func (p *clientPool) release(c *pooledClient) {
	defer p.sem.Release(1)

	p.mu.Lock()
	if c.generation == p.generation {
		p.idle = append(p.idle, c)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	c.Close()
}

// discard drops a client that misbehaved
func (p *clientPool) discard(c *pooledClient) {
	defer p.sem.Release(1)

	p.mu.Lock()
	if c.generation == p.generation {
		p.created--
	}
	p.mu.Unlock()
	c.Close()
}

// Close releases idle clients. Busy clients are closed when returned.
// Calling Close again without new work is a no-op; later use creates
// fresh clients.
func (p *clientPool) Close() error {
	p.mu.Lock()
	if p.created == 0 {
		p.mu.Unlock()
		return nil
	}
	idle := p.idle
	p.idle = nil
	p.created = 0
	p.generation++
	p.mu.Unlock()

	var errs []error
	for _, c := range idle {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// size reports clients alive in the current generation
func (p *clientPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}
