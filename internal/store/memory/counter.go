package memory

import (
	"context"
	"sync"
)

type Counter struct {
	mu    sync.Mutex
	value int64
	set   bool
}

func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) Get(context.Context) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.set, nil
}

func (c *Counter) Set(_ context.Context, value int64) error {
	c.mu.Lock()
	c.value = value
	c.set = true
	c.mu.Unlock()
	return nil
}
