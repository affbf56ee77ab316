package safe

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cell is a lazily resolved value. Concurrent callers that find the cell unresolved share a single
// call to the resolver. A failed resolution leaves the cell unresolved so the next caller retries.
type Cell[T any] struct {
	mu       sync.RWMutex
	resolved bool
	value    T
	group    singleflight.Group
}

// Load returns the resolved value, if any
func (c *Cell[T]) Load() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value, c.resolved
}

// GetOrResolve returns the cached value, resolving it with fn if the cell is unresolved.
// The context of the caller that starts the resolution is the one passed to fn.
func (c *Cell[T]) GetOrResolve(ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	if value, ok := c.Load(); ok {
		return value, nil
	}
	result, err, _ := c.group.Do("resolve", func() (any, error) {
		// a previous flight may have completed between Load and Do
		if value, ok := c.Load(); ok {
			return value, nil
		}
		value, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.value = value
		c.resolved = true
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}
