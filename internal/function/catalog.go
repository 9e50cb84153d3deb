package function

import "sync/atomic"

// Catalog is a Registry that can be swapped wholesale on reload while
// invocations keep resolving names against it.
type Catalog struct {
	current atomic.Pointer[Registry]
}

func NewCatalog(r *Registry) *Catalog {
	c := &Catalog{}
	if r == nil {
		r = NewRegistry()
	}
	c.current.Store(r)
	return c
}

func (c *Catalog) Get(name string) (*Function, bool) {
	return c.current.Load().Get(name)
}

// Registry returns the registry currently in use.
func (c *Catalog) Registry() *Registry {
	return c.current.Load()
}

// Swap installs r and returns the registry it replaced.
func (c *Catalog) Swap(r *Registry) *Registry {
	return c.current.Swap(r)
}
