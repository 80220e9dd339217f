package model

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of flow graph models kept per cache.
const DefaultCacheSize = 64

type cacheKey struct {
	export    string
	resolver  Resolver
	flowGraph int
}

// Cache memoizes built flow graph models by export id, resolver options and
// flow graph index.
// The caller owns it and purges it when the export changes.
type Cache struct {
	models *lru.Cache[cacheKey, *FlowGraph]
}

func NewCache(size int) (*Cache, error) {
	c, err := lru.New[cacheKey, *FlowGraph](size)
	if err != nil {
		return nil, err
	}
	return &Cache{models: c}, nil
}

func (c *Cache) Get(exportID string, r Resolver, fgIndex int) (*FlowGraph, bool) {
	return c.models.Get(cacheKey{export: exportID, resolver: r, flowGraph: fgIndex})
}

func (c *Cache) Add(exportID string, r Resolver, fgIndex int, fg *FlowGraph) {
	c.models.Add(cacheKey{export: exportID, resolver: r, flowGraph: fgIndex}, fg)
}

// Purge drops every cached model.
func (c *Cache) Purge() {
	c.models.Purge()
}

func (c *Cache) Len() int {
	return c.models.Len()
}
