package inocache

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/flashlog/types"
)

// ErrStaleVersion is returned if version of the inode does not increase.
var ErrStaleVersion = errors.New("stale version")

// Entry points to the live node of the inode.
type Entry struct {
	Location types.Location
	Version  types.Version
}

// Cache maps inodes to their live nodes.
type Cache struct {
	mu      sync.RWMutex
	entries map[types.Ino]Entry
	highest map[types.Ino]types.Version
}

// New creates empty cache.
func New() *Cache {
	return &Cache{
		entries: map[types.Ino]Entry{},
		highest: map[types.Ino]types.Version{},
	}
}

// Get returns the entry of the inode.
func (c *Cache) Get(ino types.Ino) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, exists := c.entries[ino]
	return e, exists
}

// HighestVersionLocation returns the location of the node holding the highest version of the inode.
func (c *Cache) HighestVersionLocation(ino types.Ino) (types.Location, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, exists := c.entries[ino]
	return e.Location, exists
}

// HighestVersion returns the highest version ever recorded for the inode, including removed ones.
func (c *Cache) HighestVersion(ino types.Ino) types.Version {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.highest[ino]
}

// CheckVersion verifies that version is higher than any version recorded for the inode.
func (c *Cache) CheckVersion(ino types.Ino, version types.Version) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.checkVersion(ino, version)
}

// Set records new live node of the inode. Version must be higher than any version recorded before.
func (c *Cache) Set(ino types.Ino, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkVersion(ino, e.Version); err != nil {
		return err
	}
	c.entries[ino] = e
	c.highest[ino] = e.Version
	return nil
}

// UpdateLocation repoints the inode to the relocated copy of its live node.
func (c *Cache) UpdateLocation(ino types.Ino, location types.Location, version types.Version) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.entries[ino]
	if !exists {
		return errors.Errorf("inode %d does not exist", ino)
	}
	if e.Version != version {
		return errors.Wrapf(ErrStaleVersion, "inode %d has version %d, relocated version %d", ino, e.Version,
			version)
	}
	e.Location = location
	c.entries[ino] = e
	return nil
}

// Observe records node found by the mount scan. Node replaces the existing one if it is newer.
// It returns true if node became the live one.
func (c *Cache) Observe(ino types.Ino, e Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current, exists := c.entries[ino]; exists && current.Version >= e.Version {
		return false
	}
	c.entries[ino] = e
	if e.Version > c.highest[ino] {
		c.highest[ino] = e.Version
	}
	return true
}

// Remove removes the inode. Highest version is remembered so it is never reused.
func (c *Cache) Remove(ino types.Ino) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, ino)
}

// Len returns the number of inodes.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

func (c *Cache) checkVersion(ino types.Ino, version types.Version) error {
	if highest, exists := c.highest[ino]; exists && version <= highest {
		return errors.Wrapf(ErrStaleVersion, "inode %d has version %d, provided: %d", ino, highest, version)
	}
	return nil
}
