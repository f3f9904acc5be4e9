// Package hostcache persists the hostile-host list and the set of
// servent GUIDs known to be directly reachable (no push needed). Both
// are consulted on the hot parse path, so entries are mirrored into
// memory and bbolt only sees writes and the initial load.
package hostcache

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"gwire/internal/errors"
)

const (
	hostilesBucket = "hostiles"
	pushlessBucket = "pushless"
	metaBucket     = "metadata"
	schemaVersion  = 1
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("hostcache: closed")

// Cache is the bbolt-backed host knowledge store.
type Cache struct {
	db *bbolt.DB

	mu       sync.RWMutex
	hostiles map[netip.Addr]bool
	pushless map[[16]byte]bool
	nets     []netip.Prefix // static hostile networks, config-supplied
	closed   bool
}

// Open loads or creates the cache at dbPath. nets are additional
// hostile networks from configuration, matched by prefix.
func Open(dbPath string, nets []netip.Prefix) (*Cache, error) {
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open host cache: %w", err)
	}

	c := &Cache{
		db:       db,
		hostiles: make(map[netip.Addr]bool),
		pushless: make(map[[16]byte]bool),
		nets:     nets,
	}

	if err := c.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	if err := c.load(); err != nil {
		db.Close()
		return nil, err
	}

	return c, nil
}

func (c *Cache) initialize() error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{hostilesBucket, pushlessBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}

		meta, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		return meta.Put([]byte("schema_version"), []byte(fmt.Sprintf("%d", schemaVersion)))
	})
}

func (c *Cache) load() error {
	return c.db.View(func(tx *bbolt.Tx) error {
		err := tx.Bucket([]byte(hostilesBucket)).ForEach(func(k, _ []byte) error {
			addr, err := netip.ParseAddr(string(k))
			if err != nil {
				return nil // stale entry, skip
			}

			c.hostiles[addr] = true

			return nil
		})
		if err != nil {
			return err
		}

		return tx.Bucket([]byte(pushlessBucket)).ForEach(func(k, _ []byte) error {
			if len(k) == 16 {
				var guid [16]byte
				copy(guid[:], k)
				c.pushless[guid] = true
			}

			return nil
		})
	})
}

// Hostile reports whether addr is on the hostile list or inside a
// configured hostile network. Implements qhit.HostileChecker.
func (c *Cache) Hostile(addr netip.Addr) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.hostiles[addr] {
		return true
	}

	for _, n := range c.nets {
		if n.Contains(addr) {
			return true
		}
	}

	return false
}

// AddHostile persists addr on the hostile list.
func (c *Cache) AddHostile(addr netip.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	c.hostiles[addr] = true

	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(hostilesBucket)).Put([]byte(addr.String()), []byte{1})
	})
}

// NoPushNeeded reports whether the servent GUID was reached directly
// before. Implements qhit.PushlessGUIDs.
func (c *Cache) NoPushNeeded(guid [16]byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.pushless[guid]
}

// MarkPushless records that the servent behind guid accepted a direct
// connection.
func (c *Cache) MarkPushless(guid [16]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	c.pushless[guid] = true

	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(pushlessBucket)).Put(guid[:], []byte{1})
	})
}

// Close flushes and closes the database.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	return c.db.Close()
}
