// Persistence for the fake-IP pool across process restart: one
// bbolt.DB opened for the process, a named bucket for this concern,
// JSON-encoded values. The pool already survives an in-process reload
// (Rebuild); this file extends that across a full process restart,
// which reload alone cannot do since the pool would otherwise start
// empty.
package fakeip

import (
	"container/list"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

var bucketName = []byte("fakeip_pool")

type persistedEntry struct {
	Domain   string `json:"domain"`
	Offset   uint32 `json:"offset"`
	ConfigID string `json:"config_id"`
	IsDirect bool   `json:"is_direct"`
}

// Save snapshots every live binding into db, replacing whatever was
// there before. LRU recency is not preserved; a restored pool treats
// every entry as equally fresh until touched again.
func (p *Pool) Save(db *bbolt.DB) error {
	p.mu.Lock()
	entries := make([]persistedEntry, 0, len(p.offsetToEntry))
	for off, e := range p.offsetToEntry {
		entries = append(entries, persistedEntry{
			Domain:   e.Domain,
			Offset:   off,
			ConfigID: e.ConfigID,
			IsDirect: e.IsDirect,
		})
	}
	p.mu.Unlock()

	return db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketName) != nil {
			if err := tx.DeleteBucket(bucketName); err != nil {
				return fmt.Errorf("fakeip: reset bucket: %w", err)
			}
		}
		b, err := tx.CreateBucket(bucketName)
		if err != nil {
			return fmt.Errorf("fakeip: create bucket: %w", err)
		}
		for _, e := range entries {
			v, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("fakeip: marshal entry for %q: %w", e.Domain, err)
			}
			if err := b.Put([]byte(e.Domain), v); err != nil {
				return fmt.Errorf("fakeip: put entry for %q: %w", e.Domain, err)
			}
		}
		return nil
	})
}

// Load replaces the pool's contents with whatever was last saved to db.
// Missing bucket is not an error (first run). nextOffset resumes past
// the highest restored offset so freshly-loaded entries are never
// immediately evicted by a brand-new Allocate.
func (p *Pool) Load(db *bbolt.DB) error {
	var restored []persistedEntry
	found := false
	err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		found = true
		return b.ForEach(func(_, v []byte) error {
			var e persistedEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("fakeip: unmarshal entry: %w", err)
			}
			restored = append(restored, e)
			return nil
		})
	})
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.domainToOffset = make(map[string]uint32)
	p.offsetToEntry = make(map[uint32]*Entry)
	p.lru = list.New()
	p.lruIndex = make(map[uint32]*list.Element)
	p.nextOffset = MinOffset

	for _, e := range restored {
		if e.Offset < MinOffset || e.Offset > MaxOffset {
			continue
		}
		if _, taken := p.offsetToEntry[e.Offset]; taken {
			continue
		}
		p.domainToOffset[e.Domain] = e.Offset
		p.offsetToEntry[e.Offset] = &Entry{Domain: e.Domain, ConfigID: e.ConfigID, IsDirect: e.IsDirect}
		p.pushFront(e.Offset)
		if e.Offset >= p.nextOffset {
			p.nextOffset = e.Offset + 1
		}
	}
	return nil
}
