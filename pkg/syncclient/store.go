package syncclient

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	concordsync "github.com/hyperengineering/concord/internal/sync"
	"github.com/hyperengineering/concord/internal/vclock"
	"go.etcd.io/bbolt"
)

// ErrNotFound is returned for a missing or deleted local document.
var ErrNotFound = errors.New("document not found")

var (
	bucketDocuments = []byte("documents")
	bucketPending   = []byte("pending")
	bucketMeta      = []byte("meta")

	metaDeviceID     = []byte("device_id")
	metaClientVector = []byte("client_vector")
	metaServerVector = []byte("server_vector")
	metaLastSync     = []byte("last_sync")
)

// Store is the bbolt-backed local document store and outbound queue.
// Every local write updates the document and enqueues its change in one
// transaction.
type Store struct {
	db       *bbolt.DB
	path     string
	deviceID string
	now      func() time.Time
}

// pendingChange is a queued change and its queue position.
type pendingChange struct {
	ID     uint64
	Change concordsync.SyncChange
}

// NewStore opens (or creates) the local store. An empty deviceID loads the
// persisted identity or generates a new one.
func NewStore(path, deviceID string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	s := &Store{db: db, path: path, now: time.Now}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketDocuments, bucketPending, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		if stored := meta.Get(metaDeviceID); stored != nil && deviceID == "" {
			deviceID = string(stored)
		}
		if deviceID == "" {
			deviceID = uuid.NewString()
		}
		return meta.Put(metaDeviceID, []byte(deviceID))
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	s.deviceID = deviceID
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DeviceID returns the device identity used in version vectors.
func (s *Store) DeviceID() string { return s.deviceID }

func docKey(database, collection, key string) []byte {
	return []byte(database + "\x00" + collection + "\x00" + key)
}

func scopePrefix(database, collection string) []byte {
	if collection == "" {
		return []byte(database + "\x00")
	}
	return []byte(database + "\x00" + collection + "\x00")
}

func seqKey(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func getJSON(b *bbolt.Bucket, key []byte, v any) (bool, error) {
	raw := b.Get(key)
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}

// Put writes a document locally and queues it for push.
func (s *Store) Put(database, collection, key string, data json.RawMessage) (*Document, error) {
	if !json.Valid(data) {
		return nil, fmt.Errorf("document %s/%s/%s: data must be valid JSON", database, collection, key)
	}
	return s.write(database, collection, key, data, false)
}

// Delete removes a document locally and queues the delete for push.
func (s *Store) Delete(database, collection, key string) (*Document, error) {
	return s.write(database, collection, key, nil, true)
}

func (s *Store) write(database, collection, key string, data json.RawMessage, deleted bool) (*Document, error) {
	if database == "" || collection == "" || key == "" {
		return nil, errors.New("database, collection and key are required")
	}

	var doc Document
	err := s.db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(bucketDocuments)
		meta := tx.Bucket(bucketMeta)

		found, err := getJSON(docs, docKey(database, collection, key), &doc)
		if err != nil {
			return err
		}
		if deleted && (!found || doc.Deleted) {
			return ErrNotFound
		}

		var clientVector vclock.VersionVector
		if _, err := getJSON(meta, metaClientVector, &clientVector); err != nil {
			return err
		}
		counter := clientVector.Increment(s.deviceID)
		if err := putJSON(meta, metaClientVector, clientVector); err != nil {
			return err
		}

		now := s.now()
		vector := doc.Vector.Clone()
		vector.Nodes[s.deviceID] = counter
		vector.SetHLC(uint64(now.UnixMilli()), 0)

		op := concordsync.ChangeUpdate
		switch {
		case deleted:
			op = concordsync.ChangeDelete
		case !found || doc.Deleted:
			op = concordsync.ChangeInsert
		}

		doc = Document{
			Database:   database,
			Collection: collection,
			Key:        key,
			Data:       data,
			Vector:     vector,
			Deleted:    deleted,
			Dirty:      true,
			UpdatedAt:  now,
		}
		if err := putJSON(docs, docKey(database, collection, key), doc); err != nil {
			return err
		}

		pending := tx.Bucket(bucketPending)
		id, err := pending.NextSequence()
		if err != nil {
			return err
		}
		return putJSON(pending, seqKey(id), concordsync.SyncChange{
			Database:     database,
			Collection:   collection,
			DocumentKey:  key,
			Operation:    op,
			DocumentData: data,
			Vector:       vector,
			Timestamp:    uint64(now.UnixMilli()),
		})
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Get returns a live local document.
func (s *Store) Get(database, collection, key string) (*Document, error) {
	var doc Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		found, err := getJSON(tx.Bucket(bucketDocuments), docKey(database, collection, key), &doc)
		if err != nil {
			return err
		}
		if !found || doc.Deleted {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// List returns the live documents of a collection in key order.
func (s *Store) List(database, collection string) ([]Document, error) {
	var out []Document
	prefix := scopePrefix(database, collection)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketDocuments).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var doc Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("decode %q: %w", k, err)
			}
			if !doc.Deleted {
				out = append(out, doc)
			}
		}
		return nil
	})
	return out, err
}

// Pending returns up to limit queued changes, oldest first. limit <= 0
// returns all of them.
func (s *Store) Pending(limit int) ([]pendingChange, error) {
	var out []pendingChange
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketPending).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var ch concordsync.SyncChange
			if err := json.Unmarshal(v, &ch); err != nil {
				return fmt.Errorf("decode pending change: %w", err)
			}
			out = append(out, pendingChange{ID: binary.BigEndian.Uint64(k), Change: ch})
		}
		return nil
	})
	return out, err
}

// Acknowledge drops pushed changes from the queue. Documents with no other
// queued change are marked clean.
func (s *Store) Acknowledge(pushed []pendingChange) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		pending := tx.Bucket(bucketPending)
		for _, p := range pushed {
			if err := pending.Delete(seqKey(p.ID)); err != nil {
				return err
			}
		}

		stillQueued := make(map[string]bool)
		if err := pending.ForEach(func(_, v []byte) error {
			var ch concordsync.SyncChange
			if err := json.Unmarshal(v, &ch); err != nil {
				return err
			}
			stillQueued[string(docKey(ch.Database, ch.Collection, ch.DocumentKey))] = true
			return nil
		}); err != nil {
			return err
		}

		docs := tx.Bucket(bucketDocuments)
		for _, p := range pushed {
			k := docKey(p.Change.Database, p.Change.Collection, p.Change.DocumentKey)
			if stillQueued[string(k)] {
				continue
			}
			var doc Document
			found, err := getJSON(docs, k, &doc)
			if err != nil {
				return err
			}
			if !found || !doc.Dirty {
				continue
			}
			doc.Dirty = false
			if err := putJSON(docs, k, doc); err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyRemote stores changes pulled from the server without queueing them.
// A change is skipped when the local copy has unpushed edits the change does
// not dominate; the server reconciles those on the next push. It returns the
// number of applied changes.
func (s *Store) ApplyRemote(changes []concordsync.SyncChange) (int, error) {
	applied := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(bucketDocuments)
		meta := tx.Bucket(bucketMeta)

		var clientVector vclock.VersionVector
		if _, err := getJSON(meta, metaClientVector, &clientVector); err != nil {
			return err
		}

		for _, ch := range changes {
			if ch.DocumentKey == "" {
				n, err := applyStructural(docs, ch)
				if err != nil {
					return err
				}
				applied += n
				continue
			}

			k := docKey(ch.Database, ch.Collection, ch.DocumentKey)
			var local Document
			found, err := getJSON(docs, k, &local)
			if err != nil {
				return err
			}
			if found && !supersedes(local, ch.Vector) {
				continue
			}

			data := ch.DocumentData
			if ch.IsDelta && ch.Operation != concordsync.ChangeDelete {
				if data, err = patchLocal(local.Data, ch.DeltaPatch); err != nil {
					return err
				}
			}

			doc := Document{
				Database:   ch.Database,
				Collection: ch.Collection,
				Key:        ch.DocumentKey,
				Data:       data,
				Vector:     ch.Vector.Merged(local.Vector),
				Deleted:    ch.Operation == concordsync.ChangeDelete,
				UpdatedAt:  s.now(),
			}
			if doc.Deleted {
				doc.Data = nil
			}
			if err := putJSON(docs, k, doc); err != nil {
				return err
			}
			clientVector.Merge(ch.Vector)
			applied++
		}
		return putJSON(meta, metaClientVector, clientVector)
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

// supersedes reports whether a remote change should replace the local copy.
// Changes the copy already reflects, including the device's own writes
// coming back from the node, are skipped. Unpushed local edits are only
// replaced by a change that has seen them.
func supersedes(local Document, remote vclock.VersionVector) bool {
	switch local.Vector.Compare(remote) {
	case vclock.Dominated:
		return true
	case vclock.Concurrent:
		return !local.Dirty
	default:
		return false
	}
}

// patchLocal applies an RFC 6902 delta to the local copy. A missing copy
// patches {}.
func patchLocal(current, patch json.RawMessage) (json.RawMessage, error) {
	p, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, fmt.Errorf("decode delta_patch: %w", err)
	}
	if len(current) == 0 {
		current = json.RawMessage(`{}`)
	}
	return p.Apply(current)
}

// applyStructural handles database and collection drops. Creates need no
// local action.
func applyStructural(docs *bbolt.Bucket, ch concordsync.SyncChange) (int, error) {
	if ch.Operation != concordsync.ChangeDelete {
		return 0, nil
	}
	prefix := scopePrefix(ch.Database, ch.Collection)
	var keys [][]byte
	c := docs.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := docs.Delete(k); err != nil {
			return 0, err
		}
	}
	return 1, nil
}

// ClientVector returns the vector of everything this device has seen.
func (s *Store) ClientVector() (vclock.VersionVector, error) {
	v := vclock.New()
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, err := getJSON(tx.Bucket(bucketMeta), metaClientVector, &v)
		return err
	})
	if v.Nodes == nil {
		v.Nodes = make(map[string]uint64)
	}
	return v, err
}

// RecordSync persists the server vector and sync time.
func (s *Store) RecordSync(server vclock.VersionVector) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if err := putJSON(meta, metaServerVector, server); err != nil {
			return err
		}
		return meta.Put(metaLastSync, []byte(s.now().UTC().Format(time.RFC3339Nano)))
	})
}

// ServerVector returns the last acknowledged server vector.
func (s *Store) ServerVector() (vclock.VersionVector, error) {
	v := vclock.New()
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, err := getJSON(tx.Bucket(bucketMeta), metaServerVector, &v)
		return err
	})
	return v, err
}

// Stats returns store statistics.
func (s *Store) Stats() StoreStats {
	var stats StoreStats
	_ = s.db.View(func(tx *bbolt.Tx) error {
		_ = tx.Bucket(bucketDocuments).ForEach(func(_, v []byte) error {
			var doc Document
			if json.Unmarshal(v, &doc) == nil && !doc.Deleted {
				stats.Documents++
			}
			return nil
		})
		stats.PendingSync = tx.Bucket(bucketPending).Stats().KeyN
		if raw := tx.Bucket(bucketMeta).Get(metaLastSync); raw != nil {
			if t, err := time.Parse(time.RFC3339Nano, string(raw)); err == nil {
				stats.LastSync = &t
			}
		}
		return nil
	})
	if info, err := os.Stat(s.path); err == nil {
		stats.DatabaseSize = info.Size()
	}
	return stats
}
