package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/mediaforge/foreman/pkg/types"
)

var (
	// Bucket names
	bucketNodes   = []byte("nodes")
	bucketTasks   = []byte("tasks")
	bucketFolders = []byte("folders")
	bucketLocks   = []byte("locks")
	bucketSchema  = []byte("schema")

	schemaVersionKey = []byte("version")
)

// SchemaVersion is the bucket layout generation this build understands.
const SchemaVersion = "1"

// Buckets returns the bucket names this build owns, for the migrate tool.
func Buckets() [][]byte {
	return [][]byte{bucketNodes, bucketTasks, bucketFolders, bucketLocks, bucketSchema}
}

// BoltStore implements Store using a single BoltDB file. bbolt serializes
// writers, which gives every Update the serializable read-modify-write scope
// the compound operations rely on.
type BoltStore struct {
	db *bolt.DB
}

// Options controls how the store is opened.
type Options struct {
	// Strict refuses to open a database containing buckets this build does
	// not know about (production mode).
	Strict bool
}

// NewBoltStore opens (or creates) the database at dbPath.
func NewBoltStore(dbPath string, opts Options) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if opts.Strict {
			known := make(map[string]bool, len(Buckets()))
			for _, b := range Buckets() {
				known[string(b)] = true
			}
			err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
				if !known[string(name)] {
					return fmt.Errorf("unknown bucket %q, run foreman-migrate: %w",
						name, errdefs.ErrInternal)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		for _, bucket := range Buckets() {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return tx.Bucket(bucketSchema).Put(schemaVersionKey, []byte(SchemaVersion))
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// checkCtx maps an expired or cancelled request context to a retryable
// failure before entering a transaction.
func checkCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("request aborted: %v: %w", err, errdefs.ErrUnavailable)
	}
	return nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Node operations

func (s *BoltStore) PutNode(ctx context.Context, node *types.Node) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put([]byte(node.ID), data)
	})
}

func (s *BoltStore) GetNode(ctx context.Context, id string) (*types.Node, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("node %s: %w", id, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes(ctx context.Context) ([]*types.Node, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

// Task operations

func (s *BoltStore) CreateTask(ctx context.Context, task *types.Task) (*types.Task, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		task.ID = id
		task.Version = 1
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put(itob(id), data)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *BoltStore) GetTask(ctx context.Context, id uint64) (*types.Task, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return getTask(tx, id, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func getTask(tx *bolt.Tx, id uint64, task *types.Task) error {
	data := tx.Bucket(bucketTasks).Get(itob(id))
	if data == nil {
		return fmt.Errorf("task %d: %w", id, errdefs.ErrNotFound)
	}
	return json.Unmarshal(data, task)
}

func (s *BoltStore) ListTasks(ctx context.Context) ([]*types.Task, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) UpdateTask(ctx context.Context, task *types.Task, expectedVersion uint64) (*types.Task, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	updated := *task
	err := s.db.Update(func(tx *bolt.Tx) error {
		var current types.Task
		if err := getTask(tx, task.ID, &current); err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return &VersionConflictError{
				TaskID:          task.ID,
				ExpectedVersion: expectedVersion,
				Current:         &current,
			}
		}
		updated.Version = current.Version + 1
		data, err := json.Marshal(&updated)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Put(itob(task.ID), data)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *BoltStore) DeleteTask(ctx context.Context, id uint64) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b.Get(itob(id)) == nil {
			return fmt.Errorf("task %d: %w", id, errdefs.ErrNotFound)
		}
		if err := b.Delete(itob(id)); err != nil {
			return err
		}
		return deleteFolders(tx, id)
	})
}

// Folder work item operations

func (s *BoltStore) ReplaceFolders(ctx context.Context, taskID uint64, items []*types.FolderWorkItem) ([]*types.FolderWorkItem, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	out := make([]*types.FolderWorkItem, 0, len(items))
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFolders)

		// Existing rows keyed by folder path, for the upsert.
		existing := make(map[string]*types.FolderWorkItem)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var item types.FolderWorkItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.TaskID == taskID {
				existing[item.FolderPath] = &item
			}
		}

		for _, in := range items {
			item := existing[in.FolderPath]
			if item == nil {
				id, err := b.NextSequence()
				if err != nil {
					return err
				}
				item = &types.FolderWorkItem{
					ID:         id,
					TaskID:     taskID,
					FolderPath: in.FolderPath,
					FolderName: in.FolderName,
					Status:     types.FolderStatusPending,
					CreatedAt:  in.CreatedAt,
				}
			} else if in.FolderName != "" {
				item.FolderName = in.FolderName
			}
			data, err := json.Marshal(item)
			if err != nil {
				return err
			}
			if err := b.Put(itob(item.ID), data); err != nil {
				return err
			}
			out = append(out, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) GetFolder(ctx context.Context, id uint64) (*types.FolderWorkItem, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var item types.FolderWorkItem
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFolders).Get(itob(id))
		if data == nil {
			return fmt.Errorf("folder item %d: %w", id, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &item)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *BoltStore) ListFolders(ctx context.Context, taskID uint64) ([]*types.FolderWorkItem, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var items []*types.FolderWorkItem
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFolders).ForEach(func(k, v []byte) error {
			var item types.FolderWorkItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.TaskID == taskID {
				items = append(items, &item)
			}
			return nil
		})
	})
	return items, err
}

func (s *BoltStore) UpdateFolder(ctx context.Context, item *types.FolderWorkItem) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFolders)
		if b.Get(itob(item.ID)) == nil {
			return fmt.Errorf("folder item %d: %w", item.ID, errdefs.ErrNotFound)
		}
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return b.Put(itob(item.ID), data)
	})
}

func (s *BoltStore) DeleteFolders(ctx context.Context, taskID uint64) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteFolders(tx, taskID)
	})
}

func deleteFolders(tx *bolt.Tx, taskID uint64) error {
	b := tx.Bucket(bucketFolders)
	c := b.Cursor()
	var keys [][]byte
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var item types.FolderWorkItem
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}
		if item.TaskID == taskID {
			keys = append(keys, bytes.Clone(k))
		}
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) ClaimNextFolder(ctx context.Context, taskID uint64, nodeID, nodeName string, now time.Time) (*types.FolderWorkItem, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var claimed *types.FolderWorkItem
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFolders)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var item types.FolderWorkItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.TaskID != taskID || item.Status != types.FolderStatusPending {
				continue
			}
			started := now
			item.Status = types.FolderStatusInProgress
			item.AssignedNodeID = nodeID
			item.AssignedNodeName = nodeName
			item.StartedAt = &started
			data, err := json.Marshal(&item)
			if err != nil {
				return err
			}
			if err := b.Put(itob(item.ID), data); err != nil {
				return err
			}
			claimed = &item
			return nil
		}
		return ErrNoWork
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *BoltStore) ResetFoldersFor(ctx context.Context, nodeID string) (int, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}
	reverted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFolders)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var item types.FolderWorkItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.Status != types.FolderStatusInProgress || item.AssignedNodeID != nodeID {
				continue
			}
			item.Status = types.FolderStatusPending
			item.AssignedNodeID = ""
			item.AssignedNodeName = ""
			item.StartedAt = nil
			item.Progress = 0
			data, err := json.Marshal(&item)
			if err != nil {
				return err
			}
			if err := b.Put(itob(item.ID), data); err != nil {
				return err
			}
			reverted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reverted, nil
}

// File lock operations. Rows are keyed by normalized path, which is what
// makes the single-holder invariant a plain key collision.

func (s *BoltStore) AcquireLock(ctx context.Context, normalizedPath, holderNodeID string, ttl time.Duration, now time.Time) (bool, *types.FileLock, error) {
	if err := checkCtx(ctx); err != nil {
		return false, nil, err
	}
	var (
		acquired bool
		lock     types.FileLock
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		if data := b.Get([]byte(normalizedPath)); data != nil {
			if err := json.Unmarshal(data, &lock); err != nil {
				return err
			}
			live := !lock.Expired(now, ttl)
			if live && lock.HolderNodeID != holderNodeID {
				acquired = false
				return nil
			}
			if live {
				// Re-entrant acquire by the same holder refreshes.
				lock.LastUpdatedAt = now
			} else {
				// Expired row is stolen outright.
				lock = types.FileLock{
					ID:             uuid.New().String(),
					NormalizedPath: normalizedPath,
					HolderNodeID:   holderNodeID,
					CreatedAt:      now,
					LastUpdatedAt:  now,
				}
			}
		} else {
			lock = types.FileLock{
				ID:             uuid.New().String(),
				NormalizedPath: normalizedPath,
				HolderNodeID:   holderNodeID,
				CreatedAt:      now,
				LastUpdatedAt:  now,
			}
		}
		data, err := json.Marshal(&lock)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(normalizedPath), data); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	if !acquired {
		return false, &lock, nil
	}
	return true, &lock, nil
}

func (s *BoltStore) RefreshLock(ctx context.Context, normalizedPath, holderNodeID string, now time.Time) (bool, error) {
	if err := checkCtx(ctx); err != nil {
		return false, err
	}
	refreshed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		data := b.Get([]byte(normalizedPath))
		if data == nil {
			return nil
		}
		var lock types.FileLock
		if err := json.Unmarshal(data, &lock); err != nil {
			return err
		}
		if lock.HolderNodeID != holderNodeID {
			return nil
		}
		lock.LastUpdatedAt = now
		out, err := json.Marshal(&lock)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(normalizedPath), out); err != nil {
			return err
		}
		refreshed = true
		return nil
	})
	return refreshed, err
}

func (s *BoltStore) ReleaseLock(ctx context.Context, normalizedPath, holderNodeID string) (bool, error) {
	if err := checkCtx(ctx); err != nil {
		return false, err
	}
	released := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		data := b.Get([]byte(normalizedPath))
		if data == nil {
			return nil
		}
		var lock types.FileLock
		if err := json.Unmarshal(data, &lock); err != nil {
			return err
		}
		if lock.HolderNodeID != holderNodeID {
			return nil
		}
		if err := b.Delete([]byte(normalizedPath)); err != nil {
			return err
		}
		released = true
		return nil
	})
	return released, err
}

func (s *BoltStore) ListLocks(ctx context.Context) ([]*types.FileLock, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var locks []*types.FileLock
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).ForEach(func(k, v []byte) error {
			var lock types.FileLock
			if err := json.Unmarshal(v, &lock); err != nil {
				return err
			}
			locks = append(locks, &lock)
			return nil
		})
	})
	return locks, err
}

func (s *BoltStore) DeleteExpiredLocks(ctx context.Context, ttl time.Duration, now time.Time) (int, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}
	return s.deleteLocksWhere(func(l *types.FileLock) bool {
		return l.Expired(now, ttl)
	})
}

func (s *BoltStore) DeleteLocksFor(ctx context.Context, nodeID string) (int, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}
	return s.deleteLocksWhere(func(l *types.FileLock) bool {
		return l.HolderNodeID == nodeID
	})
}

func (s *BoltStore) deleteLocksWhere(match func(*types.FileLock) bool) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		c := b.Cursor()
		var keys [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var lock types.FileLock
			if err := json.Unmarshal(v, &lock); err != nil {
				return err
			}
			if match(&lock) {
				keys = append(keys, bytes.Clone(k))
			}
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *BoltStore) ResetLocks(ctx context.Context) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketLocks); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketLocks)
		return err
	})
}
