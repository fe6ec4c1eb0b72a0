package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/loomworks/loom/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTasks        = []byte("tasks")
	bucketProviders    = []byte("providers")
	bucketQuotaRecords = []byte("quota_records")
	bucketWorkflows    = []byte("workflows")
	bucketRuns         = []byte("workflow_runs")
)

// BoltStore implements Store using BoltDB. Records are stored as JSON under
// their primary key; secondary access paths (status, run ID) are bucket
// scans, which is adequate at the engine's working-set sizes.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "loom.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTasks,
			bucketProviders,
			bucketQuotaRecords,
			bucketWorkflows,
			bucketRuns,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
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

// Task operations

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b.Get([]byte(task.ID)) != nil {
			return ErrAlreadyExists
		}
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put([]byte(task.ID), data)
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	return s.scanTasks(func(*types.Task) bool { return true })
}

func (s *BoltStore) ListTasksByStatus(status types.TaskStatus) ([]*types.Task, error) {
	return s.scanTasks(func(t *types.Task) bool { return t.Status == status })
}

func (s *BoltStore) ListTasksByRun(runID string) ([]*types.Task, error) {
	return s.scanTasks(func(t *types.Task) bool { return t.ParentWorkflowID == runID })
}

func (s *BoltStore) scanTasks(keep func(*types.Task) bool) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if keep(&task) {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(task.ID))
		if data == nil {
			return ErrNotFound
		}
		var current types.Task
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.Version != task.Version {
			return ErrVersionConflict
		}
		task.Version++
		updated, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put([]byte(task.ID), updated)
	})
}

func (s *BoltStore) DeleteTask(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete([]byte(id))
	})
}

// Provider operations

func (s *BoltStore) CreateProvider(spec *types.ProviderSpec) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProviders)
		if b.Get([]byte(spec.ID)) != nil {
			return ErrAlreadyExists
		}
		data, err := json.Marshal(spec)
		if err != nil {
			return err
		}
		return b.Put([]byte(spec.ID), data)
	})
}

func (s *BoltStore) GetProvider(id string) (*types.ProviderSpec, error) {
	var spec types.ProviderSpec
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProviders).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &spec)
	})
	if err != nil {
		return nil, err
	}
	return &spec, nil
}

func (s *BoltStore) ListProviders() ([]*types.ProviderSpec, error) {
	var specs []*types.ProviderSpec
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProviders).ForEach(func(k, v []byte) error {
			var spec types.ProviderSpec
			if err := json.Unmarshal(v, &spec); err != nil {
				return err
			}
			specs = append(specs, &spec)
			return nil
		})
	})
	return specs, err
}

func (s *BoltStore) DeleteProvider(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProviders).Delete([]byte(id))
	})
}

// Quota record operations. Keyed by "<provider-id>/<sub-key>".

func quotaKey(providerID, subKey string) []byte {
	return []byte(providerID + "/" + subKey)
}

func (s *BoltStore) PutQuotaRecord(rec *types.QuotaRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketQuotaRecords).Put(quotaKey(rec.ProviderID, rec.SubKey), data)
	})
}

func (s *BoltStore) ListQuotaRecords(providerID string) ([]*types.QuotaRecord, error) {
	var recs []*types.QuotaRecord
	prefix := []byte(providerID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketQuotaRecords).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec types.QuotaRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
		}
		return nil
	})
	return recs, err
}

func (s *BoltStore) DeleteQuotaRecords(providerID string) error {
	prefix := []byte(providerID + "/")
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuotaRecords)
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Workflow operations

func (s *BoltStore) CreateWorkflow(wf *types.Workflow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkflows)
		if b.Get([]byte(wf.ID)) != nil {
			return ErrAlreadyExists
		}
		data, err := json.Marshal(wf)
		if err != nil {
			return err
		}
		return b.Put([]byte(wf.ID), data)
	})
}

func (s *BoltStore) GetWorkflow(id string) (*types.Workflow, error) {
	var wf types.Workflow
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkflows).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &wf)
	})
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *BoltStore) ListWorkflows() ([]*types.Workflow, error) {
	var wfs []*types.Workflow
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(k, v []byte) error {
			var wf types.Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return err
			}
			wfs = append(wfs, &wf)
			return nil
		})
	})
	return wfs, err
}

func (s *BoltStore) UpdateWorkflow(wf *types.Workflow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkflows)
		if b.Get([]byte(wf.ID)) == nil {
			return ErrNotFound
		}
		data, err := json.Marshal(wf)
		if err != nil {
			return err
		}
		return b.Put([]byte(wf.ID), data)
	})
}

func (s *BoltStore) DeleteWorkflow(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkflows).Delete([]byte(id))
	})
}

// Workflow run operations

func (s *BoltStore) CreateRun(run *types.WorkflowRun) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b.Get([]byte(run.ID)) != nil {
			return ErrAlreadyExists
		}
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return b.Put([]byte(run.ID), data)
	})
}

func (s *BoltStore) GetRun(id string) (*types.WorkflowRun, error) {
	var run types.WorkflowRun
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *BoltStore) ListRunsByWorkflow(workflowID string) ([]*types.WorkflowRun, error) {
	var runs []*types.WorkflowRun
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var run types.WorkflowRun
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			if run.WorkflowID == workflowID {
				runs = append(runs, &run)
			}
			return nil
		})
	})
	return runs, err
}

func (s *BoltStore) UpdateRun(run *types.WorkflowRun) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data := b.Get([]byte(run.ID))
		if data == nil {
			return ErrNotFound
		}
		var current types.WorkflowRun
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.Version != run.Version {
			return ErrVersionConflict
		}
		run.Version++
		updated, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return b.Put([]byte(run.ID), updated)
	})
}
