package storage

import (
	"encoding/json"
	"sync"

	"github.com/loomworks/loom/pkg/types"
)

// MemoryStore implements Store with in-process maps. It is used in tests
// and as a no-persistence mode; records are deep-copied through JSON on the
// way in and out so callers never share memory with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]*types.Task
	providers map[string]*types.ProviderSpec
	quota     map[string]*types.QuotaRecord // provider-id "/" sub-key
	workflows map[string]*types.Workflow
	runs      map[string]*types.WorkflowRun
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]*types.Task),
		providers: make(map[string]*types.ProviderSpec),
		quota:     make(map[string]*types.QuotaRecord),
		workflows: make(map[string]*types.Workflow),
		runs:      make(map[string]*types.WorkflowRun),
	}
}

func clone[T any](in *T) *T {
	data, _ := json.Marshal(in)
	out := new(T)
	_ = json.Unmarshal(data, out)
	return out
}

// Task operations

func (s *MemoryStore) CreateTask(task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return ErrAlreadyExists
	}
	s.tasks[task.ID] = clone(task)
	return nil
}

func (s *MemoryStore) GetTask(id string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(task), nil
}

func (s *MemoryStore) ListTasks() ([]*types.Task, error) {
	return s.scanTasks(func(*types.Task) bool { return true })
}

func (s *MemoryStore) ListTasksByStatus(status types.TaskStatus) ([]*types.Task, error) {
	return s.scanTasks(func(t *types.Task) bool { return t.Status == status })
}

func (s *MemoryStore) ListTasksByRun(runID string) ([]*types.Task, error) {
	return s.scanTasks(func(t *types.Task) bool { return t.ParentWorkflowID == runID })
}

func (s *MemoryStore) scanTasks(keep func(*types.Task) bool) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tasks []*types.Task
	for _, t := range s.tasks {
		if keep(t) {
			tasks = append(tasks, clone(t))
		}
	}
	return tasks, nil
}

func (s *MemoryStore) UpdateTask(task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[task.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != task.Version {
		return ErrVersionConflict
	}
	task.Version++
	s.tasks[task.ID] = clone(task)
	return nil
}

func (s *MemoryStore) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

// Provider operations

func (s *MemoryStore) CreateProvider(spec *types.ProviderSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[spec.ID]; ok {
		return ErrAlreadyExists
	}
	s.providers[spec.ID] = clone(spec)
	return nil
}

func (s *MemoryStore) GetProvider(id string) (*types.ProviderSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.providers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(spec), nil
}

func (s *MemoryStore) ListProviders() ([]*types.ProviderSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var specs []*types.ProviderSpec
	for _, spec := range s.providers {
		specs = append(specs, clone(spec))
	}
	return specs, nil
}

func (s *MemoryStore) DeleteProvider(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.providers, id)
	return nil
}

// Quota record operations

func (s *MemoryStore) PutQuotaRecord(rec *types.QuotaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quota[rec.ProviderID+"/"+rec.SubKey] = clone(rec)
	return nil
}

func (s *MemoryStore) ListQuotaRecords(providerID string) ([]*types.QuotaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var recs []*types.QuotaRecord
	for _, rec := range s.quota {
		if rec.ProviderID == providerID {
			recs = append(recs, clone(rec))
		}
	}
	return recs, nil
}

func (s *MemoryStore) DeleteQuotaRecords(providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, rec := range s.quota {
		if rec.ProviderID == providerID {
			delete(s.quota, key)
		}
	}
	return nil
}

// Workflow operations

func (s *MemoryStore) CreateWorkflow(wf *types.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[wf.ID]; ok {
		return ErrAlreadyExists
	}
	s.workflows[wf.ID] = clone(wf)
	return nil
}

func (s *MemoryStore) GetWorkflow(id string) (*types.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(wf), nil
}

func (s *MemoryStore) ListWorkflows() ([]*types.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var wfs []*types.Workflow
	for _, wf := range s.workflows {
		wfs = append(wfs, clone(wf))
	}
	return wfs, nil
}

func (s *MemoryStore) UpdateWorkflow(wf *types.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[wf.ID]; !ok {
		return ErrNotFound
	}
	s.workflows[wf.ID] = clone(wf)
	return nil
}

func (s *MemoryStore) DeleteWorkflow(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workflows, id)
	return nil
}

// Workflow run operations

func (s *MemoryStore) CreateRun(run *types.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return ErrAlreadyExists
	}
	s.runs[run.ID] = clone(run)
	return nil
}

func (s *MemoryStore) GetRun(id string) (*types.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(run), nil
}

func (s *MemoryStore) ListRunsByWorkflow(workflowID string) ([]*types.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runs []*types.WorkflowRun
	for _, run := range s.runs {
		if run.WorkflowID == workflowID {
			runs = append(runs, clone(run))
		}
	}
	return runs, nil
}

func (s *MemoryStore) UpdateRun(run *types.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.runs[run.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != run.Version {
		return ErrVersionConflict
	}
	run.Version++
	s.runs[run.ID] = clone(run)
	return nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}
