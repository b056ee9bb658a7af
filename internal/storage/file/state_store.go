package file

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/oyi77/naver-smartstore-sub000/internal/interfaces"
	"github.com/oyi77/naver-smartstore-sub000/internal/models"
)

// stateDocument is the on-disk queue-state format: jobs as [id, job] pairs
// plus the ordered queue of job ids.
type stateDocument struct {
	Jobs  [][2]json.RawMessage `json:"jobs"`
	Queue []string             `json:"queue"`
}

// StateStore is the local-file fallback for orchestrator state, used when
// the primary store is unavailable.
type StateStore struct {
	path   string
	mu     sync.Mutex
	logger arbor.ILogger
}

// NewStateStore creates a file-backed state store at path.
func NewStateStore(path string, logger arbor.ILogger) *StateStore {
	return &StateStore{path: path, logger: logger}
}

// SaveJob rewrites the file with the updated job. Single-job granularity is
// not available in a flat file, so this reads, patches, and rewrites.
func (s *StateStore) SaveJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, queue, err := s.load()
	if err != nil {
		jobs = make(map[string]*models.Job)
	}
	jobs[job.ID] = job
	return s.write(jobs, queue)
}

// SaveState writes the full state document.
func (s *StateStore) SaveState(ctx context.Context, jobs map[string]*models.Job, queue []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(jobs, queue)
}

// Load reads the state document; a missing file yields empty state.
func (s *StateStore) Load(ctx context.Context) (map[string]*models.Job, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, queue, err := s.load()
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]*models.Job), nil, nil
		}
		return nil, nil, err
	}
	return jobs, queue, nil
}

// DeleteJobs removes job records and rewrites the file.
func (s *StateStore) DeleteJobs(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, queue, err := s.load()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, id := range ids {
		delete(jobs, id)
	}
	return s.write(jobs, queue)
}

// Close is a no-op for the file store.
func (s *StateStore) Close() error {
	return nil
}

func (s *StateStore) load() (map[string]*models.Job, []string, error) {
	var doc stateDocument
	if err := ReadJSON(s.path, &doc); err != nil {
		return nil, nil, err
	}

	jobs := make(map[string]*models.Job, len(doc.Jobs))
	for _, pair := range doc.Jobs {
		var id string
		if err := json.Unmarshal(pair[0], &id); err != nil {
			s.logger.Warn().Err(err).Msg("Ignoring malformed job id in state file")
			continue
		}
		var job models.Job
		if err := json.Unmarshal(pair[1], &job); err != nil {
			s.logger.Warn().Err(err).Str("job_id", id).Msg("Ignoring malformed job record in state file")
			continue
		}
		jobs[id] = &job
	}
	return jobs, doc.Queue, nil
}

func (s *StateStore) write(jobs map[string]*models.Job, queue []string) error {
	doc := stateDocument{
		Jobs:  make([][2]json.RawMessage, 0, len(jobs)),
		Queue: queue,
	}
	if doc.Queue == nil {
		doc.Queue = []string{}
	}
	for id, job := range jobs {
		idRaw, err := json.Marshal(id)
		if err != nil {
			continue
		}
		jobRaw, err := json.Marshal(job)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", id).Msg("Skipping unmarshalable job in state file write")
			continue
		}
		doc.Jobs = append(doc.Jobs, [2]json.RawMessage{idRaw, jobRaw})
	}
	return WriteJSON(s.path, doc)
}

var _ interfaces.StateStore = (*StateStore)(nil)
