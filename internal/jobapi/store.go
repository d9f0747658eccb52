package jobapi

import (
	"context"
	"errors"
	"sync"

	"github.com/simplesurance/drover/internal/credentials"
	"github.com/simplesurance/drover/internal/jobs"
)

var (
	// ErrUnknownJob is returned for job ids that are not registered.
	ErrUnknownJob = errors.New("unknown job id")
	// ErrUnauthorized is returned when a presented token does not match
	// the token issued for the job.
	ErrUnauthorized = errors.New("token does not match")
	// ErrJobClosed is returned when a record is appended after the job
	// reached a terminal record.
	ErrJobClosed = errors.New("job already reached a terminal record")
)

const recordChanBufferSize = 64

// CredentialResolver resolves the credential set of one job, it is invoked
// lazily when the updater requests credentials.
type CredentialResolver func(ctx context.Context) ([]credentials.Credential, error)

type jobEntry struct {
	job      *jobs.Definition
	tokens   *credentials.Tokens
	resolver CredentialResolver

	lock     sync.Mutex
	records  chan *Record
	terminal bool
}

// Store holds the per-job token table and record streams of one orchestrator
// run. It is passed into the Server at construction, multiple concurrent
// runs use independent stores.
//
// Entries are keyed by job id and disjoint per job, no entry is ever
// accessed on behalf of another job.
type Store struct {
	lock    sync.Mutex
	entries map[int]*jobEntry
}

func NewStore() *Store {
	return &Store{entries: map[int]*jobEntry{}}
}

// Register adds a job with its issued tokens.
// The returned channel carries the job's output records in receipt order, it
// is closed after the terminal record or on Deregister.
func (s *Store) Register(job *jobs.Definition, tokens *credentials.Tokens, resolver CredentialResolver) (<-chan *Record, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, exist := s.entries[job.ID]; exist {
		return nil, errors.New("job id is already registered")
	}

	entry := jobEntry{
		job:      job,
		tokens:   tokens,
		resolver: resolver,
		records:  make(chan *Record, recordChanBufferSize),
	}
	s.entries[job.ID] = &entry

	return entry.records, nil
}

// Deregister removes a job entry and closes its record channel if the
// terminal record was not received.
func (s *Store) Deregister(jobID int) {
	s.lock.Lock()
	entry := s.entries[jobID]
	delete(s.entries, jobID)
	s.lock.Unlock()

	if entry == nil {
		return
	}

	entry.lock.Lock()
	defer entry.lock.Unlock()

	if !entry.terminal {
		entry.terminal = true
		close(entry.records)
	}
}

func (s *Store) entry(jobID int) (*jobEntry, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	entry, exist := s.entries[jobID]
	if !exist {
		return nil, ErrUnknownJob
	}

	return entry, nil
}

// JobDetails returns the job definition after validating the job token.
func (s *Store) JobDetails(jobID int, jobToken string) (*jobs.Definition, error) {
	entry, err := s.entry(jobID)
	if err != nil {
		return nil, err
	}

	if jobToken != entry.tokens.JobToken {
		return nil, ErrUnauthorized
	}

	return entry.job, nil
}

// Credentials resolves the job's credential set after validating the
// credentials token. This is the only place raw secrets cross a boundary.
func (s *Store) Credentials(ctx context.Context, jobID int, credentialsToken string) ([]credentials.Credential, error) {
	entry, err := s.entry(jobID)
	if err != nil {
		return nil, err
	}

	if credentialsToken != entry.tokens.CredentialsToken {
		return nil, ErrUnauthorized
	}

	return entry.resolver(ctx)
}

// AppendRecord appends an output record to the job's stream after validating
// the job token. Records are delivered to the consumer in receipt order.
// A terminal record closes the stream, further records are rejected.
func (s *Store) AppendRecord(jobID int, jobToken string, record *Record) error {
	entry, err := s.entry(jobID)
	if err != nil {
		return err
	}

	if jobToken != entry.tokens.JobToken {
		return ErrUnauthorized
	}

	entry.lock.Lock()
	defer entry.lock.Unlock()

	if entry.terminal {
		return ErrJobClosed
	}

	select {
	case entry.records <- record:
	default:
		// The consumer stopped reading, e.g. because the job timed
		// out. Blocking here would stall teardown.
		return errors.New("record stream is full, record dropped")
	}

	if record.IsTerminal() {
		entry.terminal = true
		close(entry.records)
	}

	return nil
}
