package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/ci-runner/internal/apperr"
	"github.com/cuemby/ci-runner/internal/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketUsers        = []byte("users")
	bucketAPIKeys      = []byte("api_keys")
	bucketJobs         = []byte("jobs")
	bucketJobEvents    = []byte("job_events")
	bucketUsersByEmail = []byte("idx_users_by_email")
	bucketKeysByHash   = []byte("idx_api_keys_by_hash")
)

// BoltStore implements Store on top of an embedded bbolt database: one
// bucket per entity plus two secondary-index buckets for O(1) lookup by
// email and by key hash. Every mutation is a single bolt.Update
// transaction, so bbolt's own single-writer MVCC gives callers the
// "no partial writes visible, writes serialized, reads concurrent"
// guarantee spec §4.1 asks for without any extra locking in this package.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the database at dbPath, inside
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "ci-runner.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, apperr.Wrap(apperr.Fatal, "open database", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketUsers, bucketAPIKeys, bucketJobs, bucketJobEvents,
			bucketUsersByEmail, bucketKeysByHash,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.Fatal, "initialize buckets", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// ---- Users ----

func (s *BoltStore) CreateUser(user *types.User) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		emailIdx := tx.Bucket(bucketUsersByEmail)
		if emailIdx.Get([]byte(user.Email)) != nil {
			return apperr.New(apperr.Conflict, "email already registered")
		}

		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketUsers).Put([]byte(user.ID), data); err != nil {
			return err
		}
		return emailIdx.Put([]byte(user.Email), []byte(user.ID))
	})
	return wrapTxErr(err)
}

func (s *BoltStore) GetUser(id string) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return apperr.New(apperr.NotFound, "user not found")
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, wrapTxErr(err)
	}
	return &user, nil
}

func (s *BoltStore) GetUserByEmail(email string) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketUsersByEmail).Get([]byte(email))
		if id == nil {
			return apperr.New(apperr.NotFound, "user not found")
		}
		data := tx.Bucket(bucketUsers).Get(id)
		if data == nil {
			return apperr.New(apperr.NotFound, "user not found")
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, wrapTxErr(err)
	}
	return &user, nil
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	var users []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var u types.User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			users = append(users, &u)
			return nil
		})
	})
	if err != nil {
		return nil, wrapTxErr(err)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.After(users[j].CreatedAt) })
	return users, nil
}

func (s *BoltStore) SetUserActive(id string, active bool) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data := b.Get([]byte(id))
		if data == nil {
			return apperr.New(apperr.NotFound, "user not found")
		}
		var u types.User
		if err := json.Unmarshal(data, &u); err != nil {
			return err
		}
		u.IsActive = active
		out, err := json.Marshal(&u)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
	return wrapTxErr(err)
}

// ---- API keys ----

func (s *BoltStore) CreateAPIKey(key *types.APIKey) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketUsers).Get([]byte(key.UserID)) == nil {
			return apperr.New(apperr.InvalidInput, "owning user does not exist")
		}
		hashIdx := tx.Bucket(bucketKeysByHash)
		if hashIdx.Get([]byte(key.KeyHash)) != nil {
			return apperr.New(apperr.Conflict, "key hash collision")
		}

		data, err := json.Marshal(key)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketAPIKeys).Put([]byte(key.ID), data); err != nil {
			return err
		}
		return hashIdx.Put([]byte(key.KeyHash), []byte(key.ID))
	})
	return wrapTxErr(err)
}

func (s *BoltStore) GetAPIKeyByHash(hash string) (*types.APIKey, error) {
	var key types.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketKeysByHash).Get([]byte(hash))
		if id == nil {
			return apperr.New(apperr.NotFound, "key not found")
		}
		data := tx.Bucket(bucketAPIKeys).Get(id)
		if data == nil {
			return apperr.New(apperr.NotFound, "key not found")
		}
		return json.Unmarshal(data, &key)
	})
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return nil, nil
		}
		return nil, wrapTxErr(err)
	}
	return &key, nil
}

func (s *BoltStore) ListAPIKeys(userID string) ([]*types.APIKey, error) {
	var keys []*types.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAPIKeys).ForEach(func(k, v []byte) error {
			var key types.APIKey
			if err := json.Unmarshal(v, &key); err != nil {
				return err
			}
			if userID == "" || key.UserID == userID {
				keys = append(keys, &key)
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapTxErr(err)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

func (s *BoltStore) RevokeAPIKey(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		data := b.Get([]byte(id))
		if data == nil {
			return apperr.New(apperr.NotFound, "key not found")
		}
		var key types.APIKey
		if err := json.Unmarshal(data, &key); err != nil {
			return err
		}
		key.IsActive = false
		out, err := json.Marshal(&key)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
	return wrapTxErr(err)
}

func (s *BoltStore) TouchAPIKey(id string, when time.Time) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		data := b.Get([]byte(id))
		if data == nil {
			// best-effort: a key touched after deletion is not an error
			return nil
		}
		var key types.APIKey
		if err := json.Unmarshal(data, &key); err != nil {
			return nil
		}
		key.LastUsedAt = &when
		out, err := json.Marshal(&key)
		if err != nil {
			return nil
		}
		return b.Put([]byte(id), out)
	})
	return wrapTxErr(err)
}

// ---- Jobs ----

func (s *BoltStore) CreateJob(job *types.Job) error {
	job.Status = types.JobStatusQueued
	job.Success = nil
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketUsers).Get([]byte(job.UserID)) == nil {
			return apperr.New(apperr.InvalidInput, "owning user does not exist")
		}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Put([]byte(job.ID), data)
	})
	return wrapTxErr(err)
}

func (s *BoltStore) GetJob(id, userID string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return apperr.New(apperr.NotFound, "job not found")
		}
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		// A job the caller doesn't own is indistinguishable from a job
		// that doesn't exist, by design (spec §7: prevents enumeration).
		if userID != "" && job.UserID != userID {
			return apperr.New(apperr.NotFound, "job not found")
		}
		return nil
	})
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return nil, nil
		}
		return nil, wrapTxErr(err)
	}
	return &job, nil
}

func (s *BoltStore) ListJobs(userID string) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if userID == "" || job.UserID == userID {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapTxErr(err)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs, nil
}

// allowedJobTransitions is the monotone DAG of spec §4.2: backward
// transitions, and any transition not listed here, are rejected.
var allowedJobTransitions = map[types.JobStatus][]types.JobStatus{
	types.JobStatusQueued:  {types.JobStatusRunning, types.JobStatusFailed},
	types.JobStatusRunning: {types.JobStatusCompleted, types.JobStatusFailed},
}

func canTransition(from, to types.JobStatus) bool {
	if from == to {
		return true // re-applying the same action is idempotent, not illegal
	}
	for _, allowed := range allowedJobTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s *BoltStore) UpdateJobStatus(id string, status types.JobStatus, startTime *time.Time, containerID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return apperr.New(apperr.NotFound, "job not found")
		}
		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if !canTransition(job.Status, status) {
			return apperr.New(apperr.Conflict, fmt.Sprintf("illegal transition %s -> %s", job.Status, status))
		}

		job.Status = status
		if startTime != nil {
			job.StartTime = startTime
		}
		if containerID != "" {
			job.ContainerID = containerID
		}
		if status == types.JobStatusFailed {
			f := false
			job.Success = &f
			if job.EndTime == nil {
				now := time.Now().UTC()
				job.EndTime = &now
			}
		}

		out, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
	return wrapTxErr(err)
}

func (s *BoltStore) CompleteJob(id string, success bool, endTime time.Time) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return apperr.New(apperr.NotFound, "job not found")
		}
		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if !canTransition(job.Status, types.JobStatusCompleted) {
			return apperr.New(apperr.Conflict, fmt.Sprintf("illegal transition %s -> completed", job.Status))
		}

		job.Status = types.JobStatusCompleted
		job.Success = &success
		job.EndTime = &endTime

		out, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
	return wrapTxErr(err)
}

func (s *BoltStore) PurgeCompletedJobsBefore(cutoff time.Time) (int, error) {
	var purged int
	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		events := tx.Bucket(bucketJobEvents)

		var toDelete [][]byte
		err := jobs.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status.Terminal() && job.EndTime != nil && job.EndTime.Before(cutoff) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, id := range toDelete {
			if err := jobs.Delete(id); err != nil {
				return err
			}
			if err := deleteJobEventsLocked(events, string(id)); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	return purged, wrapTxErr(err)
}

// ---- Job events ----

func (s *BoltStore) AppendJobEvent(event *types.JobEvent) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobEvents)
		sub, err := b.CreateBucketIfNotExists([]byte(event.JobID))
		if err != nil {
			return err
		}
		key := sequenceKey(event.Sequence)
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return sub.Put(key, data)
	})
	return wrapTxErr(err)
}

func (s *BoltStore) ListJobEvents(jobID string) ([]*types.JobEvent, error) {
	var events []*types.JobEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		sub := tx.Bucket(bucketJobEvents).Bucket([]byte(jobID))
		if sub == nil {
			return nil
		}
		return sub.ForEach(func(k, v []byte) error {
			var e types.JobEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			events = append(events, &e)
			return nil
		})
	})
	if err != nil {
		return nil, wrapTxErr(err)
	}
	return events, nil
}

func (s *BoltStore) DeleteJobEvents(jobID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return deleteJobEventsLocked(tx.Bucket(bucketJobEvents), jobID)
	})
	return wrapTxErr(err)
}

func deleteJobEventsLocked(events *bolt.Bucket, jobID string) error {
	if events.Bucket([]byte(jobID)) == nil {
		return nil
	}
	return events.DeleteBucket([]byte(jobID))
}

func sequenceKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}

// wrapTxErr passes apperr-classified errors through unchanged and wraps
// everything else (bbolt I/O failures, JSON corruption) as Transient, per
// spec §7 ("I/O errors bubble as Transient").
func wrapTxErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*apperr.Error); ok {
		return err
	}
	return apperr.Wrap(apperr.Transient, "store operation failed", err)
}
