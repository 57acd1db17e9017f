package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/samuelmjordan/hosting-platform-api/internal/domain"
)

// ErrLiveDuplicate means another PENDING or RETRYING job already holds the key.
var ErrLiveDuplicate = errors.New("live job with the same key exists")

const jobColumns = `id, dedup_key, type, status, payload, retry_count, max_retries, error_message,
delayed_until, duplicate_count, last_seen, created_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.DedupKey, &j.Type, &j.Status, &j.Payload, &j.RetryCount, &j.MaxRetries,
		&j.ErrorMessage, &j.DelayedUntil, &j.DuplicateCount, &j.LastSeen, &j.CreatedAt)
	return j, err
}

// UpsertJob inserts j as PENDING, or merges it into the live job with the
// same key: the earlier schedule wins, the payload is replaced and the
// duplicate count goes up. The stored row is returned either way.
func (s *Store) UpsertJob(ctx context.Context, j domain.Job) (domain.Job, error) {
	row := s.db.QueryRow(ctx, `insert into job_queue (
id, dedup_key, type, status, payload, retry_count, max_retries, delayed_until, duplicate_count, last_seen, created_at
) values ($1,$2,$3,'PENDING',$4,0,$5,$6,0,now(),now())
on conflict (type, dedup_key) where status in ('PENDING','RETRYING') do update set
  payload = excluded.payload,
  delayed_until = least(job_queue.delayed_until, excluded.delayed_until),
  duplicate_count = job_queue.duplicate_count + 1,
  last_seen = now()
returning `+jobColumns,
		j.ID, j.DedupKey, j.Type, j.Payload, j.MaxRetries, j.DelayedUntil,
	)
	out, err := scanJob(row)
	if err != nil {
		return domain.Job{}, errors.Wrap(err, "upsert job")
	}
	return out, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (domain.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `select `+jobColumns+` from job_queue where id = $1`, id))
	if err != nil {
		return domain.Job{}, notFound(err, "get job "+id)
	}
	return j, nil
}

// ClaimJobs moves up to limit due jobs in the given status to PROCESSING.
// Rows locked by another claimer are skipped, and a job is never claimed
// while another job with its key is still PROCESSING.
func (s *Store) ClaimJobs(ctx context.Context, status domain.Status, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `with due as (
  select q.id from job_queue q
   where q.status = $1
     and q.delayed_until <= now()
     and not exists (
       select 1 from job_queue p
        where p.status = 'PROCESSING' and p.type = q.type and p.dedup_key = q.dedup_key)
   order by q.delayed_until, q.created_at
   limit $2
   for update skip locked
)
update job_queue j
   set status = 'PROCESSING', last_seen = now()
  from due
 where j.id = due.id
returning j.id, j.dedup_key, j.type, j.status, j.payload, j.retry_count, j.max_retries, j.error_message,
          j.delayed_until, j.duplicate_count, j.last_seen, j.created_at`, status, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "claim %s jobs", status)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan claimed job")
		}
		out = append(out, j)
	}
	return out, errors.Wrap(rows.Err(), "claim rows")
}

// TouchJob refreshes last_seen on a job still being processed so cleanup does
// not treat it as abandoned.
func (s *Store) TouchJob(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `update job_queue set last_seen = now() where id = $1 and status = 'PROCESSING'`, id)
	return errors.Wrap(err, "touch job")
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `update job_queue
   set status = 'COMPLETED', error_message = null, last_seen = now()
 where id = $1 and status = 'PROCESSING'`, id)
	if err != nil {
		return errors.Wrap(err, "complete job")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(ErrNotFound, "processing job %s", id)
	}
	return nil
}

// DeadLetterJob records the final failure. The retry count then equals the
// number of failed attempts.
func (s *Store) DeadLetterJob(ctx context.Context, id, message string) error {
	tag, err := s.db.Exec(ctx, `update job_queue
   set status = 'DEAD_LETTER', retry_count = retry_count + 1, error_message = $2, last_seen = now()
 where id = $1 and status = 'PROCESSING'`, id, message)
	if err != nil {
		return errors.Wrap(err, "dead-letter job")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(ErrNotFound, "processing job %s", id)
	}
	return nil
}

// RetryJob schedules another attempt at delayedUntil. If a live job with the
// same key was enqueued while this one ran, the retry folds into it instead
// and this job is closed as superseded; the live job's id is returned.
func (s *Store) RetryJob(ctx context.Context, id string, delayedUntil time.Time, message string) (supersededBy string, err error) {
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		var jobType, key string
		var retryCount int
		err := tx.QueryRow(ctx, `select type, dedup_key, retry_count from job_queue
 where id = $1 and status = 'PROCESSING' for update`, id).Scan(&jobType, &key, &retryCount)
		if err != nil {
			return notFound(err, "processing job "+id)
		}

		var live string
		err = tx.QueryRow(ctx, `select id from job_queue
 where type = $1 and dedup_key = $2 and status in ('PENDING','RETRYING') for update`, jobType, key).Scan(&live)
		switch {
		case err == nil:
			if _, err := tx.Exec(ctx, `update job_queue
   set delayed_until = least(delayed_until, $2),
       retry_count = greatest(retry_count, $3),
       duplicate_count = duplicate_count + 1,
       last_seen = now()
 where id = $1`, live, delayedUntil, retryCount+1); err != nil {
				return errors.Wrap(err, "merge retry into live job")
			}
			if _, err := tx.Exec(ctx, `update job_queue
   set status = 'COMPLETED', retry_count = retry_count + 1, error_message = $2, last_seen = now()
 where id = $1`, id, "superseded by "+live+": "+message); err != nil {
				return errors.Wrap(err, "close superseded job")
			}
			supersededBy = live
			return nil
		case errors.Is(err, pgx.ErrNoRows):
			_, err := tx.Exec(ctx, `update job_queue
   set status = 'RETRYING', retry_count = retry_count + 1, delayed_until = $2, error_message = $3, last_seen = now()
 where id = $1`, id, delayedUntil, message)
			return errors.Wrap(err, "schedule retry")
		default:
			return errors.Wrap(err, "find live duplicate")
		}
	})
	return supersededBy, err
}

// RequeueJob returns a dead-lettered job to PENDING with a fresh retry
// budget. It refuses when a live job already holds the key.
func (s *Store) RequeueJob(ctx context.Context, id string) (domain.Job, error) {
	var out domain.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var status domain.Status
		var jobType, key string
		err := tx.QueryRow(ctx, `select status, type, dedup_key from job_queue where id = $1 for update`, id).
			Scan(&status, &jobType, &key)
		if err != nil {
			return notFound(err, "job "+id)
		}
		if status != domain.DeadLetter {
			return errors.Errorf("job %s is %s, only %s jobs can be requeued", id, status, domain.DeadLetter)
		}
		var exists bool
		if err := tx.QueryRow(ctx, `select exists(select 1 from job_queue
 where type = $1 and dedup_key = $2 and status in ('PENDING','RETRYING'))`, jobType, key).Scan(&exists); err != nil {
			return errors.Wrap(err, "check live duplicate")
		}
		if exists {
			return errors.Wrapf(ErrLiveDuplicate, "requeue %s", id)
		}
		out, err = scanJob(tx.QueryRow(ctx, `update job_queue
   set status = 'PENDING', retry_count = 0, error_message = null, delayed_until = now(), last_seen = now()
 where id = $1
returning `+jobColumns, id))
		return errors.Wrap(err, "requeue job")
	})
	return out, err
}

// CountJobs returns the number of live-table jobs per status.
func (s *Store) CountJobs(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := s.db.Query(ctx, `select status, count(*) from job_queue group by status`)
	if err != nil {
		return nil, errors.Wrap(err, "count jobs")
	}
	defer rows.Close()
	out := make(map[domain.Status]int)
	for rows.Next() {
		var st domain.Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "scan job count")
		}
		out[st] = n
	}
	return out, errors.Wrap(rows.Err(), "count rows")
}

type CleanupResult struct {
	Locked     bool
	Archived   int64
	Reclaimed  int64
	Superseded int64
}

// Cleanup archives terminal jobs last seen before archiveBefore and returns
// PROCESSING jobs last seen before staleBefore to RETRYING. It runs in one
// transaction under an advisory lock; when another process holds the lock it
// does nothing and reports Locked=false.
func (s *Store) Cleanup(ctx context.Context, lockID int64, archiveBefore, staleBefore time.Time) (CleanupResult, error) {
	var res CleanupResult
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `select pg_try_advisory_xact_lock($1)`, lockID).Scan(&res.Locked); err != nil {
			return errors.Wrap(err, "advisory lock")
		}
		if !res.Locked {
			return nil
		}

		tag, err := tx.Exec(ctx, `with moved as (
  delete from job_queue
   where status in ('COMPLETED','DEAD_LETTER') and last_seen < $1
  returning `+jobColumns+`
)
insert into job_queue_archive (`+jobColumns+`)
select `+jobColumns+` from moved`, archiveBefore)
		if err != nil {
			return errors.Wrap(err, "archive jobs")
		}
		res.Archived = tag.RowsAffected()

		tag, err = tx.Exec(ctx, `update job_queue q
   set status = 'RETRYING', delayed_until = now(), last_seen = now(),
       error_message = 'reclaimed after stale processing'
 where q.status = 'PROCESSING' and q.last_seen < $1
   and not exists (
     select 1 from job_queue l
      where l.type = q.type and l.dedup_key = q.dedup_key and l.status in ('PENDING','RETRYING'))`, staleBefore)
		if err != nil {
			return errors.Wrap(err, "reclaim stale jobs")
		}
		res.Reclaimed = tag.RowsAffected()

		// whatever is still stale has a live duplicate that will do the work
		tag, err = tx.Exec(ctx, `update job_queue
   set status = 'COMPLETED', last_seen = now(),
       error_message = 'superseded after stale processing'
 where status = 'PROCESSING' and last_seen < $1`, staleBefore)
		if err != nil {
			return errors.Wrap(err, "close stale duplicates")
		}
		res.Superseded = tag.RowsAffected()
		return nil
	})
	return res, err
}
