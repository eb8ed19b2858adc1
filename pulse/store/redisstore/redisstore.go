// Package redisstore implements store.Store on Redis.
//
// Every mutation is a Lua script, so each runs atomically on the server
// and concurrent schedulers sharing one Redis see a single claim per due
// occurrence. All keys share one hash tag, so the store also runs on
// Redis Cluster, pinned to a single slot.
package redisstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tasmidur/agenda-schedular/errors"
	"github.com/tasmidur/agenda-schedular/pulse/schedule"
	"github.com/tasmidur/agenda-schedular/pulse/store"
)

// Store is the Redis-backed occurrence store.
type Store struct {
	client redis.UniversalClient
	prefix string
	logger *zap.SugaredLogger
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// listPage is how many pending ids List loads per round trip.
const listPage = 256

// New creates a store. Keys are namespaced under prefix, which is wrapped
// in braces unless it already carries a hash tag.
func New(client redis.UniversalClient, prefix string, logger *zap.SugaredLogger) *Store {
	if prefix == "" {
		prefix = "pulse"
	}
	if !strings.Contains(prefix, "{") {
		prefix = "{" + prefix + "}"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{client: client, prefix: prefix, logger: logger, now: time.Now}
}

func (s *Store) occKey(id string) string { return s.prefix + ":occ:" + id }
func (s *Store) dueKey() string          { return s.prefix + ":due" }
func (s *Store) locksKey() string        { return s.prefix + ":locks" }
func (s *Store) allKey() string          { return s.prefix + ":all" }
func (s *Store) prevKey() string         { return s.prefix + ":prev" }
func (s *Store) tailKey() string         { return s.prefix + ":tail" }

// Insert adds a new occurrence.
func (s *Store) Insert(ctx context.Context, occ *store.Occurrence) error {
	if occ.ID == "" || occ.JobName == "" {
		return errors.NewInvalidRequestError("occurrence needs id and job name")
	}
	keys := []string{s.occKey(occ.ID), s.dueKey(), s.locksKey(), s.allKey(), s.prevKey(), s.tailKey()}
	err := insertScript.Run(ctx, s.client, keys, s.encode(occ)...).Err()
	if err != nil {
		return s.mapError(err, occ.ID, "insert")
	}
	s.logger.Debugw("Inserted occurrence",
		"occurrence_id", occ.ID,
		"job_name", occ.JobName,
		"schedule", occ.Schedule.String())
	return nil
}

// ClaimDue locks up to req.Limit due occurrences for req.WorkerID.
func (s *Store) ClaimDue(ctx context.Context, req store.ClaimRequest) ([]*store.Occurrence, error) {
	if req.Limit <= 0 || (req.JobNames != nil && len(req.JobNames) == 0) {
		return nil, nil
	}
	args := []interface{}{
		s.prefix,
		ms(req.Now),
		ms(req.StaleCutoff()),
		strconv.Itoa(req.Limit),
		req.WorkerID,
		"0",
	}
	if req.JobNames != nil {
		args[5] = "1"
		for _, name := range req.JobNames {
			args = append(args, name)
		}
	}
	res, err := claimScript.Run(ctx, s.client, []string{s.dueKey(), s.locksKey()}, args...).Slice()
	if err != nil {
		return nil, markClosed(errors.WithDetailf(errors.Wrap(err, "failed to claim due occurrences"), "worker: %s", req.WorkerID))
	}

	occs := make([]*store.Occurrence, 0, len(res))
	for _, item := range res {
		pairs, ok := item.([]interface{})
		if !ok {
			return nil, errors.AssertionFailedf("unexpected claim reply element %T", item)
		}
		occ, err := decode(pairsToMap(pairs))
		if err != nil {
			return nil, err
		}
		occs = append(occs, occ)
	}
	return occs, nil
}

// Complete finishes a claimed occurrence and inserts its successor atomically.
func (s *Store) Complete(ctx context.Context, id string, c store.Completion) error {
	result := c.Result
	if result == "" {
		result = store.ResultSuccess
	}

	nextKey := s.occKey(id)
	args := []interface{}{id, string(result), c.Error, ms(c.FinishedAt), c.Owner}
	if c.Next != nil {
		nextKey = s.occKey(c.Next.ID)
		args = append(args, s.encode(c.Next)...)
	}

	keys := []string{s.occKey(id), s.dueKey(), s.locksKey(), s.allKey(), s.prevKey(), s.tailKey(), nextKey}
	if err := completeScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return s.mapError(err, id, "complete")
	}
	return nil
}

// Release clears the claim on an occurrence.
func (s *Store) Release(ctx context.Context, id, owner string) error {
	keys := []string{s.occKey(id), s.dueKey(), s.locksKey()}
	if err := releaseScript.Run(ctx, s.client, keys, id, owner, ms(s.now())).Err(); err != nil {
		return s.mapError(err, id, "release")
	}
	return nil
}

// Get returns one occurrence.
func (s *Store) Get(ctx context.Context, id string) (*store.Occurrence, error) {
	h, err := s.client.HGetAll(ctx, s.occKey(id)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get occurrence %s", id)
	}
	if len(h) == 0 {
		return nil, errors.NewNotFoundError("occurrence %s", id)
	}
	return decode(h)
}

// List returns occurrences matching filter. Pending occurrences come back
// in due order; otherwise most recently updated first.
func (s *Store) List(ctx context.Context, filter store.ListFilter) ([]*store.Occurrence, error) {
	if filter.PendingOnly {
		return s.listPending(ctx, filter)
	}

	ids, err := s.client.ZRange(ctx, s.allKey(), 0, -1).Result()
	if err != nil {
		return nil, markClosed(errors.Wrap(err, "failed to list occurrences"))
	}
	out, err := s.load(ctx, ids, filter.JobName)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// listPending reads only the due and locks sets, so its cost follows the
// pending backlog rather than the stored history. Due ids are paged in
// due order until Limit matches are found; claimed ones are few and all
// loaded.
func (s *Store) listPending(ctx context.Context, filter store.ListFilter) ([]*store.Occurrence, error) {
	lockedIDs, err := s.client.ZRange(ctx, s.locksKey(), 0, -1).Result()
	if err != nil {
		return nil, markClosed(errors.Wrap(err, "failed to list claimed occurrences"))
	}
	out, err := s.load(ctx, lockedIDs, filter.JobName)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(out))
	for _, occ := range out {
		seen[occ.ID] = struct{}{}
	}

	page := int64(listPage)
	if filter.Limit > 0 && int64(filter.Limit) < page && filter.JobName == "" {
		page = int64(filter.Limit)
	}
	found := 0
	for start := int64(0); ; start += page {
		ids, err := s.client.ZRange(ctx, s.dueKey(), start, start+page-1).Result()
		if err != nil {
			return nil, markClosed(errors.Wrap(err, "failed to list due occurrences"))
		}
		due, err := s.load(ctx, ids, filter.JobName)
		if err != nil {
			return nil, err
		}
		for _, occ := range due {
			// released between the two reads
			if _, dup := seen[occ.ID]; dup {
				continue
			}
			out = append(out, occ)
			found++
		}
		if int64(len(ids)) < page || (filter.Limit > 0 && found >= filter.Limit) {
			break
		}
	}

	store.SortByDue(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// load fetches the hashes for ids in one pipeline, skipping ids purged
// in the meantime and, when jobName is set, other jobs.
func (s *Store) load(ctx context.Context, ids []string, jobName string) ([]*store.Occurrence, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.occKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, markClosed(errors.Wrap(err, "failed to load occurrences"))
	}

	out := make([]*store.Occurrence, 0, len(ids))
	for _, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		occ, err := decode(h)
		if err != nil {
			return nil, err
		}
		if jobName != "" && occ.JobName != jobName {
			continue
		}
		out = append(out, occ)
	}
	return out, nil
}

// ChainTail returns the newest occurrence of chainID.
func (s *Store) ChainTail(ctx context.Context, chainID string) (*store.Occurrence, error) {
	id, err := s.client.HGet(ctx, s.tailKey(), chainID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, errors.NewNotFoundError("chain %s", chainID)
	}
	if err != nil {
		return nil, markClosed(errors.Wrapf(err, "failed to find tail of chain %s", chainID))
	}
	occ, err := s.Get(ctx, id)
	if errors.IsNotFoundError(err) {
		return nil, errors.NewNotFoundError("chain %s", chainID)
	}
	return occ, err
}

// Cancel consumes a pending occurrence without a successor.
func (s *Store) Cancel(ctx context.Context, id string, at time.Time) error {
	keys := []string{s.occKey(id), s.dueKey(), s.locksKey()}
	if err := cancelScript.Run(ctx, s.client, keys, id, ms(at)).Err(); err != nil {
		return s.mapError(err, id, "cancel")
	}
	return nil
}

// Purge deletes consumed, unlocked occurrences finished before cutoff.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.ZRange(ctx, s.allKey(), 0, -1).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to list occurrences for purge")
	}

	purged := 0
	for _, id := range ids {
		n, err := purgeScript.Run(ctx, s.client,
			[]string{s.occKey(id), s.allKey(), s.prevKey(), s.tailKey()}, id, ms(cutoff)).Int()
		if err != nil {
			return purged, errors.Wrapf(err, "failed to purge occurrence %s", id)
		}
		purged += n
	}
	if purged > 0 {
		s.logger.Infow("Purged finished occurrences", "count", purged, "cutoff", cutoff)
	}
	return purged, nil
}

func (s *Store) mapError(err error, id, op string) error {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "NOTFOUND"):
		return errors.NewNotFoundError("occurrence %s", id)
	case strings.HasPrefix(msg, "NOTCLAIMED"):
		return errors.Wrapf(errors.ErrNotClaimed, "occurrence %s", id)
	case strings.HasPrefix(msg, "DUPLICATE"):
		return errors.Wrapf(errors.ErrDuplicateID, "%s occurrence %s", op, id)
	default:
		return markClosed(errors.Wrapf(err, "failed to %s occurrence %s", op, id))
	}
}

// markClosed tags errors from a client closed by this process.
func markClosed(err error) error {
	if err != nil && errors.Is(err, redis.ErrClosed) {
		return errors.Mark(err, errors.ErrStoreClosed)
	}
	return err
}

func ms(t time.Time) string {
	return strconv.FormatInt(store.Millis(t), 10)
}

func msPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return ms(*t)
}

func (s *Store) encode(occ *store.Occurrence) []interface{} {
	created := occ.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	updated := occ.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	result := occ.LastResult
	if result == "" {
		result = store.ResultNone
	}
	scheduleAt := ""
	if occ.Schedule.Kind == schedule.KindOneTime {
		scheduleAt = ms(occ.Schedule.At)
	}

	return []interface{}{
		"id", occ.ID,
		"job_name", occ.JobName,
		"payload", string(occ.Payload),
		"schedule_kind", string(occ.Schedule.Kind),
		"schedule_cron", occ.Schedule.Cron,
		"schedule_at", scheduleAt,
		"previous_id", occ.PreviousID,
		"chain_id", occ.Chain(),
		"next_run_at", msPtr(occ.NextRunAt),
		"locked_at", msPtr(occ.LockedAt),
		"lock_owner", occ.LockOwner,
		"last_finished_at", msPtr(occ.LastFinishedAt),
		"last_result", string(result),
		"last_error", occ.LastError,
		"fail_count", strconv.Itoa(occ.FailCount),
		"created_at", ms(created),
		"updated_at", ms(updated),
	}
}

func pairsToMap(pairs []interface{}) map[string]string {
	m := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		k, _ := pairs[i].(string)
		v, _ := pairs[i+1].(string)
		m[k] = v
	}
	return m
}

func parseMillis(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "bad timestamp %q", v)
	}
	t := store.FromMillis(n)
	return &t, nil
}

func decode(h map[string]string) (*store.Occurrence, error) {
	occ := &store.Occurrence{
		ID:         h["id"],
		JobName:    h["job_name"],
		PreviousID: h["previous_id"],
		ChainID:    h["chain_id"],
		LockOwner:  h["lock_owner"],
		LastResult: store.Result(h["last_result"]),
		LastError:  h["last_error"],
	}
	if p := h["payload"]; p != "" {
		occ.Payload = []byte(p)
	}

	var err error
	if occ.FailCount, err = strconv.Atoi(h["fail_count"]); err != nil {
		return nil, errors.Wrapf(err, "occurrence %s: bad fail_count", occ.ID)
	}

	scheduleAt, err := parseMillis(h["schedule_at"])
	if err != nil {
		return nil, err
	}
	if occ.Schedule, err = schedule.Decode(h["schedule_kind"], h["schedule_cron"], scheduleAt); err != nil {
		return nil, errors.Wrapf(err, "occurrence %s", occ.ID)
	}

	for field, dst := range map[string]**time.Time{
		"next_run_at":      &occ.NextRunAt,
		"locked_at":        &occ.LockedAt,
		"last_finished_at": &occ.LastFinishedAt,
	} {
		if *dst, err = parseMillis(h[field]); err != nil {
			return nil, err
		}
	}

	created, err := parseMillis(h["created_at"])
	if err != nil || created == nil {
		return nil, errors.Newf("occurrence %s: missing created_at", occ.ID)
	}
	occ.CreatedAt = *created
	if updated, err := parseMillis(h["updated_at"]); err == nil && updated != nil {
		occ.UpdatedAt = *updated
	}
	return occ, nil
}
