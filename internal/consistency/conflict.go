package consistency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Strategy selects how a conflict test guards concurrent writes.
type Strategy string

const (
	// Optimistic writers check the version at commit; all but one lose.
	Optimistic Strategy = "optimistic"
	// Pessimistic writers hold the key's lock across read and write.
	Pessimistic Strategy = "pessimistic"
)

// ConflictTest describes a set of concurrent writes to one key.
type ConflictTest struct {
	Key      string   `json:"key"`
	Writes   []string `json:"writes"`
	Mode     Mode     `json:"mode"`
	Strategy Strategy `json:"strategy"`
}

// AttemptResult is the outcome of one writer in a conflict test.
type AttemptResult struct {
	Writer    int    `json:"writer"`
	NodeID    int    `json:"node_id"`
	Value     string `json:"value"`
	Committed bool   `json:"committed"`
	Version   uint64 `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
	WaitedMs  int64  `json:"waited_ms"`
}

// ConflictOutcome summarizes a conflict test run.
type ConflictOutcome struct {
	RunID        uuid.UUID       `json:"run_id"`
	Key          string          `json:"key"`
	Mode         Mode            `json:"mode"`
	Strategy     Strategy        `json:"strategy"`
	Attempts     []AttemptResult `json:"attempts"`
	Committed    int             `json:"committed"`
	Conflicts    int             `json:"conflicts"`
	Timeouts     int             `json:"timeouts"`
	Failed       int             `json:"failed"`
	FinalValue   string          `json:"final_value"`
	FinalVersion uint64          `json:"final_version"`
}

// RunConflictTest starts every write in test concurrently against the same
// key.
//
// Under Optimistic, each writer reads the current version first and writes
// with it as the expected version, so exactly one of a group that read the
// same version commits and the rest fail with *VersionConflictError. Under
// Pessimistic, each writer holds the key's lock while it reads and writes,
// so writes serialize and only lock timeouts fail.
func (c *Controller) RunConflictTest(ctx context.Context, test ConflictTest) (ConflictOutcome, error) {
	if test.Key == "" {
		return ConflictOutcome{}, errors.New("conflict test needs a key")
	}
	if len(test.Writes) == 0 {
		return ConflictOutcome{}, errors.New("conflict test needs at least one write")
	}
	if test.Strategy == "" {
		test.Strategy = Optimistic
	}
	if test.Strategy != Optimistic && test.Strategy != Pessimistic {
		return ConflictOutcome{}, fmt.Errorf("unknown strategy %q", test.Strategy)
	}
	mode, err := c.resolve(test.Mode)
	if err != nil {
		return ConflictOutcome{}, c.failed("conflict test", test.Mode, test.Key, err)
	}
	live := liveIDs(c.members.ListActive())
	if len(live) == 0 {
		return ConflictOutcome{}, c.failed("conflict test", mode, test.Key, &UnavailableError{Reason: "no live nodes"})
	}

	out := ConflictOutcome{
		RunID:    uuid.New(),
		Key:      test.Key,
		Mode:     mode,
		Strategy: test.Strategy,
		Attempts: make([]AttemptResult, len(test.Writes)),
	}

	// Optimistic writers all read before any writes, as concurrent
	// transactions would.
	var readDone sync.WaitGroup
	readDone.Add(len(test.Writes))

	errs := make([]error, len(test.Writes))
	var wg sync.WaitGroup
	for i, value := range test.Writes {
		wg.Add(1)
		go func(i int, value string) {
			defer wg.Done()
			txn := c.NewTxn(live[i%len(live)])
			res := AttemptResult{Writer: i + 1, NodeID: txn.NodeID, Value: value}
			start := time.Now()

			req := WriteRequest{Key: test.Key, Value: []byte(value), Mode: mode, NodeID: txn.NodeID}
			var err, releaseErr error
			if test.Strategy == Pessimistic {
				readDone.Done()
				var lock Lock
				lock, err = c.AcquireLock(ctx, test.Key, txn)
				res.WaitedMs = time.Since(start).Milliseconds()
				if err == nil {
					expected := c.CurrentVersion(test.Key)
					req.ExpectedVersion = &expected
					var commit Commit
					commit, err = c.Write(ctx, req)
					res.Version = commit.Record.Version
					releaseErr = c.ReleaseLock(lock.ResourceKey, txn.ID)
				}
			} else {
				expected := c.CurrentVersion(test.Key)
				req.ExpectedVersion = &expected
				readDone.Done()
				readDone.Wait()
				var commit Commit
				commit, err = c.Write(ctx, req)
				res.Version = commit.Record.Version
				res.WaitedMs = time.Since(start).Milliseconds()
			}

			if err != nil {
				res.Error = err.Error()
				errs[i] = err
			} else {
				res.Committed = true
			}
			if releaseErr != nil {
				msg := "release lock: " + releaseErr.Error()
				if res.Error != "" {
					msg = res.Error + "; " + msg
				}
				res.Error = msg
			}
			out.Attempts[i] = res
		}(i, value)
	}
	wg.Wait()

	for i, a := range out.Attempts {
		var vc *VersionConflictError
		var lt *LockTimeoutError
		switch {
		case a.Committed:
			out.Committed++
			if a.Version >= out.FinalVersion {
				out.FinalVersion, out.FinalValue = a.Version, a.Value
			}
		case errors.As(errs[i], &vc):
			out.Conflicts++
		case errors.As(errs[i], &lt):
			out.Timeouts++
		default:
			out.Failed++
		}
	}
	return out, nil
}
