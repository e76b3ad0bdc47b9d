package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cuemby/strata/internal/serrs"
)

// RetryBudget bounds the retry wrapper's total elapsed time (SPEC_FULL §7:
// "retry Io with jittered exponential backoff up to a bounded budget before
// surfacing"). Enrichment from storj-storj's go.mod, which depends on
// cenkalti/backoff for exactly this; neither the teacher nor any other pack
// repo carries a retry/backoff library of its own.
const RetryBudget = 30 * time.Second

// Retrying wraps a Backend so serrs.IO errors from Put, GetSlice, GetAll,
// CopyToFile and ListObjects are retried with jittered exponential backoff;
// every other error kind is returned immediately. Delete, Exists,
// FileNumBytes and URI pass straight through to the wrapped Backend and
// are not retried.
type Retrying struct {
	Backend
}

// NewRetrying wraps backend with the default retry policy.
func NewRetrying(backend Backend) *Retrying {
	return &Retrying{Backend: backend}
}

func (r *Retrying) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = RetryBudget
	return backoff.WithContext(b, ctx)
}

func (r *Retrying) Put(ctx context.Context, path string, payload Payload) error {
	return backoff.Retry(func() error {
		err := r.Backend.Put(ctx, path, payload)
		return retryable(err)
	}, r.newBackOff(ctx))
}

func (r *Retrying) GetSlice(ctx context.Context, path string, rng ByteRange) ([]byte, error) {
	var out []byte
	err := backoff.Retry(func() error {
		data, err := r.Backend.GetSlice(ctx, path, rng)
		if err == nil {
			out = data
		}
		return retryable(err)
	}, r.newBackOff(ctx))
	return out, err
}

func (r *Retrying) GetAll(ctx context.Context, path string) ([]byte, error) {
	var out []byte
	err := backoff.Retry(func() error {
		data, err := r.Backend.GetAll(ctx, path)
		if err == nil {
			out = data
		}
		return retryable(err)
	}, r.newBackOff(ctx))
	return out, err
}

func (r *Retrying) CopyToFile(ctx context.Context, path string, localPath string) error {
	return backoff.Retry(func() error {
		return retryable(r.Backend.CopyToFile(ctx, path, localPath))
	}, r.newBackOff(ctx))
}

// ListObjects passes through to the wrapped backend's Lister implementation,
// if any, retrying transient failures the same way the other methods do.
func (r *Retrying) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	lister, ok := r.Backend.(Lister)
	if !ok {
		return nil, serrs.Internal.New("storage: backend %T does not support listing", r.Backend)
	}
	var out []ObjectInfo
	err := backoff.Retry(func() error {
		objs, err := lister.ListObjects(ctx, prefix)
		if err == nil {
			out = objs
		}
		return retryable(err)
	}, r.newBackOff(ctx))
	return out, err
}

// retryable turns a non-retryable error into a backoff.PermanentError so
// backoff.Retry stops immediately instead of exhausting the budget.
func retryable(err error) error {
	if err == nil {
		return nil
	}
	if serrs.IsRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}
