package storage

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sethvargo/go-retry"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/logging"
)

var storageRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "filevault_storage_retries_total",
	Help: "Storage operations retried after a transient failure.",
}, []string{"op"})

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	// Attempts is the number of retries after the first try.
	Attempts  uint64
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// JitterPercent randomizes each delay by up to this percentage.
	JitterPercent uint64
}

// DefaultRetryPolicy is used when a zero policy is supplied.
var DefaultRetryPolicy = RetryPolicy{Attempts: 4, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, JitterPercent: 20}

func (p RetryPolicy) backoff() retry.Backoff {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	b := retry.NewExponential(p.BaseDelay)
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	return retry.WithMaxRetries(p.Attempts, b)
}

// Retrying decorates a Backend, retrying operations that fail with a
// transient error. Permanent errors and cancellation are returned at once.
type Retrying struct {
	next   Backend
	policy RetryPolicy
	log    logging.Logger
}

var _ Backend = (*Retrying)(nil)

func NewRetrying(next Backend, policy RetryPolicy, log logging.Logger) *Retrying {
	if policy == (RetryPolicy{}) {
		policy = DefaultRetryPolicy
	}
	return &Retrying{next: next, policy: policy, log: log.With("module", "storage.retry")}
}

func (r *Retrying) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, r.policy.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if common.IsRetryable(err) && ctx.Err() == nil {
			storageRetriesTotal.WithLabelValues(op).Inc()
			r.log.Warn(ctx, "transient storage failure", "op", op, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (r *Retrying) BeginMultipart(ctx context.Context, key, contentType string) (*Session, error) {
	var s *Session
	err := r.do(ctx, "begin", func(ctx context.Context) error {
		var err error
		s, err = r.next.BeginMultipart(ctx, key, contentType)
		return err
	})
	return s, err
}

func (r *Retrying) UploadPart(ctx context.Context, s *Session, partNumber int32, data []byte) (Part, error) {
	var p Part
	err := r.do(ctx, "upload_part", func(ctx context.Context) error {
		var err error
		p, err = r.next.UploadPart(ctx, s, partNumber, data)
		return err
	})
	return p, err
}

func (r *Retrying) CompleteMultipart(ctx context.Context, s *Session, parts []Part) (string, error) {
	var v string
	err := r.do(ctx, "complete", func(ctx context.Context) error {
		var err error
		v, err = r.next.CompleteMultipart(ctx, s, parts)
		return err
	})
	return v, err
}

func (r *Retrying) AbortMultipart(ctx context.Context, s *Session) error {
	return r.do(ctx, "abort", func(ctx context.Context) error {
		return r.next.AbortMultipart(ctx, s)
	})
}

func (r *Retrying) RangeGet(ctx context.Context, key string, start, end int64) (*Object, error) {
	var o *Object
	err := r.do(ctx, "range_get", func(ctx context.Context) error {
		var err error
		o, err = r.next.RangeGet(ctx, key, start, end)
		return err
	})
	return o, err
}

func (r *Retrying) HeadObject(ctx context.Context, key string) (bool, int64, error) {
	var (
		exists bool
		size   int64
	)
	err := r.do(ctx, "head", func(ctx context.Context) error {
		var err error
		exists, size, err = r.next.HeadObject(ctx, key)
		return err
	})
	return exists, size, err
}

func (r *Retrying) DeleteObject(ctx context.Context, key string) error {
	return r.do(ctx, "delete", func(ctx context.Context) error {
		return r.next.DeleteObject(ctx, key)
	})
}

func (r *Retrying) MinPartSize() int64 {
	return r.next.MinPartSize()
}

// PresignGet forwards to the wrapped backend when it can presign.
func (r *Retrying) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	p, ok := r.next.(Presigner)
	if !ok {
		return "", Permanent(ErrPresignUnsupported)
	}
	return p.PresignGet(ctx, key, ttl)
}

// Unwrap returns the decorated backend.
func (r *Retrying) Unwrap() Backend {
	return r.next
}

// CanPresign reports whether b, or the backend it decorates, implements
// Presigner.
func CanPresign(b Backend) bool {
	for {
		switch v := b.(type) {
		case *Retrying:
			b = v.next
		case Presigner:
			return true
		default:
			return false
		}
	}
}
