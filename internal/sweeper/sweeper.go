// Package sweeper refunds pay-to-respond charges the client never looked at.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/profimatch/backend/internal/ledger"
	"github.com/profimatch/backend/internal/lock"
	"github.com/profimatch/backend/internal/metrics"
	"github.com/profimatch/backend/internal/models"
)

// DefaultBatchSize bounds how many candidates one run looks at.
const DefaultBatchSize = 500

var (
	ErrInvalidTTL      = errors.New("refund ttl must be positive")
	ErrInvalidInterval = errors.New("sweep interval must be positive")
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Responses interface {
	ListRefundCandidates(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Response, error)
	MarkRefundedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	MarkRefundAttempted(ctx context.Context, id uuid.UUID, at time.Time) error
}

type Ledger interface {
	ApplyTx(ctx context.Context, tx pgx.Tx, req ledger.ApplyRequest) (*models.LedgerEntry, error)
}

type Sweeper struct {
	db        TxBeginner
	responses Responses
	ledger    Ledger
	locker    lock.Locker
	ttl       time.Duration
	batchSize int
	now       func() time.Time
	log       *slog.Logger
}

// New returns a sweeper that refunds responses left unviewed for longer than ttl.
func New(db TxBeginner, responses Responses, l Ledger, locker lock.Locker, ttl time.Duration, log *slog.Logger) (*Sweeper, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		db:        db,
		responses: responses,
		ledger:    l,
		locker:    locker,
		ttl:       ttl,
		batchSize: DefaultBatchSize,
		now:       time.Now,
		log:       log,
	}, nil
}

// Run refunds one batch of candidates and returns how many were refunded. A candidate
// that fails is logged and stamped so later runs list it after the untried ones.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.ttl)
	ids, err := s.responses.ListRefundCandidates(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list refund candidates: %w", err)
	}

	refunded := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return refunded, err
		}
		ok, err := s.refundOne(ctx, id, cutoff)
		if err != nil {
			metrics.SweeperFailures.Inc()
			s.log.Error("refund unviewed response", "response_id", id, "error", err)
			if err := s.responses.MarkRefundAttempted(ctx, id, s.now()); err != nil {
				s.log.Error("record refund attempt", "response_id", id, "error", err)
			}
			continue
		}
		if ok {
			refunded++
			metrics.SweeperRefunds.Inc()
		}
	}
	if len(ids) == s.batchSize {
		s.log.Warn("refund sweep hit batch limit", "batch_size", s.batchSize)
	}
	s.log.Info("refund sweep finished", "candidates", len(ids), "refunded", refunded)
	return refunded, nil
}

// refundOne re-checks the response under its lock and refunds it in its own transaction.
func (s *Sweeper) refundOne(ctx context.Context, id uuid.UUID, cutoff time.Time) (bool, error) {
	var refunded bool
	err := lock.With(ctx, s.locker, lock.ResponseKey(id), func() error {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		resp, err := s.responses.GetByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !eligible(resp, cutoff) {
			return nil
		}
		if _, err := s.ledger.ApplyTx(ctx, tx, ledger.ApplyRequest{
			OwnerID:        resp.SpecialistID,
			Amount:         resp.PricePaid,
			Kind:           models.EntryRefund,
			Description:    "Refund for unviewed response",
			IdempotencyKey: "refund:" + uuid.NewString(),
			Metadata:       map[string]string{"response_id": resp.ID.String(), "request_id": resp.RequestID.String()},
		}); err != nil {
			return err
		}
		if err := s.responses.MarkRefundedTx(ctx, tx, id); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		refunded = true
		return nil
	})
	return refunded, err
}

func eligible(r *models.Response, cutoff time.Time) bool {
	return r.TariffType == models.ChargeTypeResponse &&
		!r.RefundProcessed &&
		r.ViewedAt == nil &&
		r.PricePaid > 0 &&
		r.CreatedAt.Before(cutoff)
}
