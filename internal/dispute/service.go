// Package dispute applies an administrator's binding decision to a disputed deal.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/profimatch/backend/internal/escrow"
	"github.com/profimatch/backend/internal/lock"
	"github.com/profimatch/backend/internal/models"
	"github.com/profimatch/backend/internal/repository"
)

var (
	ErrNotFound        = errors.New("dispute not found")
	ErrDealNotFound    = errors.New("deal not found")
	ErrNotParty        = errors.New("only the deal's client or specialist can open a dispute")
	ErrNotDisputable   = errors.New("deal is not in a disputable state")
	ErrAlreadyOpen     = errors.New("deal already has an open dispute")
	ErrInvalidDecision = errors.New("decision must be refund_payer or pay_recipient")
	ErrMissingReason   = errors.New("reason is required")
	// ErrEscrowSettled means the escrow is not in a state the decision can move.
	ErrEscrowSettled = errors.New("escrow cannot be settled that way")
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Repo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, d *models.Dispute) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Dispute, error)
	ResolveTx(ctx context.Context, tx pgx.Tx, d *models.Dispute) error
}

type Deals interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Deal, error)
	UpdateStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error
}

// Escrow is the part of the escrow controller a decision drives.
type Escrow interface {
	LockTx(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) (escrow.Result, error)
	ReleaseTx(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) (escrow.Result, error)
	RefundTx(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) (escrow.Result, error)
}

// Outcome is the dispute after Settle. Applied is false when it was already resolved.
type Outcome struct {
	Dispute *models.Dispute `json:"dispute"`
	Escrow  *models.Escrow  `json:"escrow,omitempty"`
	Applied bool            `json:"applied"`
}

type Service struct {
	db     TxBeginner
	repo   Repo
	deals  Deals
	escrow Escrow
	locker lock.Locker
	now    func() time.Time
	log    *slog.Logger
}

func NewService(db TxBeginner, repo Repo, deals Deals, e Escrow, locker lock.Locker, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{db: db, repo: repo, deals: deals, escrow: e, locker: locker, now: time.Now, log: log}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	d, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	return d, err
}

// Open records a dispute on a paid or in-progress deal and marks the deal disputed.
func (s *Service) Open(ctx context.Context, dealID, openedBy uuid.UUID, reason string) (*models.Dispute, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrMissingReason
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	deal, err := s.deals.GetByIDForUpdate(ctx, tx, dealID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrDealNotFound
	}
	if err != nil {
		return nil, err
	}
	if openedBy != deal.ClientID && openedBy != deal.SpecialistID {
		return nil, ErrNotParty
	}
	if deal.Status == models.DealDisputed {
		return nil, ErrAlreadyOpen
	}
	if deal.Status != models.DealPaid && deal.Status != models.DealInProgress {
		return nil, fmt.Errorf("%w: %s", ErrNotDisputable, deal.Status)
	}

	d := &models.Dispute{
		ID:       uuid.New(),
		DealID:   dealID,
		OpenedBy: openedBy,
		Reason:   reason,
		Status:   models.DisputeOpen,
	}
	if err := s.repo.CreateTx(ctx, tx, d); err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, ErrAlreadyOpen
		}
		return nil, err
	}
	if err := s.deals.UpdateStatusTx(ctx, tx, dealID, models.DealDisputed); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.log.Info("dispute opened", "dispute_id", d.ID, "deal_id", dealID, "opened_by", openedBy)
	return d, nil
}

// Settle applies decision to the dispute's escrow and resolves the dispute in one
// transaction. Settling a resolved dispute changes nothing and reports Applied=false.
func (s *Service) Settle(ctx context.Context, disputeID uuid.UUID, decision string, adminID uuid.UUID) (*Outcome, error) {
	if decision != models.DecisionRefundPayer && decision != models.DecisionPayRecipient {
		return nil, ErrInvalidDecision
	}
	var out *Outcome
	err := lock.With(ctx, s.locker, lock.DisputeKey(disputeID), func() error {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		d, err := s.repo.GetByIDForUpdate(ctx, tx, disputeID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if d.Status == models.DisputeResolved {
			out = &Outcome{Dispute: d}
			return nil
		}

		// The deal row is locked before escrow takes the deal key.
		if _, err := s.deals.GetByIDForUpdate(ctx, tx, d.DealID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrDealNotFound
			}
			return err
		}
		e, err := s.applyDecisionTx(ctx, tx, d.DealID, decision)
		if err != nil {
			return err
		}
		dealStatus := models.DealCompleted
		if decision == models.DecisionRefundPayer {
			dealStatus = models.DealCancelled
		}
		if err := s.deals.UpdateStatusTx(ctx, tx, d.DealID, dealStatus); err != nil {
			return err
		}

		at := s.now()
		d.Status = models.DisputeResolved
		d.Decision = decision
		d.ResolvedBy = &adminID
		d.ResolvedAt = &at
		if err := s.repo.ResolveTx(ctx, tx, d); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		out = &Outcome{Dispute: d, Escrow: e, Applied: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Applied {
		s.log.Info("dispute settled", "dispute_id", disputeID, "deal_id", out.Dispute.DealID, "decision", decision, "admin_id", adminID)
	}
	return out, nil
}

// applyDecisionTx runs the escrow transition for decision. A forced payout locks a
// still-reserved escrow first, since release only leaves LOCKED.
func (s *Service) applyDecisionTx(ctx context.Context, tx pgx.Tx, dealID uuid.UUID, decision string) (*models.Escrow, error) {
	var (
		res  escrow.Result
		err  error
		want string
	)
	switch decision {
	case models.DecisionRefundPayer:
		want = models.EscrowRefunded
		res, err = s.escrow.RefundTx(ctx, tx, dealID)
	case models.DecisionPayRecipient:
		want = models.EscrowReleased
		if _, err = s.escrow.LockTx(ctx, tx, dealID); err == nil {
			res, err = s.escrow.ReleaseTx(ctx, tx, dealID)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("settle escrow: %w", err)
	}
	if res.Escrow.State != want {
		return nil, fmt.Errorf("%w: escrow is %s", ErrEscrowSettled, res.Escrow.State)
	}
	return res.Escrow, nil
}
