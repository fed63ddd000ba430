// Package deals moves a paid deal through work: the specialist starts, the client
// completes or cancels. Each step drives the deal's escrow in the same transaction.
package deals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/profimatch/backend/internal/escrow"
	"github.com/profimatch/backend/internal/models"
	"github.com/profimatch/backend/internal/repository"
)

var (
	ErrNotFound      = errors.New("deal not found")
	ErrNotSpecialist = errors.New("only the deal's specialist can start work")
	ErrNotClient     = errors.New("only the deal's client can complete or cancel it")
	ErrInvalidState  = errors.New("deal cannot make that transition")
	ErrWorkStarted   = errors.New("work has started; open a dispute to get the money back")
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Deals interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Deal, error)
	UpdateStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error
}

// Escrow is the part of the escrow controller the lifecycle drives.
type Escrow interface {
	LockTx(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) (escrow.Result, error)
	ReleaseTx(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) (escrow.Result, error)
	CancelTx(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) (escrow.Result, error)
}

// Outcome is the deal after a lifecycle call. Applied is false when the deal was
// already where the call would have moved it.
type Outcome struct {
	Deal    *models.Deal   `json:"deal"`
	Escrow  *models.Escrow `json:"escrow,omitempty"`
	Applied bool           `json:"applied"`
}

type Service struct {
	db     TxBeginner
	deals  Deals
	escrow Escrow
	log    *slog.Logger
}

func NewService(db TxBeginner, deals Deals, e Escrow, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{db: db, deals: deals, escrow: e, log: log}
}

// Start marks work as begun: the escrow moves RESERVED -> LOCKED and the deal becomes
// in_progress.
func (s *Service) Start(ctx context.Context, dealID, specialistID uuid.UUID) (*Outcome, error) {
	out, err := s.withDeal(ctx, dealID, func(tx pgx.Tx, deal *models.Deal) (*Outcome, error) {
		if deal.SpecialistID != specialistID {
			return nil, ErrNotSpecialist
		}
		switch deal.Status {
		case models.DealInProgress:
			return &Outcome{Deal: deal}, nil
		case models.DealPaid:
		default:
			return nil, fmt.Errorf("%w: %s", ErrInvalidState, deal.Status)
		}
		res, err := s.escrow.LockTx(ctx, tx, dealID)
		if err != nil {
			return nil, err
		}
		if res.Escrow.State != models.EscrowLocked {
			return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidState, res.Escrow.State)
		}
		return s.moveTx(ctx, tx, deal, models.DealInProgress, res.Escrow)
	})
	if err != nil {
		return nil, err
	}
	if out.Applied {
		s.log.Info("deal started", "deal_id", dealID, "specialist_id", specialistID)
	}
	return out, nil
}

// Complete confirms the work: the escrow is released to the specialist, less the
// platform commission, and the deal becomes completed. A deal whose work was never
// marked started is locked first.
func (s *Service) Complete(ctx context.Context, dealID, clientID uuid.UUID) (*Outcome, error) {
	out, err := s.withDeal(ctx, dealID, func(tx pgx.Tx, deal *models.Deal) (*Outcome, error) {
		if deal.ClientID != clientID {
			return nil, ErrNotClient
		}
		switch deal.Status {
		case models.DealCompleted:
			return &Outcome{Deal: deal}, nil
		case models.DealPaid, models.DealInProgress:
		default:
			return nil, fmt.Errorf("%w: %s", ErrInvalidState, deal.Status)
		}
		if _, err := s.escrow.LockTx(ctx, tx, dealID); err != nil {
			return nil, err
		}
		res, err := s.escrow.ReleaseTx(ctx, tx, dealID)
		if err != nil {
			return nil, err
		}
		if res.Escrow.State != models.EscrowReleased {
			return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidState, res.Escrow.State)
		}
		return s.moveTx(ctx, tx, deal, models.DealCompleted, res.Escrow)
	})
	if err != nil {
		return nil, err
	}
	if out.Applied {
		s.log.Info("deal completed", "deal_id", dealID, "commission", out.Escrow.Commission)
	}
	return out, nil
}

// Cancel calls the deal off before work starts. A paid deal's reserved funds return
// to the client; an unpaid deal is cancelled without moving money.
func (s *Service) Cancel(ctx context.Context, dealID, clientID uuid.UUID) (*Outcome, error) {
	out, err := s.withDeal(ctx, dealID, func(tx pgx.Tx, deal *models.Deal) (*Outcome, error) {
		if deal.ClientID != clientID {
			return nil, ErrNotClient
		}
		switch deal.Status {
		case models.DealCancelled:
			return &Outcome{Deal: deal}, nil
		case models.DealPendingPayment:
			return s.moveTx(ctx, tx, deal, models.DealCancelled, nil)
		case models.DealInProgress:
			return nil, ErrWorkStarted
		case models.DealPaid:
		default:
			return nil, fmt.Errorf("%w: %s", ErrInvalidState, deal.Status)
		}
		res, err := s.escrow.CancelTx(ctx, tx, dealID)
		if err != nil {
			return nil, err
		}
		switch res.Escrow.State {
		case models.EscrowRefunded:
		case models.EscrowLocked:
			return nil, ErrWorkStarted
		default:
			return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidState, res.Escrow.State)
		}
		return s.moveTx(ctx, tx, deal, models.DealCancelled, res.Escrow)
	})
	if err != nil {
		return nil, err
	}
	if out.Applied {
		s.log.Info("deal cancelled", "deal_id", dealID, "client_id", clientID)
	}
	return out, nil
}

// withDeal locks the deal row and runs fn in one transaction. The row is taken before
// escrow takes the deal key.
func (s *Service) withDeal(ctx context.Context, dealID uuid.UUID, fn func(tx pgx.Tx, deal *models.Deal) (*Outcome, error)) (*Outcome, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	deal, err := s.deals.GetByIDForUpdate(ctx, tx, dealID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out, err := fn(tx, deal)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) moveTx(ctx context.Context, tx pgx.Tx, deal *models.Deal, status string, e *models.Escrow) (*Outcome, error) {
	if err := s.deals.UpdateStatusTx(ctx, tx, deal.ID, status); err != nil {
		return nil, err
	}
	deal.Status = status
	return &Outcome{Deal: deal, Escrow: e, Applied: true}, nil
}
