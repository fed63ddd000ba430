// Package escrow moves a deal's funds through PENDING -> RESERVED -> LOCKED ->
// RELEASED | REFUNDED. Transitions from the wrong source state are no-ops; callers read
// Result.Applied and Result.Escrow.State to learn what happened.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/profimatch/backend/internal/ledger"
	"github.com/profimatch/backend/internal/lock"
	"github.com/profimatch/backend/internal/metrics"
	"github.com/profimatch/backend/internal/models"
	"github.com/profimatch/backend/internal/repository"
)

var (
	ErrNotFound          = errors.New("escrow not found")
	ErrInvalidAmount     = errors.New("escrow amount must be positive")
	ErrInvalidParties    = errors.New("escrow needs distinct payer and recipient")
	ErrInvalidCommission = errors.New("commission rate must be in [0, 1)")
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repo is the escrow storage the controller needs.
type Repo interface {
	GetByDeal(ctx context.Context, dealID uuid.UUID) (*models.Escrow, error)
	GetByDealForUpdate(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) (*models.Escrow, error)
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.Escrow) (bool, error)
	UpdateStateTx(ctx context.Context, tx pgx.Tx, e *models.Escrow) error
}

// Ledger applies balance changes inside the controller's transaction.
type Ledger interface {
	ApplyTx(ctx context.Context, tx pgx.Tx, req ledger.ApplyRequest) (*models.LedgerEntry, error)
}

// Result is the escrow after a transition attempt. Applied is false when the escrow
// was not in a source state for the transition.
type Result struct {
	Escrow  *models.Escrow
	Applied bool
}

// OpenRequest creates the PENDING escrow for a deal.
type OpenRequest struct {
	DealID      uuid.UUID
	PayerID     uuid.UUID
	RecipientID uuid.UUID
	Amount      int64
}

type Controller struct {
	db             TxBeginner
	repo           Repo
	ledger         Ledger
	locker         lock.Locker
	commissionRate decimal.Decimal
	platformID     uuid.UUID
	now            func() time.Time
	log            *slog.Logger
}

// NewController builds a controller that keeps commissionRate of every released escrow
// for the platform wallet.
func NewController(db TxBeginner, repo Repo, l Ledger, locker lock.Locker, commissionRate decimal.Decimal, log *slog.Logger) (*Controller, error) {
	if commissionRate.IsNegative() || commissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCommission, commissionRate)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		db:             db,
		repo:           repo,
		ledger:         l,
		locker:         locker,
		commissionRate: commissionRate,
		platformID:     models.PlatformOwnerID,
		now:            time.Now,
		log:            log,
	}, nil
}

// Commission is the platform's cut of amount, rounded to whole units.
func (c *Controller) Commission(amount int64) int64 {
	return decimal.NewFromInt(amount).Mul(c.commissionRate).Round(0).IntPart()
}

func (c *Controller) Get(ctx context.Context, dealID uuid.UUID) (*models.Escrow, error) {
	e, err := c.repo.GetByDeal(ctx, dealID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	return e, err
}

// OpenTx creates the deal's PENDING escrow, or returns the existing one unchanged.
func (c *Controller) OpenTx(ctx context.Context, tx pgx.Tx, req OpenRequest) (*models.Escrow, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.PayerID == uuid.Nil || req.RecipientID == uuid.Nil || req.PayerID == req.RecipientID {
		return nil, ErrInvalidParties
	}
	e := &models.Escrow{
		ID:          uuid.New(),
		DealID:      req.DealID,
		PayerID:     req.PayerID,
		RecipientID: req.RecipientID,
		Amount:      req.Amount,
		State:       models.EscrowPending,
	}
	if _, err := c.repo.CreateTx(ctx, tx, e); err != nil {
		return nil, err
	}
	existing, err := c.repo.GetByDealForUpdate(ctx, tx, req.DealID)
	if err != nil {
		return nil, err
	}
	return existing, nil
}

func (c *Controller) Open(ctx context.Context, req OpenRequest) (*models.Escrow, error) {
	var out *models.Escrow
	err := c.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = c.OpenTx(ctx, tx, req)
		return err
	})
	return out, err
}

// ReserveTx debits the payer and moves PENDING -> RESERVED. On insufficient funds the
// escrow stays PENDING and the error is returned.
func (c *Controller) ReserveTx(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) (Result, error) {
	return c.transitionTx(ctx, tx, dealID, models.EscrowReserved, []string{models.EscrowPending}, func(e *models.Escrow) error {
		_, err := c.ledger.ApplyTx(ctx, tx, ledger.ApplyRequest{
			OwnerID:        e.PayerID,
			Amount:         -e.Amount,
			Kind:           models.EntryEscrowLock,
			Description:    "Funds reserved for deal",
			IdempotencyKey: escrowKey(e.DealID, "reserve"),
			Metadata:       map[string]string{"deal_id": e.DealID.String(), "escrow_id": e.ID.String()},
		})
		if err != nil {
			return err
		}
		e.ReservedAt = c.stamp()
		return nil
	})
}

// LockTx moves RESERVED -> LOCKED when work starts. No funds move.
func (c *Controller) LockTx(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) (Result, error) {
	return c.transitionTx(ctx, tx, dealID, models.EscrowLocked, []string{models.EscrowReserved}, func(e *models.Escrow) error {
		e.LockedAt = c.stamp()
		return nil
	})
}

// ReleaseTx moves LOCKED -> RELEASED, paying the recipient the amount less commission
// and the platform the commission.
func (c *Controller) ReleaseTx(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) (Result, error) {
	return c.transitionTx(ctx, tx, dealID, models.EscrowReleased, []string{models.EscrowLocked}, func(e *models.Escrow) error {
		commission := c.Commission(e.Amount)
		meta := map[string]string{"deal_id": e.DealID.String(), "escrow_id": e.ID.String()}
		if payout := e.Amount - commission; payout > 0 {
			if _, err := c.ledger.ApplyTx(ctx, tx, ledger.ApplyRequest{
				OwnerID:        e.RecipientID,
				Amount:         payout,
				Kind:           models.EntryEscrowRelease,
				Description:    "Payment for completed deal",
				IdempotencyKey: escrowKey(e.DealID, "release"),
				Metadata:       meta,
			}); err != nil {
				return err
			}
		}
		if commission > 0 {
			if _, err := c.ledger.ApplyTx(ctx, tx, ledger.ApplyRequest{
				OwnerID:        c.platformID,
				Amount:         commission,
				Kind:           models.EntryPlatformFee,
				Description:    "Platform commission",
				IdempotencyKey: escrowKey(e.DealID, "commission"),
				Metadata:       meta,
			}); err != nil {
				return err
			}
		}
		e.Commission = commission
		e.ReleasedAt = c.stamp()
		return nil
	})
}

// RefundTx moves RESERVED or LOCKED -> REFUNDED, returning the full amount to the payer.
func (c *Controller) RefundTx(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) (Result, error) {
	return c.transitionTx(ctx, tx, dealID, models.EscrowRefunded, []string{models.EscrowReserved, models.EscrowLocked}, func(e *models.Escrow) error {
		return c.refund(ctx, tx, e)
	})
}

func (c *Controller) refund(ctx context.Context, tx pgx.Tx, e *models.Escrow) error {
	if _, err := c.ledger.ApplyTx(ctx, tx, ledger.ApplyRequest{
		OwnerID:        e.PayerID,
		Amount:         e.Amount,
		Kind:           models.EntryEscrowRefund,
		Description:    "Deal funds returned",
		IdempotencyKey: escrowKey(e.DealID, "refund"),
		Metadata:       map[string]string{"deal_id": e.DealID.String(), "escrow_id": e.ID.String()},
	}); err != nil {
		return err
	}
	e.RefundedAt = c.stamp()
	return nil
}

// CancelTx refunds a RESERVED escrow. A LOCKED escrow is left alone: once work has
// started only a dispute can return the money.
func (c *Controller) CancelTx(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) (Result, error) {
	return c.transitionTx(ctx, tx, dealID, models.EscrowRefunded, []string{models.EscrowReserved}, func(e *models.Escrow) error {
		return c.refund(ctx, tx, e)
	})
}

func (c *Controller) Reserve(ctx context.Context, dealID uuid.UUID) (Result, error) {
	return c.run(ctx, dealID, c.ReserveTx)
}

func (c *Controller) Lock(ctx context.Context, dealID uuid.UUID) (Result, error) {
	return c.run(ctx, dealID, c.LockTx)
}

func (c *Controller) Release(ctx context.Context, dealID uuid.UUID) (Result, error) {
	return c.run(ctx, dealID, c.ReleaseTx)
}

func (c *Controller) Refund(ctx context.Context, dealID uuid.UUID) (Result, error) {
	return c.run(ctx, dealID, c.RefundTx)
}

func (c *Controller) run(ctx context.Context, dealID uuid.UUID, fn func(context.Context, pgx.Tx, uuid.UUID) (Result, error)) (Result, error) {
	var res Result
	err := c.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		res, err = fn(ctx, tx, dealID)
		return err
	})
	return res, err
}

func (c *Controller) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// transitionTx locks the escrow, checks the source state and applies effect.
// The deal lock is taken before any wallet lock.
func (c *Controller) transitionTx(ctx context.Context, tx pgx.Tx, dealID uuid.UUID, to string, from []string, effect func(e *models.Escrow) error) (Result, error) {
	key := lock.DealKey(dealID)
	if err := c.locker.Acquire(ctx, key); err != nil {
		return Result{}, err
	}
	defer c.locker.Release(key)

	e, err := c.repo.GetByDealForUpdate(ctx, tx, dealID)
	if errors.Is(err, repository.ErrNotFound) {
		return Result{}, ErrNotFound
	}
	if err != nil {
		return Result{}, err
	}
	if !slices.Contains(from, e.State) {
		metrics.EscrowTransitions.WithLabelValues(to, "noop").Inc()
		c.log.Info("escrow transition skipped", "deal_id", dealID, "state", e.State, "to", to)
		return Result{Escrow: e}, nil
	}
	if err := effect(e); err != nil {
		metrics.EscrowTransitions.WithLabelValues(to, "failed").Inc()
		return Result{}, err
	}
	e.State = to
	if err := c.repo.UpdateStateTx(ctx, tx, e); err != nil {
		return Result{}, err
	}
	metrics.EscrowTransitions.WithLabelValues(to, "applied").Inc()
	return Result{Escrow: e, Applied: true}, nil
}

func (c *Controller) stamp() *time.Time {
	t := c.now()
	return &t
}

func escrowKey(dealID uuid.UUID, step string) string {
	return "escrow:" + dealID.String() + ":" + step
}
