// Package gateway implements the payment provider's merchant protocol: the provider
// creates, performs and cancels transactions against a deal, and every call may be
// retried with the same transaction id.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/profimatch/backend/internal/escrow"
	"github.com/profimatch/backend/internal/ledger"
	"github.com/profimatch/backend/internal/lock"
	"github.com/profimatch/backend/internal/models"
	"github.com/profimatch/backend/internal/repository"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultTimeout          = 12 * time.Hour
	DefaultUnitsPerCurrency = 100
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Deals is the deal storage the adapter reads and updates.
type Deals interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Deal, error)
	UpdateStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error
}

// Transactions stores the mirror of provider transactions.
type Transactions interface {
	GetByProviderIDForUpdate(ctx context.Context, tx pgx.Tx, providerID string) (*models.GatewayTransaction, error)
	FindActiveByDealTx(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) (*models.GatewayTransaction, error)
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.GatewayTransaction) error
	UpdateTx(ctx context.Context, tx pgx.Tx, t *models.GatewayTransaction) error
	ListByCreateTime(ctx context.Context, from, to int64) ([]*models.GatewayTransaction, error)
}

type Ledger interface {
	ApplyTx(ctx context.Context, tx pgx.Tx, req ledger.ApplyRequest) (*models.LedgerEntry, error)
}

// Escrow is the part of the escrow controller a payment drives.
type Escrow interface {
	OpenTx(ctx context.Context, tx pgx.Tx, req escrow.OpenRequest) (*models.Escrow, error)
	ReserveTx(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) (escrow.Result, error)
	RefundTx(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) (escrow.Result, error)
}

type Options struct {
	// Timeout is how long a created transaction may stay pending.
	Timeout time.Duration
	// UnitsPerCurrency converts a deal price into the provider's minor units.
	UnitsPerCurrency int64
}

// Account is the opaque payload the provider echoes back; it carries the deal id.
type Account map[string]string

func (a Account) dealID() (uuid.UUID, bool) {
	id, err := uuid.Parse(a["deal_id"])
	return id, err == nil
}

type CheckPerformResult struct {
	Allow bool `json:"allow"`
}

type CreateParams struct {
	ID      string  `json:"id"`
	Time    int64   `json:"time"`
	Amount  int64   `json:"amount"`
	Account Account `json:"account"`
}

type CreateResult struct {
	CreateTime  int64  `json:"create_time"`
	Transaction string `json:"transaction"`
	State       int    `json:"state"`
}

type PerformResult struct {
	Transaction string `json:"transaction"`
	PerformTime int64  `json:"perform_time"`
	State       int    `json:"state"`
}

type CancelResult struct {
	Transaction string `json:"transaction"`
	CancelTime  int64  `json:"cancel_time"`
	State       int    `json:"state"`
}

type CheckResult struct {
	CreateTime  int64  `json:"create_time"`
	PerformTime int64  `json:"perform_time"`
	CancelTime  int64  `json:"cancel_time"`
	Transaction string `json:"transaction"`
	State       int    `json:"state"`
	Reason      *int   `json:"reason"`
}

type StatementItem struct {
	ID          string  `json:"id"`
	Time        int64   `json:"time"`
	Amount      int64   `json:"amount"`
	Account     Account `json:"account"`
	CreateTime  int64   `json:"create_time"`
	PerformTime int64   `json:"perform_time"`
	CancelTime  int64   `json:"cancel_time"`
	Transaction string  `json:"transaction"`
	State       int     `json:"state"`
	Reason      *int    `json:"reason"`
}

type StatementResult struct {
	Transactions []StatementItem `json:"transactions"`
}

type Service struct {
	db      TxBeginner
	deals   Deals
	txs     Transactions
	ledger  Ledger
	escrow  Escrow
	locker  lock.Locker
	timeout time.Duration
	units   int64
	now     func() time.Time
	log     *slog.Logger
}

func NewService(db TxBeginner, deals Deals, txs Transactions, l Ledger, e Escrow, locker lock.Locker, opts Options, log *slog.Logger) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UnitsPerCurrency <= 0 {
		opts.UnitsPerCurrency = DefaultUnitsPerCurrency
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		db:      db,
		deals:   deals,
		txs:     txs,
		ledger:  l,
		escrow:  e,
		locker:  locker,
		timeout: opts.Timeout,
		units:   opts.UnitsPerCurrency,
		now:     time.Now,
		log:     log,
	}
}

// CheckPerformTransaction reports whether amount can be paid against the account's deal.
func (s *Service) CheckPerformTransaction(ctx context.Context, amount int64, account Account) (*CheckPerformResult, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := s.checkPerformTx(ctx, tx, amount, account)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &CheckPerformResult{Allow: true}, nil
}

func (s *Service) checkPerformTx(ctx context.Context, tx pgx.Tx, amount int64, account Account) (*models.Deal, error) {
	if amount <= 0 {
		return nil, newError(CodeInvalidAmount, "amount")
	}
	dealID, ok := account.dealID()
	if !ok {
		return nil, newError(CodeDealNotFound, "deal_id")
	}
	deal, err := s.deals.GetByIDForUpdate(ctx, tx, dealID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, newError(CodeDealNotFound, "deal_id")
	}
	if err != nil {
		return nil, err
	}
	if amount != deal.Price*s.units {
		return nil, newError(CodeInvalidAmount, "amount")
	}
	if deal.Status != models.DealPendingPayment {
		return nil, newError(CodeCannotPerform, "deal_id")
	}
	return deal, nil
}

// CreateTransaction registers a pending provider transaction. A repeated call with the
// same id answers with the stored transaction while it is still pending and fresh.
func (s *Service) CreateTransaction(ctx context.Context, p CreateParams) (*CreateResult, error) {
	if p.ID == "" {
		return nil, newError(CodeInvalidRequest, "id")
	}
	var out *CreateResult
	err := s.withTransaction(ctx, p.ID, func(tx pgx.Tx) error {
		t, err := s.txs.GetByProviderIDForUpdate(ctx, tx, p.ID)
		switch {
		case err == nil:
			if t.State != models.GatewayStatePending {
				return newError(CodeCannotPerform, "id")
			}
			if s.expired(t) {
				return s.expireTx(ctx, tx, t)
			}
			out = createResult(t)
			return nil
		case !errors.Is(err, repository.ErrNotFound):
			return err
		}

		deal, err := s.checkPerformTx(ctx, tx, p.Amount, p.Account)
		if err != nil {
			return err
		}
		return lock.With(ctx, s.locker, lock.DealKey(deal.ID), func() error {
			active, err := s.txs.FindActiveByDealTx(ctx, tx, deal.ID)
			switch {
			case err == nil:
				if active.State != models.GatewayStatePending || !s.expired(active) {
					return newError(CodeDealBusy, "deal_id")
				}
				if err := s.cancelExpiredTx(ctx, tx, active); err != nil {
					return err
				}
			case !errors.Is(err, repository.ErrNotFound):
				return err
			}

			t = &models.GatewayTransaction{
				ID:           uuid.New(),
				ProviderID:   p.ID,
				ProviderTime: p.Time,
				Amount:       p.Amount,
				Account:      p.Account,
				DealID:       deal.ID,
				State:        models.GatewayStatePending,
				CreateTime:   s.nowMillis(),
			}
			if err := s.txs.CreateTx(ctx, tx, t); err != nil {
				return err
			}
			out = createResult(t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PerformTransaction settles a pending transaction: the payment tops up the payer's
// wallet, the deal's escrow reserves it, and the deal becomes paid. Performing an
// already performed transaction returns the stored result.
func (s *Service) PerformTransaction(ctx context.Context, id string) (*PerformResult, error) {
	var out *PerformResult
	err := s.withTransaction(ctx, id, func(tx pgx.Tx) error {
		t, err := s.lookupTx(ctx, tx, id)
		if err != nil {
			return err
		}
		switch t.State {
		case models.GatewayStatePerformed:
			out = performResult(t)
			return nil
		case models.GatewayStatePending:
		default:
			return newError(CodeCannotPerform, "id")
		}
		if s.expired(t) {
			return s.expireTx(ctx, tx, t)
		}

		deal, err := s.deals.GetByIDForUpdate(ctx, tx, t.DealID)
		if errors.Is(err, repository.ErrNotFound) {
			return newError(CodeDealNotFound, "deal_id")
		}
		if err != nil {
			return err
		}
		if deal.Status != models.DealPendingPayment {
			return newError(CodeCannotPerform, "deal_id")
		}
		if err := s.settleTx(ctx, tx, t, deal); err != nil {
			return err
		}

		t.State = models.GatewayStatePerformed
		t.PerformTime = s.nowMillis()
		if err := s.txs.UpdateTx(ctx, tx, t); err != nil {
			return err
		}
		out = performResult(t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("gateway transaction performed", "provider_id", id, "transaction", out.Transaction)
	return out, nil
}

func (s *Service) settleTx(ctx context.Context, tx pgx.Tx, t *models.GatewayTransaction, deal *models.Deal) error {
	meta := map[string]string{"deal_id": deal.ID.String(), "provider_id": t.ProviderID}
	if _, err := s.ledger.ApplyTx(ctx, tx, ledger.ApplyRequest{
		OwnerID:        deal.ClientID,
		Amount:         t.Amount / s.units,
		Kind:           models.EntryGatewayTopup,
		Description:    "Payment received from provider",
		IdempotencyKey: gatewayKey(t.ProviderID, "topup"),
		Metadata:       meta,
	}); err != nil {
		return err
	}
	if _, err := s.escrow.OpenTx(ctx, tx, escrow.OpenRequest{
		DealID:      deal.ID,
		PayerID:     deal.ClientID,
		RecipientID: deal.SpecialistID,
		Amount:      deal.Price,
	}); err != nil {
		return err
	}
	res, err := s.escrow.ReserveTx(ctx, tx, deal.ID)
	if err != nil {
		return err
	}
	if !res.Applied && res.Escrow.State != models.EscrowReserved {
		return newError(CodeCannotPerform, "deal_id")
	}
	return s.deals.UpdateStatusTx(ctx, tx, deal.ID, models.DealPaid)
}

// CancelTransaction cancels a pending transaction without moving money, or reverses a
// performed one: the escrow is refunded, the amount leaves the payer's wallet back to
// the provider, and the deal is cancelled. A performed transaction whose escrow was
// already released cannot be cancelled.
func (s *Service) CancelTransaction(ctx context.Context, id string, reason int) (*CancelResult, error) {
	var out *CancelResult
	err := s.withTransaction(ctx, id, func(tx pgx.Tx) error {
		t, err := s.lookupTx(ctx, tx, id)
		if err != nil {
			return err
		}
		switch t.State {
		case models.GatewayStatePending:
			t.State = models.GatewayStateCancelledBeforePerform
		case models.GatewayStatePerformed:
			if err := s.reverseTx(ctx, tx, t); err != nil {
				return err
			}
			t.State = models.GatewayStateCancelledAfterPerform
		default:
			out = cancelResult(t)
			return nil
		}
		t.Reason = &reason
		t.CancelTime = s.nowMillis()
		if err := s.txs.UpdateTx(ctx, tx, t); err != nil {
			return err
		}
		out = cancelResult(t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) reverseTx(ctx context.Context, tx pgx.Tx, t *models.GatewayTransaction) error {
	deal, err := s.deals.GetByIDForUpdate(ctx, tx, t.DealID)
	if err != nil {
		return err
	}
	res, err := s.escrow.RefundTx(ctx, tx, t.DealID)
	if err != nil {
		return err
	}
	if !res.Applied && res.Escrow.State != models.EscrowRefunded {
		return newError(CodeCannotCancel, "id")
	}
	if _, err := s.ledger.ApplyTx(ctx, tx, ledger.ApplyRequest{
		OwnerID:        deal.ClientID,
		Amount:         -(t.Amount / s.units),
		Kind:           models.EntryWithdrawal,
		Description:    "Payment returned to provider",
		IdempotencyKey: gatewayKey(t.ProviderID, "reversal"),
		Metadata:       map[string]string{"deal_id": deal.ID.String(), "provider_id": t.ProviderID},
	}); err != nil {
		return err
	}
	return s.deals.UpdateStatusTx(ctx, tx, deal.ID, models.DealCancelled)
}

// CheckTransaction reports a transaction's state and timestamps.
func (s *Service) CheckTransaction(ctx context.Context, id string) (*CheckResult, error) {
	var out *CheckResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		t, err := s.lookupTx(ctx, tx, id)
		if err != nil {
			return err
		}
		out = &CheckResult{
			CreateTime:  t.CreateTime,
			PerformTime: t.PerformTime,
			CancelTime:  t.CancelTime,
			Transaction: t.ID.String(),
			State:       t.State,
			Reason:      t.Reason,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetStatement lists transactions created within [from, to], oldest first.
func (s *Service) GetStatement(ctx context.Context, from, to int64) (*StatementResult, error) {
	if from > to {
		return nil, newError(CodeInvalidRequest, "from")
	}
	list, err := s.txs.ListByCreateTime(ctx, from, to)
	if err != nil {
		return nil, err
	}
	out := &StatementResult{Transactions: make([]StatementItem, 0, len(list))}
	for _, t := range list {
		out.Transactions = append(out.Transactions, StatementItem{
			ID:          t.ProviderID,
			Time:        t.ProviderTime,
			Amount:      t.Amount,
			Account:     t.Account,
			CreateTime:  t.CreateTime,
			PerformTime: t.PerformTime,
			CancelTime:  t.CancelTime,
			Transaction: t.ID.String(),
			State:       t.State,
			Reason:      t.Reason,
		})
	}
	return out, nil
}

func (s *Service) lookupTx(ctx context.Context, tx pgx.Tx, id string) (*models.GatewayTransaction, error) {
	t, err := s.txs.GetByProviderIDForUpdate(ctx, tx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, newError(CodeTxNotFound, "id")
	}
	return t, err
}

func (s *Service) expired(t *models.GatewayTransaction) bool {
	return s.nowMillis()-t.CreateTime > s.timeout.Milliseconds()
}

// expireTx cancels t for timeout and returns the error the caller answers with. The
// cancellation is committed.
func (s *Service) expireTx(ctx context.Context, tx pgx.Tx, t *models.GatewayTransaction) error {
	if err := s.cancelExpiredTx(ctx, tx, t); err != nil {
		return err
	}
	return keepWrites{newError(CodeCannotPerform, "id")}
}

func (s *Service) cancelExpiredTx(ctx context.Context, tx pgx.Tx, t *models.GatewayTransaction) error {
	reason := models.GatewayReasonTimeout
	t.State = models.GatewayStateCancelledBeforePerform
	t.Reason = &reason
	t.CancelTime = s.nowMillis()
	s.log.Warn("gateway transaction expired", "provider_id", t.ProviderID, "deal_id", t.DealID)
	return s.txs.UpdateTx(ctx, tx, t)
}

// withTransaction serializes calls for one provider id and runs fn in a transaction.
func (s *Service) withTransaction(ctx context.Context, providerID string, fn func(tx pgx.Tx) error) error {
	return lock.With(ctx, s.locker, lock.GatewayKey(providerID), func() error {
		return s.inTx(ctx, fn)
	})
}

// inTx commits when fn succeeds or fails with keepWrites, and rolls back otherwise.
func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = fn(tx)
	var keep keepWrites
	switch {
	case errors.As(err, &keep):
		if cerr := tx.Commit(ctx); cerr != nil {
			return cerr
		}
		return keep.RPCError
	case err != nil:
		return err
	}
	return tx.Commit(ctx)
}

func (s *Service) nowMillis() int64 {
	return s.now().UnixMilli()
}

func createResult(t *models.GatewayTransaction) *CreateResult {
	return &CreateResult{CreateTime: t.CreateTime, Transaction: t.ID.String(), State: t.State}
}

func performResult(t *models.GatewayTransaction) *PerformResult {
	return &PerformResult{Transaction: t.ID.String(), PerformTime: t.PerformTime, State: t.State}
}

func cancelResult(t *models.GatewayTransaction) *CancelResult {
	return &CancelResult{Transaction: t.ID.String(), CancelTime: t.CancelTime, State: t.State}
}

func gatewayKey(providerID, step string) string {
	return "gateway:" + providerID + ":" + step
}
