// Package commission runs the pay-later commission flow: the specialist gets a one-time
// code when the job is done, the client confirms it, and the confirmation charges the
// specialist the priced commission.
package commission

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/profimatch/backend/internal/ledger"
	"github.com/profimatch/backend/internal/lock"
	"github.com/profimatch/backend/internal/models"
	"github.com/profimatch/backend/internal/pricing"
	"github.com/profimatch/backend/internal/repository"
)

const codeDigits = 6

var (
	ErrDealNotFound     = errors.New("deal not found")
	ErrNotSpecialist    = errors.New("only the deal's specialist can issue a code")
	ErrNotClient        = errors.New("only the deal's client can confirm a code")
	ErrNotConfirmable   = errors.New("deal does not accept commission codes")
	ErrAlreadyConfirmed = errors.New("commission already confirmed")
	ErrNoCode           = errors.New("no code issued for this deal")
	ErrInvalidCode      = errors.New("invalid confirmation code")
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Codes interface {
	GetByDealForUpdate(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) (*models.CommissionCode, error)
	UpsertTx(ctx context.Context, tx pgx.Tx, c *models.CommissionCode) error
	ConfirmTx(ctx context.Context, tx pgx.Tx, c *models.CommissionCode) error
}

type Deals interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Deal, error)
	UpdateStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error
}

type Ledger interface {
	ApplyTx(ctx context.Context, tx pgx.Tx, req ledger.ApplyRequest) (*models.LedgerEntry, error)
}

type Pricer interface {
	Price(in pricing.Input) int64
}

// TierFunc reports a specialist's tier for the tier discount.
type TierFunc func(ctx context.Context, specialistID uuid.UUID) string

// Confirmation is the outcome of Confirm. Applied is false on a repeated confirm.
type Confirmation struct {
	DealID      uuid.UUID  `json:"deal_id"`
	Amount      int64      `json:"amount"`
	EntryID     *uuid.UUID `json:"entry_id,omitempty"`
	ConfirmedAt time.Time  `json:"confirmed_at"`
	Applied     bool       `json:"applied"`
}

type Service struct {
	db         TxBeginner
	codes      Codes
	deals      Deals
	ledger     Ledger
	pricer     Pricer
	locker     lock.Locker
	tierOf     TierFunc
	bcryptCost int
	now        func() time.Time
	log        *slog.Logger
}

func NewService(db TxBeginner, codes Codes, deals Deals, l Ledger, pricer Pricer, locker lock.Locker, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		db:         db,
		codes:      codes,
		deals:      deals,
		ledger:     l,
		pricer:     pricer,
		locker:     locker,
		tierOf:     func(context.Context, uuid.UUID) string { return models.TierNew },
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
		log:        log,
	}
}

// SetTierFunc replaces the tier lookup. Without one every specialist is priced as NEW.
func (s *Service) SetTierFunc(fn TierFunc) {
	s.tierOf = fn
}

// IssueCode generates a confirmation code for the deal and returns it in plain text.
// Only its hash is kept; issuing again replaces an unconfirmed code.
func (s *Service) IssueCode(ctx context.Context, dealID, specialistID uuid.UUID) (string, error) {
	code, err := randomCode()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash code: %w", err)
	}

	err = s.withDeal(ctx, dealID, func(tx pgx.Tx, deal *models.Deal) error {
		if err := confirmable(deal); err != nil {
			return err
		}
		if deal.SpecialistID != specialistID {
			return ErrNotSpecialist
		}
		c := &models.CommissionCode{DealID: dealID, SpecialistID: specialistID, CodeHash: string(hash)}
		if err := s.codes.UpsertTx(ctx, tx, c); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrAlreadyConfirmed
			}
			return err
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// Confirm checks the client's code and charges the specialist the COMMISSION price,
// overdraft allowed, then completes the deal.
func (s *Service) Confirm(ctx context.Context, dealID, clientID uuid.UUID, code string) (*Confirmation, error) {
	var out *Confirmation
	err := s.withDeal(ctx, dealID, func(tx pgx.Tx, deal *models.Deal) error {
		if deal.ClientID != clientID {
			return ErrNotClient
		}
		c, err := s.codes.GetByDealForUpdate(ctx, tx, dealID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNoCode
		}
		if err != nil {
			return err
		}
		if bcrypt.CompareHashAndPassword([]byte(c.CodeHash), []byte(code)) != nil {
			return ErrInvalidCode
		}
		if c.ConfirmedAt != nil {
			out = confirmation(c, false)
			return nil
		}
		if deal.Status != models.DealPendingPayment {
			return fmt.Errorf("%w: %s", ErrNotConfirmable, deal.Status)
		}

		amount := s.pricer.Price(pricing.Input{
			CategoryID: deal.CategoryID,
			District:   deal.District,
			ChargeType: models.ChargeTypeCommission,
			Budget:     deal.Budget,
			Tier:       s.tierOf(ctx, deal.SpecialistID),
		})
		if amount > 0 {
			entry, err := s.ledger.ApplyTx(ctx, tx, ledger.ApplyRequest{
				OwnerID:        deal.SpecialistID,
				Amount:         -amount,
				Kind:           models.EntryChargeCommission,
				Description:    "Commission for completed deal",
				IdempotencyKey: "commission:" + dealID.String(),
				Metadata:       map[string]string{"deal_id": dealID.String()},
				AllowOverdraft: true,
			})
			if err != nil {
				return err
			}
			c.EntryID = &entry.ID
		}
		at := s.now()
		c.Amount = amount
		c.ConfirmedAt = &at
		if err := s.codes.ConfirmTx(ctx, tx, c); err != nil {
			return err
		}
		if err := s.deals.UpdateStatusTx(ctx, tx, dealID, models.DealCompleted); err != nil {
			return err
		}
		out = confirmation(c, true)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Applied {
		s.log.Info("commission confirmed", "deal_id", dealID, "amount", out.Amount)
	}
	return out, nil
}

// withDeal locks the deal row, then the deal key, runs fn and commits. Every path that
// holds both takes the row first.
func (s *Service) withDeal(ctx context.Context, dealID uuid.UUID, fn func(tx pgx.Tx, deal *models.Deal) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	deal, err := s.deals.GetByIDForUpdate(ctx, tx, dealID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrDealNotFound
	}
	if err != nil {
		return err
	}
	return lock.With(ctx, s.locker, lock.DealKey(dealID), func() error {
		if err := fn(tx, deal); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

func confirmable(deal *models.Deal) error {
	switch deal.Status {
	case models.DealPendingPayment:
		return nil
	case models.DealCompleted:
		return ErrAlreadyConfirmed
	}
	return fmt.Errorf("%w: %s", ErrNotConfirmable, deal.Status)
}

func confirmation(c *models.CommissionCode, applied bool) *Confirmation {
	return &Confirmation{
		DealID:      c.DealID,
		Amount:      c.Amount,
		EntryID:     c.EntryID,
		ConfirmedAt: *c.ConfirmedAt,
		Applied:     applied,
	}
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
