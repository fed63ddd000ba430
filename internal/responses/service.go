// Package responses charges specialists for responding to a client's request and
// records when the client views the response.
package responses

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/profimatch/backend/internal/ledger"
	"github.com/profimatch/backend/internal/lock"
	"github.com/profimatch/backend/internal/models"
	"github.com/profimatch/backend/internal/pricing"
	"github.com/profimatch/backend/internal/repository"
)

var (
	ErrNotFound          = errors.New("response not found")
	ErrRequestNotFound   = errors.New("request not found")
	ErrRequestClosed     = errors.New("request is closed")
	ErrAlreadyResponded  = errors.New("specialist already responded to this request")
	ErrInvalidTariffType = errors.New("tariff type must be RESPONSE or COMMISSION")
	ErrSelfResponse      = errors.New("client cannot respond to their own request")
	ErrNotClient         = errors.New("only the request's client can view the response")
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Repo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, r *models.Response) error
	CountByRequestTx(ctx context.Context, tx pgx.Tx, requestID uuid.UUID) (int, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Response, error)
	MarkViewed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Requests reads the client request being responded to.
type Requests interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.ServiceRequest, error)
}

type Ledger interface {
	ApplyTx(ctx context.Context, tx pgx.Tx, req ledger.ApplyRequest) (*models.LedgerEntry, error)
}

type Pricer interface {
	Price(in pricing.Input) int64
}

// TierFunc reports a specialist's tier for the tier discount.
type TierFunc func(ctx context.Context, specialistID uuid.UUID) string

// ChargeRequest identifies a specialist responding to a request. ID may be set by the
// caller so a retried charge hits the same idempotency key. Everything the price
// depends on is read from the stored request.
type ChargeRequest struct {
	ID           uuid.UUID
	RequestID    uuid.UUID
	SpecialistID uuid.UUID
}

type Service struct {
	db       TxBeginner
	repo     Repo
	requests Requests
	ledger   Ledger
	pricer   Pricer
	locker   lock.Locker
	tierOf   TierFunc
	now      func() time.Time
	log      *slog.Logger
}

func NewService(db TxBeginner, repo Repo, requests Requests, l Ledger, pricer Pricer, locker lock.Locker, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		db:       db,
		repo:     repo,
		requests: requests,
		ledger:   l,
		pricer:   pricer,
		locker:   locker,
		tierOf:   func(context.Context, uuid.UUID) string { return models.TierNew },
		now:      time.Now,
		log:      log,
	}
}

// SetTierFunc replaces the tier lookup. Without one every specialist is priced as NEW.
func (s *Service) SetTierFunc(fn TierFunc) {
	s.tierOf = fn
}

// Charge records the response and, under the request's RESPONSE tariff, debits the
// specialist the priced amount. COMMISSION responses are free now and paid on
// completion. The request row is locked so the competition count is exact.
func (s *Service) Charge(ctx context.Context, req ChargeRequest) (*models.Response, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	sr, err := s.requests.GetByIDForUpdate(ctx, tx, req.RequestID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	if sr.Status != models.RequestOpen {
		return nil, ErrRequestClosed
	}
	if sr.TariffType != models.ChargeTypeResponse && sr.TariffType != models.ChargeTypeCommission {
		return nil, ErrInvalidTariffType
	}
	if sr.ClientID == req.SpecialistID {
		return nil, ErrSelfResponse
	}

	var price int64
	if sr.TariffType == models.ChargeTypeResponse {
		competing, err := s.repo.CountByRequestTx(ctx, tx, sr.ID)
		if err != nil {
			return nil, err
		}
		price = s.pricer.Price(pricing.Input{
			CategoryID: sr.CategoryID,
			District:   sr.District,
			ChargeType: models.ChargeTypeResponse,
			Budget:     sr.Budget,
			Competing:  competing,
			Tier:       s.tierOf(ctx, req.SpecialistID),
		})
	}

	resp := &models.Response{
		ID:           req.ID,
		RequestID:    sr.ID,
		ClientID:     sr.ClientID,
		SpecialistID: req.SpecialistID,
		TariffType:   sr.TariffType,
		PricePaid:    price,
	}
	if err := s.repo.CreateTx(ctx, tx, resp); err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, ErrAlreadyResponded
		}
		return nil, err
	}
	if price > 0 {
		if _, err := s.ledger.ApplyTx(ctx, tx, ledger.ApplyRequest{
			OwnerID:        req.SpecialistID,
			Amount:         -price,
			Kind:           models.EntryChargeResponse,
			Description:    "Charge for responding to a request",
			IdempotencyKey: "response:" + resp.ID.String(),
			Metadata:       map[string]string{"response_id": resp.ID.String(), "request_id": sr.ID.String()},
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return resp, nil
}

// MarkViewed stamps the first time the client opened the response. A viewed response
// is never refunded.
func (s *Service) MarkViewed(ctx context.Context, responseID, clientID uuid.UUID) error {
	return lock.With(ctx, s.locker, lock.ResponseKey(responseID), func() error {
		resp, err := s.repo.GetByID(ctx, responseID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if resp.ClientID != clientID {
			return ErrNotClient
		}
		return s.repo.MarkViewed(ctx, responseID, s.now())
	})
}
