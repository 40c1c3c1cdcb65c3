package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hookwise/entitled/internal/entitlement/domain"
	obsmetrics "github.com/hookwise/entitled/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Service is the single mutator of entitlement state.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("entitlement.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Grant(ctx context.Context, input domain.GrantInput) (*domain.Entitlement, error) {
	if err := validateGrant(&input); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	entitlement := domain.Entitlement{
		ID:               s.genID.Generate(),
		TenantID:         input.TenantID,
		CustomerID:       input.CustomerID,
		ProductID:        input.ProductID,
		PurchaseIntentID: input.PurchaseIntentID,
		PaymentID:        input.PaymentID,
		SubscriptionID:   input.SubscriptionID,
		Status:           domain.StatusActive,
		ExpiresAt:        input.ExpiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	inserted, err := s.repo.Insert(ctx, s.db, &entitlement)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// The unique (tenant, customer, product, purchase intent) index makes
		// grants once-only: a duplicate delivery surfaces as AlreadyGranted
		// and the router treats it as success.
		return nil, domain.ErrAlreadyGranted
	}

	s.obsMetrics.RecordEntitlementTransition(ctx, "granted")
	s.log.Info("entitlement granted",
		zap.String("entitlement_id", entitlement.ID.String()),
		zap.String("tenant_id", entitlement.TenantID.String()),
		zap.String("product_id", entitlement.ProductID),
		zap.Bool("subscription", entitlement.IsSubscription()),
	)
	return &entitlement, nil
}

func (s *Service) Renew(ctx context.Context, id snowflake.ID, newExpiresAt time.Time) error {
	entitlement, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if !entitlement.IsSubscription() {
		return domain.ErrNotSubscription
	}
	switch entitlement.Status {
	case domain.StatusActive:
	case domain.StatusRevoked:
		return domain.ErrInvalidTransition
	default:
		return domain.ErrInvalidTransition
	}

	expires := newExpiresAt.UTC()
	entitlement.ExpiresAt = &expires
	entitlement.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, s.db, entitlement); err != nil {
		return err
	}

	s.obsMetrics.RecordEntitlementTransition(ctx, "renewed")
	s.log.Info("entitlement renewed",
		zap.String("entitlement_id", id.String()),
		zap.Time("expires_at", expires),
	)
	return nil
}

func (s *Service) Suspend(ctx context.Context, id snowflake.ID, reason string) error {
	entitlement, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	// Suspending an already suspended or revoked entitlement is a no-op.
	if entitlement.Status != domain.StatusActive {
		return nil
	}

	entitlement.Status = domain.StatusSuspended
	entitlement.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, s.db, entitlement); err != nil {
		return err
	}

	s.obsMetrics.RecordEntitlementTransition(ctx, "suspended")
	s.log.Info("entitlement suspended",
		zap.String("entitlement_id", id.String()),
		zap.String("reason", reason),
	)
	return nil
}

func (s *Service) Reactivate(ctx context.Context, id snowflake.ID) error {
	entitlement, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	switch entitlement.Status {
	case domain.StatusActive:
		return nil
	case domain.StatusSuspended:
		entitlement.Status = domain.StatusActive
		entitlement.UpdatedAt = time.Now().UTC()
		if err := s.repo.Update(ctx, s.db, entitlement); err != nil {
			return err
		}
		s.obsMetrics.RecordEntitlementTransition(ctx, "reactivated")
		s.log.Info("entitlement reactivated", zap.String("entitlement_id", id.String()))
		return nil
	}
	// Revoked is terminal for ordinary reactivation; a won dispute goes
	// through ReinstateFromDispute instead.
	return domain.ErrInvalidTransition
}

func (s *Service) ReinstateFromDispute(ctx context.Context, id snowflake.ID) error {
	entitlement, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if entitlement.Status == domain.StatusActive {
		return nil
	}

	entitlement.Status = domain.StatusActive
	entitlement.RevokedReason = nil
	entitlement.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, s.db, entitlement); err != nil {
		return err
	}

	s.obsMetrics.RecordEntitlementTransition(ctx, "reinstated")
	s.log.Info("entitlement reinstated after dispute win",
		zap.String("entitlement_id", id.String()),
	)
	return nil
}

func (s *Service) Revoke(ctx context.Context, id snowflake.ID, reason string) error {
	entitlement, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if entitlement.Status == domain.StatusRevoked {
		return nil
	}

	reason = strings.TrimSpace(reason)
	entitlement.Status = domain.StatusRevoked
	entitlement.RevokedReason = &reason
	entitlement.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, s.db, entitlement); err != nil {
		return err
	}

	s.obsMetrics.RecordEntitlementTransition(ctx, "revoked")
	s.log.Info("entitlement revoked",
		zap.String("entitlement_id", id.String()),
		zap.String("reason", reason),
	)
	return nil
}

func (s *Service) FindBySubscriptionID(ctx context.Context, tenantID snowflake.ID, subscriptionID string) (*domain.Entitlement, error) {
	return s.repo.FindBySubscriptionID(ctx, s.db, tenantID, subscriptionID)
}

func (s *Service) FindByPaymentID(ctx context.Context, tenantID snowflake.ID, paymentID string) (*domain.Entitlement, error) {
	return s.repo.FindByPaymentID(ctx, s.db, tenantID, paymentID)
}

func (s *Service) load(ctx context.Context, id snowflake.ID) (*domain.Entitlement, error) {
	entitlement, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if entitlement == nil {
		return nil, domain.ErrNotFound
	}
	return entitlement, nil
}

func validateGrant(input *domain.GrantInput) error {
	input.ProductID = strings.TrimSpace(input.ProductID)
	input.PurchaseIntentID = strings.TrimSpace(input.PurchaseIntentID)
	input.PaymentID = strings.TrimSpace(input.PaymentID)
	if input.TenantID == 0 || input.CustomerID == 0 {
		return domain.ErrInvalidInput
	}
	if input.PurchaseIntentID == "" {
		return domain.ErrInvalidInput
	}
	if input.SubscriptionID != nil && strings.TrimSpace(*input.SubscriptionID) == "" {
		input.SubscriptionID = nil
	}
	return nil
}
