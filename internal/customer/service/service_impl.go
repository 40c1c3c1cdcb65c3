package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hookwise/entitled/internal/customer/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("customer.service"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) ResolveOrCreate(ctx context.Context, tenantID snowflake.ID, externalCustomerID, email string) (*domain.Customer, error) {
	externalCustomerID = strings.TrimSpace(externalCustomerID)
	if externalCustomerID == "" {
		return nil, errors.New("external_customer_id_required")
	}

	existing, err := s.repo.FindByExternalID(ctx, s.db, tenantID, externalCustomerID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	customer := domain.Customer{
		ID:                 s.genID.Generate(),
		TenantID:           tenantID,
		ExternalCustomerID: externalCustomerID,
		Email:              strings.TrimSpace(email),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	inserted, err := s.repo.Insert(ctx, s.db, &customer)
	if err != nil {
		return nil, err
	}
	if inserted {
		return &customer, nil
	}

	// Lost the insert race; the winner's row is authoritative.
	existing, err = s.repo.FindByExternalID(ctx, s.db, tenantID, externalCustomerID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, errors.New("customer_not_found")
	}
	return existing, nil
}
