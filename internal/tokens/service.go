package tokens

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/recurring-billing/pkg/db"
	"github.com/angelmondragon/recurring-billing/pkg/db/models"
	pkgerrors "github.com/angelmondragon/recurring-billing/pkg/errors"
	"github.com/angelmondragon/recurring-billing/pkg/logger"
)

// ErrNoActiveToken is returned when an account has no usable payment method.
var ErrNoActiveToken = pkgerrors.New(pkgerrors.CodeConfiguration, "no active payment method")

// brandRe admits network names such as VISA or AMERICAN_EXPRESS. Digits are
// refused so a card number can never land in card_brand.
var brandRe = regexp.MustCompile(`^[A-Za-z][A-Za-z _-]*$`)

// MaskedMeta is the only card data the store accepts.
type MaskedMeta struct {
	Brand    string `validate:"omitempty,max=32,cardbrand"`
	Last4    string `validate:"omitempty,len=4,numeric"`
	ExpMonth int    `validate:"omitempty,min=1,max=12"`
	ExpYear  int    `validate:"omitempty,min=2000,max=2100"`
}

// StoreInput registers a freshly vaulted payment method.
type StoreInput struct {
	AccountID         uuid.UUID `validate:"required"`
	Purpose           string    `validate:"omitempty,max=64"`
	GatewayToken      string    `validate:"required,max=255"`
	GatewayCustomerID string    `validate:"omitempty,max=255"`
	Meta              MaskedMeta
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service is the customer token store.
type Service interface {
	Store(ctx context.Context, input StoreInput) (*models.CustomerToken, error)
	GetActive(ctx context.Context, accountID uuid.UUID) (*models.CustomerToken, error)
	GetActiveForPurpose(ctx context.Context, accountID uuid.UUID, purpose string) (*models.CustomerToken, error)
	Get(ctx context.Context, tokenID uuid.UUID) (*models.CustomerToken, error)
	Deactivate(ctx context.Context, tokenID uuid.UUID) error
	UpdateMaskedMeta(ctx context.Context, gatewayToken string, meta MaskedMeta) (*models.CustomerToken, error)
}

// ServiceParams wires the token service.
type ServiceParams struct {
	Repo   Repository
	TX     txRunner
	Logger *logger.Logger
	Now    func() time.Time
}

type service struct {
	repo     Repository
	tx       txRunner
	logg     *logger.Logger
	now      func() time.Time
	validate *validator.Validate
}

func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "token repository required")
	}
	if params.TX == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	validate := validator.New()
	if err := validate.RegisterValidation("cardbrand", func(fl validator.FieldLevel) bool {
		return brandRe.MatchString(fl.Field().String())
	}); err != nil {
		return nil, fmt.Errorf("register cardbrand rule: %w", err)
	}
	return &service{
		repo:     params.Repo,
		tx:       params.TX,
		logg:     params.Logger,
		now:      now,
		validate: validate,
	}, nil
}

func (s *service) Store(ctx context.Context, input StoreInput) (*models.CustomerToken, error) {
	input.GatewayToken = strings.TrimSpace(input.GatewayToken)
	input.Purpose = strings.TrimSpace(input.Purpose)
	if input.Purpose == "" {
		input.Purpose = models.DefaultTokenPurpose
	}
	if err := s.validate.Struct(input); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid token input")
	}

	now := s.now().UTC()
	token := &models.CustomerToken{
		AccountID:    input.AccountID,
		Purpose:      input.Purpose,
		GatewayToken: input.GatewayToken,
		Active:       true,
	}
	applyMeta(token, input.Meta)
	if id := strings.TrimSpace(input.GatewayCustomerID); id != "" {
		token.GatewayCustomerID = &id
	}

	var replaced int64
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		n, err := repo.DeactivateActive(ctx, input.AccountID, input.Purpose, now)
		if err != nil {
			return err
		}
		replaced = n
		return repo.Create(ctx, token)
	})
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "gateway token already registered")
		}
		return nil, db.Classify(err, "store customer token")
	}

	logCtx := s.logg.WithAccountID(ctx, input.AccountID.String())
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"customer_token_id": token.ID.String(),
		"purpose":           token.Purpose,
		"replaced":          replaced,
	})
	s.logg.Info(logCtx, "customer token stored")
	return token, nil
}

func (s *service) GetActive(ctx context.Context, accountID uuid.UUID) (*models.CustomerToken, error) {
	return s.GetActiveForPurpose(ctx, accountID, models.DefaultTokenPurpose)
}

func (s *service) GetActiveForPurpose(ctx context.Context, accountID uuid.UUID, purpose string) (*models.CustomerToken, error) {
	if purpose == "" {
		purpose = models.DefaultTokenPurpose
	}
	token, err := s.repo.FindActive(ctx, accountID, purpose)
	if err != nil {
		return nil, db.Classify(err, "load active token")
	}
	if token == nil {
		return nil, ErrNoActiveToken
	}
	return token, nil
}

func (s *service) Get(ctx context.Context, tokenID uuid.UUID) (*models.CustomerToken, error) {
	token, err := s.repo.FindByID(ctx, tokenID)
	if err != nil {
		return nil, db.Classify(err, "load token")
	}
	if token == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "customer token not found")
	}
	return token, nil
}

// Deactivate is idempotent: an already inactive token is left as is.
func (s *service) Deactivate(ctx context.Context, tokenID uuid.UUID) error {
	token, err := s.Get(ctx, tokenID)
	if err != nil {
		return err
	}
	if !token.Active {
		return nil
	}
	if _, err := s.repo.Deactivate(ctx, tokenID, s.now().UTC()); err != nil {
		return db.Classify(err, "deactivate token")
	}
	s.logg.Info(s.logg.WithField(ctx, "customer_token_id", tokenID.String()), "customer token deactivated")
	return nil
}

func (s *service) UpdateMaskedMeta(ctx context.Context, gatewayToken string, meta MaskedMeta) (*models.CustomerToken, error) {
	if err := s.validate.Struct(meta); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid card metadata")
	}
	token, err := s.repo.FindByGatewayToken(ctx, strings.TrimSpace(gatewayToken))
	if err != nil {
		return nil, db.Classify(err, "load token by gateway token")
	}
	if token == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "customer token not found")
	}

	updates := map[string]any{}
	if meta.Brand != "" {
		updates["card_brand"] = meta.Brand
	}
	if meta.Last4 != "" {
		updates["card_last4"] = meta.Last4
	}
	if meta.ExpMonth != 0 {
		updates["card_exp_month"] = meta.ExpMonth
	}
	if meta.ExpYear != 0 {
		updates["card_exp_year"] = meta.ExpYear
	}
	if err := s.repo.UpdateMaskedMeta(ctx, token.ID, updates); err != nil {
		return nil, db.Classify(err, "update token metadata")
	}
	applyMeta(token, meta)
	return token, nil
}

func applyMeta(token *models.CustomerToken, meta MaskedMeta) {
	if meta.Brand != "" {
		brand := meta.Brand
		token.CardBrand = &brand
	}
	if meta.Last4 != "" {
		last4 := meta.Last4
		token.CardLast4 = &last4
	}
	if meta.ExpMonth != 0 {
		month := meta.ExpMonth
		token.CardExpMonth = &month
	}
	if meta.ExpYear != 0 {
		year := meta.ExpYear
		token.CardExpYear = &year
	}
}

// IsNoActiveToken reports the missing payment method condition.
func IsNoActiveToken(err error) bool {
	return errors.Is(err, ErrNoActiveToken)
}
