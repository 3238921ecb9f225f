package square

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sq "github.com/square/square-go-sdk"
	sqclient "github.com/square/square-go-sdk/client"
	sqcore "github.com/square/square-go-sdk/core"
	sqoption "github.com/square/square-go-sdk/option"

	"github.com/angelmondragon/recurring-billing/pkg/config"
	pkgerrors "github.com/angelmondragon/recurring-billing/pkg/errors"
	"github.com/angelmondragon/recurring-billing/pkg/logger"
)

const (
	sandboxEnv    = "sandbox"
	productionEnv = "production"
)

var (
	errAccessTokenRequired = errors.New("square access token is required")
	errLocationRequired    = errors.New("square location id is required")
	errInvalidSquareEnv    = fmt.Errorf("square environment must be %q or %q", sandboxEnv, productionEnv)
	errLoggerRequired      = errors.New("square logger is required")
)

var baseURLs = map[string]string{
	sandboxEnv:    "https://connect.squareupsandbox.com",
	productionEnv: "https://connect.squareup.com",
}

// DeclineDetails is attached to CodeGatewayDecline errors.
type DeclineDetails struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// Client wraps the Square Payments API with request logging and error mapping.
type Client struct {
	sdk         *sqclient.Client
	environment string
	locationID  string
	baseURL     string
	logger      *logger.Logger
}

// NewClient validates the gateway credentials and builds the SDK client.
func NewClient(ctx context.Context, cfg config.GatewayConfig, logg *logger.Logger) (*Client, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}
	accessToken := strings.TrimSpace(cfg.AccessToken)
	if accessToken == "" {
		return nil, errAccessTokenRequired
	}
	locationID := strings.TrimSpace(cfg.LocationID)
	if locationID == "" {
		return nil, errLocationRequired
	}

	c := newClient(baseURLs[env], accessToken, locationID, &http.Client{Timeout: cfg.Timeout}, logg)
	c.environment = env
	logg.Info(logg.WithField(ctx, "square_env", env), "square client initialized")
	return c, nil
}

func newClient(baseURL, accessToken, locationID string, httpClient *http.Client, logg *logger.Logger) *Client {
	opts := []sqoption.RequestOption{
		sqoption.WithBaseURL(baseURL),
		sqoption.WithToken(accessToken),
	}
	if httpClient != nil {
		opts = append(opts, sqoption.WithHTTPClient(httpClient))
	}
	return &Client{
		sdk:        sqclient.NewClient(opts...),
		locationID: locationID,
		baseURL:    baseURL,
		logger:     logg,
	}
}

// Environment reports the normalized Square environment.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// LocationID is the merchant location payments are booked against.
func (c *Client) LocationID() string {
	if c == nil {
		return ""
	}
	return c.locationID
}

// CreatePayment charges a stored card. The idempotency key is mandatory so a
// resubmission of the same charge never produces a second payment.
func (c *Client) CreatePayment(ctx context.Context, params PaymentCreateParams) (*sq.Payment, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if params.LocationID == "" {
		params.LocationID = c.locationID
	}
	req := params.toSquareRequest()
	c.log(ctx, "request", "create_payment", map[string]any{
		"location_id":     params.LocationID,
		"customer_id":     params.CustomerID,
		"source_id":       params.SourceID,
		"amount":          params.AmountCents,
		"reference_id":    params.ReferenceID,
		"idempotency_key": params.IdempotencyKey,
	})

	resp, err := c.sdk.Payments.Create(ctx, req)
	if err != nil {
		mapped := c.mapSquareError(err, "create payment")
		c.log(ctx, "error", "create_payment", map[string]any{
			"error":      err.Error(),
			"error_code": pkgerrors.CodeOf(mapped),
		})
		return nil, mapped
	}

	payment := resp.GetPayment()
	c.log(ctx, "response", "create_payment", map[string]any{
		"payment_id": stringValue(payment.GetID()),
		"status":     stringValue(payment.GetStatus()),
	})
	return payment, nil
}

func (c *Client) log(ctx context.Context, phase, op string, fields map[string]any) {
	if c == nil || c.logger == nil {
		return
	}
	logFields := map[string]any{
		"operation": op,
		"phase":     phase,
	}
	for k, v := range fields {
		logFields[k] = redact(k, v)
	}
	ctx = c.logger.WithFields(ctx, logFields)
	switch phase {
	case "error":
		c.logger.Warn(ctx, fmt.Sprintf("square %s failed", op))
	default:
		c.logger.Debug(ctx, fmt.Sprintf("square %s", phase))
	}
}

func redact(key string, value any) any {
	lower := strings.ToLower(key)
	for _, sensitive := range []string{"card", "nonce", "token", "source", "cvv", "cvc", "secret", "email", "phone"} {
		if strings.Contains(lower, sensitive) {
			return "[REDACTED]"
		}
	}
	return value
}

// mapSquareError sorts SDK failures into declines (terminal for the attempt),
// transient transport or server errors (retryable) and everything else.
func (c *Client) mapSquareError(err error, op string) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf("square %s failed", op)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return pkgerrors.Wrap(pkgerrors.CodeGatewayTransient, err, message)
	}

	var apiErr *sqcore.APIError
	if errors.As(err, &apiErr) {
		code := domainCodeForStatus(apiErr.StatusCode)
		for _, sqErr := range extractSquareErrors(apiErr) {
			if sqErr == nil {
				continue
			}
			if sqErr.Category == sq.ErrorCategoryPaymentMethodError {
				return pkgerrors.Wrap(pkgerrors.CodeGatewayDecline, err, message).WithDetails(DeclineDetails{
					Code:   string(sqErr.Code),
					Detail: stringValue(sqErr.Detail),
				})
			}
			if sqErr.Code == sq.ErrorCodeIdempotencyKeyReused {
				code = pkgerrors.CodeIdempotency
				break
			}
			if sqErr.Category == sq.ErrorCategoryAuthenticationError {
				code = pkgerrors.CodeUnauthorized
				break
			}
		}
		return pkgerrors.Wrap(code, err, message)
	}

	// Anything without an API response is a transport failure.
	return pkgerrors.Wrap(pkgerrors.CodeGatewayTransient, err, message)
}

func extractSquareErrors(apiErr *sqcore.APIError) []*sq.Error {
	if apiErr == nil {
		return nil
	}
	inner := apiErr.Unwrap()
	if inner == nil {
		return nil
	}
	raw := strings.TrimSpace(inner.Error())
	if raw == "" {
		return nil
	}
	var payload struct {
		Errors []*sq.Error `json:"errors"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil
	}
	return payload.Errors
}

func domainCodeForStatus(status int) pkgerrors.Code {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return pkgerrors.CodeUnauthorized
	case status == http.StatusNotFound:
		return pkgerrors.CodeNotFound
	case status == http.StatusConflict:
		return pkgerrors.CodeConflict
	case status == http.StatusTooManyRequests:
		return pkgerrors.CodeRateLimit
	case status == http.StatusRequestTimeout:
		return pkgerrors.CodeGatewayTransient
	case status == http.StatusUnprocessableEntity:
		return pkgerrors.CodeStateConflict
	case status >= 400 && status < 500:
		return pkgerrors.CodeValidation
	default:
		return pkgerrors.CodeGatewayTransient
	}
}

func stringValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = sandboxEnv
	}
	switch env {
	case sandboxEnv, productionEnv:
		return env, nil
	default:
		return "", errInvalidSquareEnv
	}
}
