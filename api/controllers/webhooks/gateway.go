package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/angelmondragon/recurring-billing/api/responses"
	"github.com/angelmondragon/recurring-billing/internal/webhooks"
	"github.com/angelmondragon/recurring-billing/pkg/db/models"
	pkgerrors "github.com/angelmondragon/recurring-billing/pkg/errors"
	"github.com/angelmondragon/recurring-billing/pkg/logger"
)

const defaultMaxBodyBytes int64 = 1 << 20

// capturedHeaders lists the request headers persisted with each delivery.
var capturedHeaders = []string{"Content-Type", "User-Agent", "X-Request-Id", "X-Forwarded-For"}

type ingester interface {
	Ingest(ctx context.Context, raw []byte, meta webhooks.SourceMetadata) (*models.WebhookEvent, error)
}

type replayGuard interface {
	Seen(ctx context.Context, deliveryID string) (bool, error)
	Forget(ctx context.Context, deliveryID string) error
}

// GatewayWebhookParams wires the gateway webhook receiver. Guard is optional.
type GatewayWebhookParams struct {
	Service         ingester
	Guard           replayGuard
	Secret          string
	SignatureHeader string
	MaxBodyBytes    int64
	Logger          *logger.Logger
}

type deliveryResponse struct {
	EventID string `json:"event_id,omitempty"`
	Result  string `json:"result,omitempty"`
	Replay  bool   `json:"replay,omitempty"`
}

// GatewayWebhook verifies and ingests gateway notifications. Retryable
// failures answer 503 so the gateway redelivers; every other outcome is
// acknowledged with 200 once the signature checks out.
func GatewayWebhook(params GatewayWebhookParams) http.HandlerFunc {
	header := params.SignatureHeader
	if header == "" {
		header = "X-Gateway-Signature"
	}
	limit := params.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	logg := params.Logger

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if params.Service == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}
		if params.Secret == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook secret not configured"))
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "webhook body too large"))
				return
			}
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		signature := strings.TrimSpace(r.Header.Get(header))
		if signature == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "webhook signature missing"))
			return
		}
		if !validSignature(payload, params.Secret, signature) {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid webhook signature"))
			return
		}

		deliveryID := webhooks.DeliveryID(payload)
		if params.Guard != nil {
			seen, err := params.Guard.Seen(ctx, deliveryID)
			if err != nil {
				// the durable dedup key still protects the ledger
				if logg != nil {
					logg.Warn(logg.WithField(ctx, "error", err.Error()), "webhook replay guard unavailable")
				}
			} else if seen {
				responses.WriteSuccess(w, deliveryResponse{Replay: true})
				return
			}
		}

		event, err := params.Service.Ingest(ctx, payload, webhooks.SourceMetadata{
			IP:      sourceIP(r),
			Headers: collectHeaders(r),
		})
		if err != nil {
			if params.Guard != nil {
				_ = params.Guard.Forget(context.WithoutCancel(ctx), deliveryID)
			}
			if !pkgerrors.IsRetryable(err) {
				err = pkgerrors.Wrap(pkgerrors.CodeDependency, err, "webhook processing failed")
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}

		resp := deliveryResponse{EventID: event.ID.String()}
		if event.Result != nil {
			resp.Result = event.Result.String()
		}
		responses.WriteSuccess(w, resp)
	}
}

func validSignature(payload []byte, secret, header string) bool {
	if header == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(header)))
}

func sourceIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func collectHeaders(r *http.Request) map[string]string {
	out := make(map[string]string, len(capturedHeaders))
	for _, name := range capturedHeaders {
		if v := r.Header.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}
