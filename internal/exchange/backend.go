package exchange

import (
	"context"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/copy-trader/internal/errors"
	"github.com/copy-trader/internal/logging"
	"github.com/copy-trader/internal/types"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// TxStatus is the execution backend's view of a submitted signature.
type TxStatus string

const (
	// StatusUnknown means the backend has no record of the signature.
	StatusUnknown TxStatus = "unknown"
	// StatusPending means the trade was submitted but not yet confirmed.
	StatusPending TxStatus = "pending"
	// StatusConfirmed means the trade landed and the fill is final.
	StatusConfirmed TxStatus = "confirmed"
	// StatusFailed means the trade was submitted and definitively failed.
	StatusFailed TxStatus = "failed"
)

// Fill is the realized outcome of an executed trade. Amounts are what
// actually filled, which can differ from the intent within slippage.
type Fill struct {
	Signature     string          `json:"signature"`
	AmountToken   int64           `json:"amount_token"` // raw token units
	AmountSol     int64           `json:"amount_sol"`   // lamports
	PricePerToken decimal.Decimal `json:"price_per_token"`
}

// Backend executes trade intents. Swap construction, routing and signing
// live behind this boundary; callers only see realized fills and
// signature statuses. The intent's source signature doubles as the
// idempotency key: TradeStatus answers for it even when the submit
// response was lost in flight.
type Backend interface {
	SubmitTrade(ctx context.Context, intent *types.TradeIntent) (*Fill, error)
	TradeStatus(ctx context.Context, sourceSignature string) (TxStatus, *Fill, error)
}

// HTTPBackend submits intents to an external execution service over
// HTTP. The service owns keys and swap routing; this client only
// classifies its answers into transient and permanent failures.
type HTTPBackend struct {
	client *resty.Client
	logger *logging.Logger
}

// NewHTTPBackend creates an execution backend client for the given
// service URL.
func NewHTTPBackend(baseURL string, logger *logging.Logger) (*HTTPBackend, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("execution service URL cannot be empty")
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(60 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &HTTPBackend{client: client, logger: logger}, nil
}

type submitResponse struct {
	Fill  *Fill  `json:"fill"`
	Error string `json:"error,omitempty"`
}

// SubmitTrade sends one intent for execution and returns the realized
// fill. Network errors and 5xx/429 answers are transient; any other
// non-2xx answer is a permanent refusal.
func (b *HTTPBackend) SubmitTrade(ctx context.Context, intent *types.TradeIntent) (*Fill, error) {
	var result submitResponse

	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(intent).
		SetResult(&result).
		SetError(&result).
		Post("/api/v1/trades")
	if err != nil {
		return nil, apperrors.NewTransientExecutionError("trade submission", err)
	}

	switch {
	case resp.IsSuccess():
		if result.Fill == nil || result.Fill.Signature == "" {
			return nil, apperrors.NewPermanentExecutionError("execution service returned no fill", nil)
		}
		return result.Fill, nil
	case resp.StatusCode() >= http.StatusInternalServerError || resp.StatusCode() == http.StatusTooManyRequests:
		return nil, apperrors.NewTransientExecutionError("trade submission",
			fmt.Errorf("execution service returned HTTP %d: %s", resp.StatusCode(), result.Error))
	default:
		return nil, apperrors.NewPermanentExecutionError(
			fmt.Sprintf("execution service refused trade: %s", result.Error),
			fmt.Errorf("HTTP %d", resp.StatusCode()))
	}
}

type statusResponse struct {
	Status TxStatus `json:"status"`
	Fill   *Fill    `json:"fill,omitempty"`
}

// TradeStatus asks the execution service what became of a previously
// submitted intent, keyed by its source signature. Unknown means the
// service never saw the intent and a fresh submit is safe.
func (b *HTTPBackend) TradeStatus(ctx context.Context, sourceSignature string) (TxStatus, *Fill, error) {
	var result statusResponse

	resp, err := b.client.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/v1/trades/" + sourceSignature)
	if err != nil {
		return StatusUnknown, nil, apperrors.NewTransientExecutionError("status query", err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return StatusUnknown, nil, nil
	case resp.IsSuccess():
		return result.Status, result.Fill, nil
	default:
		return StatusUnknown, nil, apperrors.NewTransientExecutionError("status query",
			fmt.Errorf("execution service returned HTTP %d", resp.StatusCode()))
	}
}
