package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	apierrors "github.com/CedrosPay/accessgate/internal/errors"
	"github.com/CedrosPay/accessgate/internal/intents"
	"github.com/CedrosPay/accessgate/internal/logger"
	"github.com/CedrosPay/accessgate/internal/payments"
	"github.com/CedrosPay/accessgate/pkg/responders"
)

type createPaymentRequestBody struct {
	MerchantID string       `json:"merchantId"`
	ContentID  string       `json:"contentId"`
	Price      *json.Number `json:"price,omitempty"`    // atomic units
	Currency   string       `json:"currency,omitempty"` // SOL, USDC, PYUSD
	Duration   *int64       `json:"duration,omitempty"` // access window in seconds
}

type verifyPaymentBody struct {
	TxSignature string `json:"txSignature"`
	MerchantID  string `json:"merchantId"`
	ContentID   string `json:"contentId"`
	Async       bool   `json:"async,omitempty"`
}

type queuedResponse struct {
	Status      string `json:"status"`
	TxSignature string `json:"txSignature"`
}

type redeemTokenBody struct {
	Token string `json:"token"`
}

type redeemTokenResponse struct {
	AccessGranted bool   `json:"accessGranted"`
	MerchantID    string `json:"merchantId"`
	ContentID     string `json:"contentId,omitempty"`
	PaymentID     string `json:"paymentId,omitempty"`
}

func (h *handlers) createPaymentRequest(w http.ResponseWriter, r *http.Request) {
	var body createPaymentRequestBody
	if err := decodeJSON(r.Body, &body); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}

	req := intents.CreateIntentRequest{
		MerchantID:   strings.TrimSpace(body.MerchantID),
		ContentID:    strings.TrimSpace(body.ContentID),
		Currency:     strings.ToUpper(strings.TrimSpace(body.Currency)),
		DurationSecs: body.Duration,
	}
	if body.Price != nil {
		price, err := parsePrice(*body.Price)
		if err != nil {
			apierrors.WriteFromError(w, err)
			return
		}
		req.Price = &price
	}

	result, err := h.intents.CreateIntent(r.Context(), req)
	if err != nil {
		apierrors.WriteFromError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, result)
}

// parsePrice accepts a non-negative integer amount in atomic units.
func parsePrice(n json.Number) (uint64, error) {
	raw := n.String()
	if strings.HasPrefix(raw, "-") {
		return 0, apierrors.New(apierrors.ErrCodeInvalidAmount, "price must be non-negative")
	}
	price, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, apierrors.New(apierrors.ErrCodeInvalidAmount, "price must be an integer amount in atomic units")
	}
	return price, nil
}

func (h *handlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	var body verifyPaymentBody
	if err := decodeJSON(r.Body, &body); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	req := payments.VerifyRequest{
		TxSignature: strings.TrimSpace(body.TxSignature),
		MerchantID:  strings.TrimSpace(body.MerchantID),
		ContentID:   strings.TrimSpace(body.ContentID),
	}

	if body.Async && h.queue != nil {
		if err := h.queue.Enqueue(req); err != nil {
			apierrors.WriteFromError(w, err)
			return
		}
		log := logger.FromContext(r.Context())
		log.Info().
			Str("tx_signature", logger.TruncateAddress(req.TxSignature)).
			Msg("payment.verify.queued")
		responders.JSON(w, http.StatusAccepted, queuedResponse{Status: "queued", TxSignature: req.TxSignature})
		return
	}

	result, err := h.payments.VerifyPayment(r.Context(), req)
	if err != nil {
		apierrors.WriteFromError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, result)
}

func (h *handlers) paymentStatus(w http.ResponseWriter, r *http.Request) {
	signature := strings.TrimSpace(r.URL.Query().Get("tx"))
	if signature == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "tx query parameter is required")
		return
	}

	status, err := h.payments.GetPaymentStatus(r.Context(), signature)
	if err != nil {
		apierrors.WriteFromError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, status)
}

func (h *handlers) redeemToken(w http.ResponseWriter, r *http.Request) {
	var body redeemTokenBody
	if err := decodeJSON(r.Body, &body); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}

	redemption, err := h.tokens.RedeemToken(r.Context(), strings.TrimSpace(body.Token))
	if err != nil {
		apierrors.WriteFromError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, redeemTokenResponse{
		AccessGranted: true,
		MerchantID:    redemption.MerchantID,
		ContentID:     redemption.ContentID,
		PaymentID:     redemption.PaymentID,
	})
}
