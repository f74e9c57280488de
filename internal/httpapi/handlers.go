// Package httpapi exposes the settlement engine over HTTP
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	settlement "github.com/sappystick/SpatialMesh-AR-sub001"
)

// IdempotencyHeader carries the optional idempotency key of a payment request
const IdempotencyHeader = "Idempotency-Key"

var validatorInstance = validator.New()

// Service is the part of the engine the HTTP layer calls
type Service interface {
	CreatePaymentRequest(ctx context.Context, req settlement.PaymentRequest) (string, error)
	CheckPayment(paymentID string) settlement.Status
	Payment(paymentID string) (*settlement.Payment, bool)
	Withdraw(ctx context.Context, req settlement.WithdrawalRequest) (common.Hash, error)
	ActiveNetwork() settlement.Network
	PendingCount() int
}

type CreatePaymentRequest struct {
	UserID   string            `json:"userId" validate:"required,max=128"`
	Amount   string            `json:"amount" validate:"required,numeric"`
	Priority string            `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
	Metadata map[string]string `json:"metadata" validate:"max=32"`
}

type WithdrawalRequest struct {
	UserID    string `json:"userId" validate:"required,max=128"`
	Recipient string `json:"recipient" validate:"required,eth_addr"`
	Amount    string `json:"amount" validate:"required,numeric"`
}

type PaymentResponse struct {
	ID         string            `json:"id"`
	UserID     string            `json:"userId"`
	Amount     string            `json:"amount"`
	Network    string            `json:"network"`
	Status     string            `json:"status"`
	TxHash     string            `json:"txHash,omitempty"`
	Nonce      uint64            `json:"nonce"`
	GasPrice   string            `json:"gasPrice,omitempty"`
	RetryCount int               `json:"retryCount"`
	CreatedAt  time.Time         `json:"createdAt"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handlers serves the settlement API
type Handlers struct {
	Service Service
}

// CreatePayment submits a payment and answers 201 with its id
func (h *Handlers) CreatePayment(c *fiber.Ctx) error {
	body := new(CreatePaymentRequest)
	if err := c.BodyParser(body); err != nil {
		return badRequest(c, err)
	}
	if err := validatorInstance.Struct(body); err != nil {
		return badRequest(c, err)
	}
	amount, err := decimal.NewFromString(body.Amount)
	if err != nil {
		return badRequest(c, err)
	}
	priority, err := settlement.ParsePriority(body.Priority)
	if err != nil {
		return badRequest(c, err)
	}

	id, err := h.Service.CreatePaymentRequest(c.UserContext(), settlement.PaymentRequest{
		UserID:         body.UserID,
		Amount:         amount,
		Priority:       priority,
		Metadata:       body.Metadata,
		IdempotencyKey: strings.TrimSpace(c.Get(IdempotencyHeader)),
	})
	if err != nil {
		return fail(c, err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"id":     id,
		"status": h.Service.CheckPayment(id).String(),
	})
}

// GetPayment returns a payment snapshot. A resubmitted payment reports the
// status of its replacement.
func (h *Handlers) GetPayment(c *fiber.Ctx) error {
	id := c.Params("id")
	p, ok := h.Service.Payment(id)
	if !ok {
		return c.Status(http.StatusNotFound).JSON(ErrorResponse{
			Code:    "payment_not_found",
			Message: "payment " + id + " not found",
		})
	}

	resp := PaymentResponse{
		ID:         p.ID,
		UserID:     p.UserID,
		Amount:     p.Amount.String(),
		Network:    p.Network.String(),
		Status:     h.Service.CheckPayment(id).String(),
		Nonce:      p.Nonce,
		RetryCount: p.RetryCount,
		CreatedAt:  p.CreatedAt,
		Metadata:   p.Metadata,
	}
	if p.TxHash != nil {
		resp.TxHash = p.TxHash.Hex()
	}
	if p.GasPrice != nil {
		resp.GasPrice = p.GasPrice.String()
	}
	return c.Status(http.StatusOK).JSON(resp)
}

// Withdraw submits a withdrawal and answers 202 with the transaction hash
func (h *Handlers) Withdraw(c *fiber.Ctx) error {
	body := new(WithdrawalRequest)
	if err := c.BodyParser(body); err != nil {
		return badRequest(c, err)
	}
	if err := validatorInstance.Struct(body); err != nil {
		return badRequest(c, err)
	}
	amount, err := decimal.NewFromString(body.Amount)
	if err != nil {
		return badRequest(c, err)
	}

	hash, err := h.Service.Withdraw(c.UserContext(), settlement.WithdrawalRequest{
		UserID:    body.UserID,
		Recipient: common.HexToAddress(body.Recipient),
		Amount:    amount,
	})
	if err != nil {
		return fail(c, err)
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{
		"txHash": hash.Hex(),
	})
}

// Network reports the active network and the number of pending payments
func (h *Handlers) Network(c *fiber.Ctx) error {
	network := h.Service.ActiveNetwork()
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"network": network.String(),
		"chainId": network.ChainID(),
		"pending": h.Service.PendingCount(),
	})
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(http.StatusBadRequest).JSON(ErrorResponse{
		Code:    "invalid_request",
		Message: err.Error(),
	})
}

func fail(c *fiber.Ctx, err error) error {
	code := settlement.ErrorCode(err)
	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		logger.WithFields(logger.Fields{
			"method": c.Method(),
			"path":   c.Path(),
			"status": status,
			"code":   code,
			"error":  err,
		}).Warn("request failed")
	}
	return c.Status(status).JSON(ErrorResponse{
		Code:    code,
		Message: err.Error(),
	})
}

// StatusCode maps an engine error to an HTTP status
func StatusCode(err error) int {
	switch settlement.ErrorCode(err) {
	case "invalid_amount", "invalid_user_id", "invalid_recipient", "unknown_network":
		return http.StatusBadRequest
	case "insufficient_balance", "insufficient_balance_for_fee":
		return http.StatusPaymentRequired
	case "duplicate_payment":
		return http.StatusConflict
	case "payment_not_found":
		return http.StatusNotFound
	case "gas_price_too_high", "transaction_submission_failed":
		return http.StatusBadGateway
	case "timeout":
		return http.StatusGatewayTimeout
	case "network_unavailable", "engine_not_started", "engine_closed":
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) {
		return 499
	}
	return http.StatusInternalServerError
}
