// Package httpilp implements the HTTP encoding of the transfer contract:
// transfer fields travel as ILP-* headers, the opaque data payload as the
// request body, the fulfillment as a response header, and failures as a
// structured JSON error body.
package httpilp

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/payrelay/internal/transfer"
)

const (
	headerAmount      = "ILP-Amount"
	headerExpiry      = "ILP-Expiry"
	headerCondition   = "ILP-Condition"
	headerDestination = "ILP-Destination"
	headerFulfillment = "ILP-Fulfillment"
	headerExtPrefix   = "Ilp-Ext-"
)

// wireError is the JSON body of a failure response.
type wireError struct {
	Code        string    `json:"code"`
	Message     string    `json:"message"`
	TriggeredAt time.Time `json:"triggered_at"`
	Data        string    `json:"data,omitempty"`
}

func encodeError(err error) (int, wireError) {
	var perr *transfer.Error
	if e, ok := err.(*transfer.Error); ok {
		perr = e
	} else {
		perr = transfer.NewError(transfer.CodeInternalError, http.StatusInternalServerError, err.Error())
	}

	status := perr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	body := wireError{
		Code:        perr.Code,
		Message:     perr.Message,
		TriggeredAt: perr.TriggeredAt,
	}
	if len(perr.Data) > 0 {
		body.Data = base64.StdEncoding.EncodeToString(perr.Data)
	}
	return status, body
}

func decodeError(status int, body wireError) *transfer.Error {
	e := &transfer.Error{
		Code:        body.Code,
		Status:      status,
		Message:     body.Message,
		TriggeredAt: body.TriggeredAt,
	}
	if e.Code == "" {
		e.Code = transfer.CodeInternalError
	}
	if body.Data != "" {
		if data, err := base64.StdEncoding.DecodeString(body.Data); err == nil {
			e.Data = data
		}
	}
	return e
}

// setTransferHeaders writes a transfer's fields onto an outgoing request.
// Extension entries travel as Ilp-Ext-* headers, so their keys arrive
// MIME-canonicalized ("claim" is delivered as "Claim"); producers and
// consumers of extension fields must agree on canonical keys.
func setTransferHeaders(h http.Header, t *transfer.Transfer) {
	h.Set(headerAmount, t.Amount.String())
	h.Set(headerExpiry, t.Expiry.UTC().Format(time.RFC3339Nano))
	h.Set(headerDestination, t.Destination)
	if len(t.Condition) > 0 {
		h.Set(headerCondition, transfer.EncodeCondition(t.Condition))
	}
	for key, value := range t.Extensions {
		h.Set(headerExtPrefix+key, value)
	}
	h.Set("Content-Type", "application/octet-stream")
}

// parseTransfer reads a transfer from an incoming request's headers.
func parseTransfer(h http.Header, data []byte) (*transfer.Transfer, error) {
	amount, err := decimal.NewFromString(h.Get(headerAmount))
	if err != nil {
		return nil, transfer.NewError(transfer.CodeApplicationError, http.StatusBadRequest, "invalid or missing "+headerAmount)
	}

	expiry, err := time.Parse(time.RFC3339Nano, h.Get(headerExpiry))
	if err != nil {
		return nil, transfer.NewError(transfer.CodeApplicationError, http.StatusBadRequest, "invalid or missing "+headerExpiry)
	}

	t := &transfer.Transfer{
		Amount:      amount,
		Destination: h.Get(headerDestination),
		Expiry:      expiry,
		Data:        data,
	}

	if raw := h.Get(headerCondition); raw != "" {
		condition, err := transfer.DecodeCondition(raw)
		if err != nil {
			return nil, transfer.NewError(transfer.CodeApplicationError, http.StatusBadRequest, "invalid "+headerCondition)
		}
		t.Condition = condition
	}

	for key, values := range h {
		if strings.HasPrefix(key, headerExtPrefix) && len(values) > 0 {
			if t.Extensions == nil {
				t.Extensions = make(map[string]string)
			}
			t.Extensions[strings.TrimPrefix(key, headerExtPrefix)] = values[0]
		}
	}

	if err := t.Validate(); err != nil {
		return nil, transfer.NewError(transfer.CodeApplicationError, http.StatusBadRequest, err.Error())
	}
	return t, nil
}
