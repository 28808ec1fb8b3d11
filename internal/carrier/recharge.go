package carrier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/xZoluGames/RechargeSystem/internal/models"
)

const (
	defaultPollInterval = 4 * time.Second
	defaultPollTimeout  = 45 * time.Second
	defaultMaxPolls     = 10
)

// CooldownError reports that a destination was recharged too recently. It
// unwraps to ErrOrderCooldown and carries the remaining wait.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("destination in cooldown, wait %ds", int(e.Remaining.Seconds()+0.5))
}

func (e *CooldownError) Unwrap() error { return ErrOrderCooldown }

// OrderState mirrors the payment gateway's view of one order.
type OrderState struct {
	OrderID           string `json:"orderId"`
	Status            string `json:"status"`
	PaymentStatus     string `json:"currentPaymentStatus"`
	FulfillmentStatus string `json:"currentFulfillmentStatus"`
	GatewayErrorCode  string `json:"pgErrorCode"`
}

// OrderOutcome is the terminal classification of an order after polling.
type OrderOutcome struct {
	State  OrderState
	Status models.RechargeStatus
	Detail string
}

type gatewayEnvelope struct {
	HTTPStatusCode int             `json:"httpStatusCode"`
	Body           json.RawMessage `json:"body"`
	Message        string          `json:"message"`
}

// RechargeClient talks to the wallet gateway: product listings, purchase
// orders, and order status polling. Tokens are supplied per call by the
// session layer; a 403 surfaces as ErrUnauthorized so the caller can refresh
// and retry.
type RechargeClient struct {
	http         httpClient
	cooldowns    CooldownStore
	logger       *slog.Logger
	now          func() time.Time
	pollInterval time.Duration
	pollTimeout  time.Duration
	maxPolls     int
}

// NewRechargeClient constructs a gateway client. A nil cooldown store
// disables per-destination throttling.
func NewRechargeClient(endpoints Endpoints, cooldowns CooldownStore, opts ...Option) *RechargeClient {
	resolved := resolveOptions(opts)
	return &RechargeClient{
		http:         newHTTPClient(resolved.httpClient, endpoints),
		cooldowns:    cooldowns,
		logger:       resolved.logger.With("component", "recharge_client"),
		now:          resolved.now,
		pollInterval: defaultPollInterval,
		pollTimeout:  defaultPollTimeout,
		maxPolls:     defaultMaxPolls,
	}
}

// SetPolling overrides the status polling cadence, used by tests.
func (c *RechargeClient) SetPolling(interval, timeout time.Duration, maxPolls int) {
	if interval > 0 {
		c.pollInterval = interval
	}
	if timeout > 0 {
		c.pollTimeout = timeout
	}
	if maxPolls > 0 {
		c.maxPolls = maxPolls
	}
}

func (c *RechargeClient) apiHeaders(token, accountNumber string) http.Header {
	headers := c.http.appHeaders(c.http.endpoints.AuthAPIKey)
	headers.Set("Authorization", "Bearer "+token)
	if accountNumber != "" {
		headers.Set("accountnumber", accountNumber)
	}
	return headers
}

// Packages lists the recharge products available for a destination number.
func (c *RechargeClient) Packages(ctx context.Context, token, destination string) ([]models.Package, error) {
	var packages []models.Package
	err := c.http.doJSON(ctx, "list packages", http.MethodGet,
		c.http.endpoints.WalletBaseURL+"/middleware/api/v1.0.0/paquetes",
		c.apiHeaders(token, destination), nil, &packages)
	if err != nil {
		return nil, c.mapAuthError(err)
	}
	return packages, nil
}

type purchaseOrderRequest struct {
	AccountNumber           string           `json:"accountNumber"`
	AccountType             string           `json:"accountType"`
	ApplicationName         string           `json:"applicationName"`
	CustomerIPAddress       string           `json:"customerIpAddress"`
	CustomerName            string           `json:"customerName"`
	DeviceID                string           `json:"deviceId"`
	Email                   string           `json:"email"`
	PaymentAmount           string           `json:"paymentAmount"`
	PaymentChannel          string           `json:"paymentChannel"`
	PaymentCurrencyCode     string           `json:"paymentCurrencyCode"`
	PhoneNumber             string           `json:"phoneNumber"`
	ProductReference        string           `json:"productReference"`
	PurchaseDetails         []purchaseDetail `json:"purchaseDetails"`
	PurchaseOrderID         string           `json:"purchaseOrderId"`
	UpdatePaymentSeparately bool             `json:"updatePaymentSeparately"`
	BillToAddress           billToAddress    `json:"billToAddress"`
	DocumentType            string           `json:"documentType"`
	DocumentNumber          string           `json:"documentNumber"`
	DeviceFingerprintID     string           `json:"deviceFingerprintId"`
	CreatePaymentToken      bool             `json:"createPaymentToken"`
	CreditCardDetails       creditCardRef    `json:"creditCardDetails"`
}

type purchaseDetail struct {
	Name     string `json:"name"`
	Quantity string `json:"quantity"`
	Amount   string `json:"amount"`
}

type billToAddress struct {
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Country    string `json:"country"`
	City       string `json:"city"`
	Street     string `json:"street"`
	PostalCode string `json:"postalCode"`
	State      string `json:"state"`
	Email      string `json:"email"`
}

type creditCardRef struct {
	AccountNumber string `json:"accountNumber"`
	CVV           string `json:"cvv"`
}

// CreateOrder submits a purchase order charging the given funding account.
// The destination enters cooldown as soon as the order is accepted.
func (c *RechargeClient) CreateOrder(ctx context.Context, token, fundingPhone, destination string, pkg models.Package) (OrderState, error) {
	if c.cooldowns != nil {
		remaining, err := c.cooldowns.Begin(ctx, destination)
		if err != nil {
			return OrderState{}, err
		}
		if remaining > 0 {
			return OrderState{}, &CooldownError{Remaining: remaining}
		}
	}

	state, err := c.submitOrder(ctx, token, fundingPhone, destination, pkg)
	if err != nil {
		if c.cooldowns != nil && !errors.Is(err, ErrOrderDuplicate) {
			_ = c.cooldowns.Clear(ctx, destination)
		}
		return OrderState{}, err
	}
	return state, nil
}

func (c *RechargeClient) submitOrder(ctx context.Context, token, fundingPhone, destination string, pkg models.Package) (OrderState, error) {
	purchaseOrderID := generateOrderID()
	payload := purchaseOrderRequest{
		AccountNumber:       destination,
		AccountType:         "subscribers",
		ApplicationName:     "tigomoney2-0-all-mobile-packets-tm-prd-py",
		CustomerIPAddress:   "181.00.000.00",
		CustomerName:        "Cliente API",
		DeviceID:            "0",
		Email:               "api@tigo.com.py",
		PaymentAmount:       "1.0",
		PaymentChannel:      "84",
		PaymentCurrencyCode: "PYG",
		PhoneNumber:         destination,
		ProductReference:    pkg.ID,
		PurchaseDetails: []purchaseDetail{
			{Name: pkg.ID, Quantity: "1", Amount: fmt.Sprintf("%d", pkg.Amount)},
		},
		PurchaseOrderID: purchaseOrderID,
		BillToAddress: billToAddress{
			FirstName:  "API",
			LastName:   "Tigo",
			Country:    "PY",
			City:       "Asunción",
			Street:     "Calle API 123",
			PostalCode: "1000",
			State:      "Central",
			Email:      "api@tigo.com.py",
		},
		DocumentType:        "nit",
		DocumentNumber:      "0",
		DeviceFingerprintID: "0",
		CreditCardDetails:   creditCardRef{AccountNumber: fundingPhone, CVV: "0000"},
	}

	headers := c.apiHeaders(token, "")
	headers.Set("date", c.now().Format("02/01/2006"))

	c.logger.Info("creating purchase order",
		"destination", destination, "package", pkg.ID, "purchase_order_id", purchaseOrderID)

	var envelope gatewayEnvelope
	err := c.http.doJSON(ctx, "create order", http.MethodPost, c.ordersURL(""), headers, payload, &envelope)
	if err != nil {
		var status *StatusError
		if errors.As(err, &status) && status.StatusCode == http.StatusConflict {
			return OrderState{}, ErrOrderDuplicate
		}
		return OrderState{}, c.mapAuthError(err)
	}
	if envelope.HTTPStatusCode != http.StatusOK || len(envelope.Body) == 0 {
		message := envelope.Message
		if message == "" {
			message = "gateway rejected order"
		}
		return OrderState{}, fmt.Errorf("create order: %s", message)
	}
	var state OrderState
	if err := json.Unmarshal(envelope.Body, &state); err != nil {
		return OrderState{}, fmt.Errorf("create order: decode body: %w", err)
	}
	if state.OrderID == "" {
		return OrderState{}, fmt.Errorf("create order: response carried no order id")
	}
	c.logger.Info("order created", "order_id", state.OrderID)
	return state, nil
}

// OrderStatus fetches the gateway's current view of an order.
func (c *RechargeClient) OrderStatus(ctx context.Context, token, orderID string) (OrderState, error) {
	headers := c.apiHeaders(token, "")
	headers.Set("date", c.now().Format("02/01/2006"))

	var envelope gatewayEnvelope
	err := c.http.doJSON(ctx, "order status", http.MethodGet, c.ordersURL(orderID), headers, nil, &envelope)
	if err != nil {
		return OrderState{}, c.mapAuthError(err)
	}
	if envelope.HTTPStatusCode != http.StatusOK || len(envelope.Body) == 0 {
		return OrderState{}, fmt.Errorf("order status: malformed gateway response")
	}
	var state OrderState
	if err := json.Unmarshal(envelope.Body, &state); err != nil {
		return OrderState{}, fmt.Errorf("order status: decode body: %w", err)
	}
	return state, nil
}

// AwaitFulfillment polls an order until it reaches a terminal state or the
// polling budget runs out. The returned outcome is always populated; the
// error is reserved for auth failures and context cancellation.
func (c *RechargeClient) AwaitFulfillment(ctx context.Context, token, orderID string) (OrderOutcome, error) {
	deadline := c.now().Add(c.pollTimeout)
	var state OrderState
	for attempt := 0; attempt < c.maxPolls; attempt++ {
		if c.now().After(deadline) {
			break
		}
		current, err := c.OrderStatus(ctx, token, orderID)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				return OrderOutcome{}, err
			}
			// Transient gateway hiccup; keep polling.
			c.logger.Warn("order status check failed", "order_id", orderID, "error", err)
		} else {
			state = current
			if outcome, terminal := classifyOrder(current); terminal {
				return outcome, nil
			}
		}
		if attempt < c.maxPolls-1 {
			select {
			case <-ctx.Done():
				return OrderOutcome{}, ctx.Err()
			case <-time.After(c.pollInterval):
			}
		}
	}
	return OrderOutcome{
		State:  state,
		Status: models.RechargeFailed,
		Detail: "order still pending after polling window",
	}, nil
}

// Recharge runs the full purchase: create the order, poll it to a terminal
// state, and release the destination cooldown when the recharge did not land.
func (c *RechargeClient) Recharge(ctx context.Context, token, fundingPhone, destination string, pkg models.Package) (OrderOutcome, error) {
	state, err := c.CreateOrder(ctx, token, fundingPhone, destination, pkg)
	if err != nil {
		return OrderOutcome{}, err
	}
	outcome, err := c.AwaitFulfillment(ctx, token, state.OrderID)
	if err != nil {
		return OrderOutcome{}, err
	}
	if outcome.State.OrderID == "" {
		outcome.State.OrderID = state.OrderID
	}
	if outcome.Status != models.RechargeSucceeded && c.cooldowns != nil {
		_ = c.cooldowns.Clear(ctx, destination)
	}
	return outcome, nil
}

func (c *RechargeClient) ordersURL(orderID string) string {
	url := fmt.Sprintf("%s/apigee/v1-0-0-0/paymentgateway/pg/customers/%s/transactions/orders",
		c.http.endpoints.WalletBaseURL, c.http.endpoints.GatewayCustomerID)
	if orderID != "" {
		url += "/" + orderID
	}
	return url
}

func (c *RechargeClient) mapAuthError(err error) error {
	var status *StatusError
	if errors.As(err, &status) && (status.StatusCode == http.StatusForbidden || status.StatusCode == http.StatusUnauthorized) {
		return fmt.Errorf("%w: status %d", ErrUnauthorized, status.StatusCode)
	}
	return err
}

// classifyOrder maps gateway status strings to a terminal outcome. Non
// terminal states return terminal=false so polling continues.
func classifyOrder(state OrderState) (OrderOutcome, bool) {
	switch {
	case strings.Contains(state.Status, "Refund Completed"):
		return OrderOutcome{State: state, Status: models.RechargeRefunded, Detail: "recharge cancelled and refunded"}, true
	case state.PaymentStatus == "Refunded":
		return OrderOutcome{State: state, Status: models.RechargeRefunded, Detail: "payment refunded"}, true
	case strings.Contains(state.FulfillmentStatus, "Fulfillment Failed"):
		if strings.Contains(state.Status, "Refund") {
			return OrderOutcome{State: state, Status: models.RechargeFailed, Detail: "recharge failed, refund in progress"}, true
		}
		return OrderOutcome{State: state, Status: models.RechargeFailed, Detail: "recharge failed"}, true
	case state.PaymentStatus == "Declined" || state.PaymentStatus == "Failed" || state.PaymentStatus == "Rejected":
		detail := state.GatewayErrorCode
		if detail == "" {
			detail = "payment rejected"
		}
		return OrderOutcome{State: state, Status: models.RechargeFailed, Detail: "payment rejected: " + detail}, true
	case strings.Contains(state.Status, "Fulfillment Succeeded"),
		strings.Contains(state.Status, "Completed") && !strings.Contains(state.Status, "Refund"):
		return OrderOutcome{State: state, Status: models.RechargeSucceeded, Detail: "recharge delivered"}, true
	}
	return OrderOutcome{}, false
}

// generateOrderID builds the gateway's expected numeric order reference: the
// millisecond timestamp tail plus a random run.
func generateOrderID() string {
	timestampPart := fmt.Sprintf("%06d", time.Now().UnixMilli()%1000000)
	randomPart := fmt.Sprintf("%09d", 100000000+rand.Intn(900000000))
	return timestampPart + randomPart
}
