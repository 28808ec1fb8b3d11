package recharge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xZoluGames/RechargeSystem/internal/carrier"
	"github.com/xZoluGames/RechargeSystem/internal/models"
	"github.com/xZoluGames/RechargeSystem/internal/session"
	"github.com/xZoluGames/RechargeSystem/internal/storage"
)

// Sessions hands out usable carrier tokens. session.Coordinator satisfies
// this.
type Sessions interface {
	GetValidToken(ctx context.Context) (string, *session.Manager, error)
}

// Carrier is the slice of the carrier client the orchestrator drives.
// carrier.RechargeClient satisfies this.
type Carrier interface {
	Packages(ctx context.Context, token, destination string) ([]models.Package, error)
	Recharge(ctx context.Context, token, fundingPhone, destination string, pkg models.Package) (carrier.OrderOutcome, error)
	OrderStatus(ctx context.Context, token, orderID string) (carrier.OrderState, error)
}

// Orchestrator ties a recharge request together: spend a key's allowance,
// submit the order through the active account, settle the reservation against
// the outcome, and record history.
type Orchestrator struct {
	sessions Sessions
	carrier  Carrier
	repo     storage.Repository
	logger   *slog.Logger
}

// Option mutates orchestrator configuration.
type Option func(*Orchestrator)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New builds an orchestrator.
func New(sessions Sessions, client Carrier, repo storage.Repository, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sessions: sessions,
		carrier:  client,
		repo:     repo,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Result is the outcome of one recharge request.
type Result struct {
	Record  models.RechargeRecord
	Outcome carrier.OrderOutcome
	Balance models.APIKey
}

// withSession runs fn with a valid token, retrying once after a forced
// refresh when the carrier rejects the token mid-flight.
func (o *Orchestrator) withSession(ctx context.Context, fn func(token string, account models.Account) error) error {
	token, manager, err := o.sessions.GetValidToken(ctx)
	if err != nil {
		return err
	}
	err = fn(token, manager.Account())
	if !errors.Is(err, carrier.ErrUnauthorized) {
		return err
	}
	o.logger.Warn("carrier rejected session token, refreshing", "account", manager.AccountID())
	if refreshErr := manager.Refresh(ctx); refreshErr != nil {
		return fmt.Errorf("session refresh after rejection: %w", refreshErr)
	}
	token, manager, err = o.sessions.GetValidToken(ctx)
	if err != nil {
		return err
	}
	return fn(token, manager.Account())
}

// Packages lists the packages purchasable for a destination number.
func (o *Orchestrator) Packages(ctx context.Context, destination string) ([]models.Package, error) {
	var packages []models.Package
	err := o.withSession(ctx, func(token string, _ models.Account) error {
		var err error
		packages, err = o.carrier.Packages(ctx, token, destination)
		return err
	})
	if err != nil {
		return nil, err
	}
	return packages, nil
}

// VerifyOrder reads the gateway state of a previously created order.
func (o *Orchestrator) VerifyOrder(ctx context.Context, orderID string) (carrier.OrderState, error) {
	var state carrier.OrderState
	err := o.withSession(ctx, func(token string, _ models.Account) error {
		var err error
		state, err = o.carrier.OrderStatus(ctx, token, orderID)
		return err
	})
	return state, err
}

// Recharge spends pkg.Amount from key and delivers pkg to destination. The
// reservation is released whenever the order does not end in a fulfilled
// state, so a carrier failure never burns key balance.
func (o *Orchestrator) Recharge(ctx context.Context, key, destination string, pkg models.Package) (Result, error) {
	logger := o.logger.With("destination", destination, "package", pkg.ID, "amount", pkg.Amount)

	balance, err := o.repo.ReserveAmount(key, pkg.Amount)
	if err != nil {
		return Result{}, err
	}
	logger.Info("allowance reserved", "key", models.TruncateKey(key), "remaining", balance.Remaining())

	var (
		outcome   carrier.OrderOutcome
		accountID string
	)
	err = o.withSession(ctx, func(token string, account models.Account) error {
		accountID = account.ID
		var err error
		outcome, err = o.carrier.Recharge(ctx, token, account.Phone, destination, pkg)
		return err
	})
	if err != nil {
		releaseErr := o.release(key, pkg.Amount)

		var cooldown *carrier.CooldownError
		if errors.As(err, &cooldown) {
			// Rejected before the gateway saw anything; nothing to record.
			return Result{}, errors.Join(err, releaseErr)
		}
		record := o.record(models.RechargeRecord{
			KeyPrefix:   models.TruncateKey(key),
			Destination: destination,
			Amount:      pkg.Amount,
			PackageID:   pkg.ID,
			AccountID:   accountID,
			Status:      models.RechargeFailed,
			Detail:      err.Error(),
		})
		return Result{Record: record}, errors.Join(err, releaseErr)
	}

	record := models.RechargeRecord{
		KeyPrefix:   models.TruncateKey(key),
		Destination: destination,
		Amount:      pkg.Amount,
		PackageID:   pkg.ID,
		OrderID:     outcome.State.OrderID,
		AccountID:   accountID,
		Status:      outcome.Status,
		Detail:      outcome.Detail,
	}
	if outcome.Status != models.RechargeSucceeded {
		if releaseErr := o.release(key, pkg.Amount); releaseErr != nil {
			logger.Error("release after failed order", "error", releaseErr)
		}
		logger.Warn("order did not complete", "order", outcome.State.OrderID, "status", outcome.Status, "detail", outcome.Detail)
	} else {
		logger.Info("order fulfilled", "order", outcome.State.OrderID)
	}

	final, ok := o.repo.GetKey(key)
	if !ok {
		final = balance
	}
	return Result{Record: o.record(record), Outcome: outcome, Balance: final}, nil
}

func (o *Orchestrator) release(key string, amount int64) error {
	if _, err := o.repo.ReleaseAmount(key, amount); err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

func (o *Orchestrator) record(record models.RechargeRecord) models.RechargeRecord {
	stored, err := o.repo.AppendHistory(record)
	if err != nil {
		o.logger.Error("append history", "error", err)
		return record
	}
	return stored
}
