package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"smpp-routing-gw/routing"
)

//goland:noinspection ALL
var (
	ErrInsufficientBalance    = errors.New("accounting: insufficient balance")
	ErrSubmitSmCountExhausted = errors.New("accounting: submit_sm count exhausted")
	ErrNoCredential           = errors.New("accounting: user has no mt credential")
)

// QuotaStore persists a user's quotas after they changed.
type QuotaStore interface {
	SaveQuotas(ctx context.Context, u *routing.User) error
}

// Accountant applies bills to user credentials. The submit_sm_resp part of
// a charged bill stays reserved against the balance until ChargeResp or
// Refund settles it.
type Accountant struct {
	mu       sync.Mutex
	store    QuotaStore
	metrics  *RoutingMetrics
	reserved map[*routing.User]float64
}

func NewAccountant(store QuotaStore, metrics *RoutingMetrics) *Accountant {
	return &Accountant{store: store, metrics: metrics, reserved: make(map[*routing.User]float64)}
}

// Reserved is the balance held back for responses still outstanding.
func (a *Accountant) Reserved(u *routing.User) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved[u]
}

// release drops amount from u's reservation. Callers hold a.mu.
func (a *Accountant) release(u *routing.User, amount float64) {
	left := a.reserved[u] - amount
	if left <= 1e-9 {
		delete(a.reserved, u)
		return
	}
	a.reserved[u] = left
}

// Charge takes the submit_sm part of bill from the user's balance, reserves
// the submit_sm_resp part and applies the bill's actions. The whole bill has
// to fit in what is left of the balance after earlier reservations.
func (a *Accountant) Charge(ctx context.Context, u *routing.User, bill *routing.Bill) error {
	if u == nil || u.MtCredential == nil {
		return ErrNoCredential
	}
	cred := u.MtCredential
	resp := bill.Amount(routing.AmountSubmitSmResp)

	a.mu.Lock()
	balance := cred.Quota(routing.QuotaBalance)
	if balance.Limited {
		if free := balance.Value - a.reserved[u]; free < bill.TotalAmounts() {
			a.mu.Unlock()
			return fmt.Errorf("%w: %s has %.4f free, bill needs %.4f", ErrInsufficientBalance, u.Username, free, bill.TotalAmounts())
		}
	}
	err := cred.Consume(map[routing.QuotaKey]float64{
		routing.QuotaBalance:       bill.Amount(routing.AmountSubmitSm),
		routing.QuotaSubmitSmCount: float64(bill.Action(routing.ActionDecrementSubmitSmCount)),
	})
	if err == nil && balance.Limited && resp > 0 {
		a.reserved[u] += resp
	}
	a.mu.Unlock()
	if err != nil {
		return quotaError(u, err)
	}

	if a.metrics != nil {
		a.metrics.ObserveCharge(bill.Amount(routing.AmountSubmitSm))
	}
	a.persist(ctx, u, bill)
	return nil
}

// ChargeResp takes the submit_sm_resp part of bill once the response came
// back, settling what Charge reserved for it.
func (a *Accountant) ChargeResp(ctx context.Context, u *routing.User, bill *routing.Bill) error {
	if u == nil || u.MtCredential == nil {
		return ErrNoCredential
	}
	amount := bill.Amount(routing.AmountSubmitSmResp)
	if amount == 0 {
		return nil
	}

	a.mu.Lock()
	a.release(u, amount)
	err := u.MtCredential.Decrement(routing.QuotaBalance, amount)
	a.mu.Unlock()
	if err != nil {
		return quotaError(u, err)
	}

	if a.metrics != nil {
		a.metrics.ObserveCharge(amount)
	}
	a.persist(ctx, u, bill)
	return nil
}

// Refund gives back what Charge took and drops its reservation, for
// messages that could not be delivered to any connector.
func (a *Accountant) Refund(ctx context.Context, u *routing.User, bill *routing.Bill) {
	if u == nil || u.MtCredential == nil {
		return
	}
	a.mu.Lock()
	a.release(u, bill.Amount(routing.AmountSubmitSmResp))
	u.MtCredential.Restore(map[routing.QuotaKey]float64{
		routing.QuotaBalance:       bill.Amount(routing.AmountSubmitSm),
		routing.QuotaSubmitSmCount: float64(bill.Action(routing.ActionDecrementSubmitSmCount)),
	})
	a.mu.Unlock()
	a.persist(ctx, u, bill)
}

func quotaError(u *routing.User, err error) error {
	var qe *routing.QuotaExceededError
	if errors.As(err, &qe) {
		switch qe.Key {
		case routing.QuotaBalance:
			return fmt.Errorf("%w: %s: %w", ErrInsufficientBalance, u.Username, err)
		case routing.QuotaSubmitSmCount:
			return fmt.Errorf("%w: %s: %w", ErrSubmitSmCountExhausted, u.Username, err)
		}
	}
	return err
}

func (a *Accountant) persist(ctx context.Context, u *routing.User, bill *routing.Bill) {
	if a.store == nil {
		return
	}
	if err := a.store.SaveQuotas(ctx, u); err != nil {
		logf := LoggingFormat{
			Type:          LogType.Accounting,
			Function:      "persist",
			Level:         logrus.ErrorLevel,
			Error:         err,
			Message:       "failed to save quotas after charging",
			TransactionID: bill.BID,
		}
		logf.AddField("uid", u.UID)
		logf.Print()
	}
}
