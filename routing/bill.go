package routing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const (
	AmountSubmitSm               = "submit_sm"
	AmountSubmitSmResp           = "submit_sm_resp"
	ActionDecrementSubmitSmCount = "decrement_submit_sm_count"
)

// Bill is what a rated route charges a user for one message. It is handed to
// accounting and never stored by the routing layer.
type Bill struct {
	BID     string
	UID     string
	amounts map[string]float64
	actions map[string]int
}

func newBill(uid string) *Bill {
	return &Bill{
		BID:     uuid.NewString(),
		UID:     uid,
		amounts: make(map[string]float64),
		actions: make(map[string]int),
	}
}

func (b *Bill) setAmount(key string, v float64) { b.amounts[key] = v }
func (b *Bill) setAction(key string, v int)     { b.actions[key] = v }

// Amount returns the amount of a bucket, 0 when it is not set.
func (b *Bill) Amount(key string) float64 {
	return b.amounts[key]
}

func (b *Bill) Action(key string) int {
	return b.actions[key]
}

func (b *Bill) TotalAmounts() float64 {
	var total float64
	for _, v := range b.amounts {
		total += v
	}
	return total
}

func (b *Bill) Amounts() map[string]float64 {
	out := make(map[string]float64, len(b.amounts))
	for k, v := range b.amounts {
		out[k] = v
	}
	return out
}

func (b *Bill) Actions() map[string]int {
	out := make(map[string]int, len(b.actions))
	for k, v := range b.actions {
		out[k] = v
	}
	return out
}

// Scale returns a copy of the bill charging for parts message segments.
func (b *Bill) Scale(parts int) *Bill {
	if parts < 1 {
		parts = 1
	}
	scaled := &Bill{
		BID:     b.BID,
		UID:     b.UID,
		amounts: make(map[string]float64, len(b.amounts)),
		actions: make(map[string]int, len(b.actions)),
	}
	for k, v := range b.amounts {
		scaled.amounts[k] = v * float64(parts)
	}
	for k, v := range b.actions {
		scaled.actions[k] = v * parts
	}
	return scaled
}

func (b *Bill) String() string {
	keys := make([]string, 0, len(b.amounts))
	for k := range b.amounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%.4f", k, b.amounts[k]))
	}
	return fmt.Sprintf("Bill(%s, uid=%s, %s)", b.BID, b.UID, strings.Join(parts, " "))
}

func billFor(rate Rate, u *User) (*Bill, error) {
	if u == nil || u.MtCredential == nil {
		return nil, fmt.Errorf("%w: bill requires a user with mt credentials", ErrInvalidRouteParameter)
	}
	cred := u.MtCredential
	bill := newBill(u.UID)

	if rate > 0 {
		total := float64(rate)
		early := cred.Quota(QuotaEarlyDecrementBalancePercent)
		if early.Limited {
			submit := total * early.Value / 100
			bill.setAmount(AmountSubmitSm, submit)
			bill.setAmount(AmountSubmitSmResp, total-submit)
		} else {
			bill.setAmount(AmountSubmitSm, total)
		}
	}

	if cred.Quota(QuotaSubmitSmCount).Limited {
		bill.setAction(ActionDecrementSubmitSmCount, 1)
	}

	return bill, nil
}
