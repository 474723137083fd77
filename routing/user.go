package routing

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
)

type Group struct {
	GID string
}

// User is the originating principal of MT traffic.
type User struct {
	UID          string
	Group        Group
	Username     string
	Password     string
	MtCredential *MtMessagingCredential
}

// NewUser returns a user whose quotas are all unlimited.
func NewUser(uid string, group Group, username, password string) *User {
	return &User{
		UID:          uid,
		Group:        group,
		Username:     username,
		Password:     password,
		MtCredential: NewMtMessagingCredential(),
	}
}

func (u *User) Equal(other *User) bool {
	if u == nil || other == nil {
		return u == other
	}
	return u.UID == other.UID
}

func (u *User) String() string {
	if u == nil {
		return "<nil user>"
	}
	return fmt.Sprintf("user(%s)", u.UID)
}

type QuotaKey string

const (
	QuotaBalance                      QuotaKey = "balance"
	QuotaEarlyDecrementBalancePercent QuotaKey = "early_decrement_balance_percent"
	QuotaSubmitSmCount                QuotaKey = "submit_sm_count"
	QuotaHTTPThroughput               QuotaKey = "http_throughput"
	QuotaSMPPsThroughput              QuotaKey = "smpps_throughput"
)

var knownQuotas = map[QuotaKey]bool{
	QuotaBalance:                      true,
	QuotaEarlyDecrementBalancePercent: true,
	QuotaSubmitSmCount:                true,
	QuotaHTTPThroughput:               true,
	QuotaSMPPsThroughput:              true,
}

// Quota is either a finite value or unlimited. For
// early_decrement_balance_percent "unlimited" reads as "not set".
type Quota struct {
	Value   float64
	Limited bool
}

func Unlimited() Quota {
	return Quota{}
}

func Limit(v float64) Quota {
	return Quota{Value: v, Limited: true}
}

func (q Quota) String() string {
	if !q.Limited {
		return "ND"
	}
	return strconv.FormatFloat(q.Value, 'f', -1, 64)
}

// ParseQuota reads an operator supplied quota literal. ND, none and the empty
// string mean unlimited.
func ParseQuota(key QuotaKey, literal string) (Quota, error) {
	s := strings.TrimSpace(literal)
	switch strings.ToLower(s) {
	case "", "nd", "none":
		return Unlimited(), validateQuota(key, Unlimited())
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Quota{}, fmt.Errorf("%w: %s=%q: %v", ErrInvalidQuota, key, literal, err)
	}
	q := Limit(v)
	if err := validateQuota(key, q); err != nil {
		return Quota{}, err
	}
	return q, nil
}

func validateQuota(key QuotaKey, q Quota) error {
	if !knownQuotas[key] {
		return fmt.Errorf("%w: unknown quota %q", ErrInvalidQuota, key)
	}
	if !q.Limited {
		return nil
	}
	if math.IsNaN(q.Value) || math.IsInf(q.Value, 0) || q.Value < 0 {
		return fmt.Errorf("%w: %s must be a finite non-negative number, got %v", ErrInvalidQuota, key, q.Value)
	}
	switch key {
	case QuotaEarlyDecrementBalancePercent:
		if q.Value > 100 {
			return fmt.Errorf("%w: %s must be between 0 and 100, got %v", ErrInvalidQuota, key, q.Value)
		}
	case QuotaSubmitSmCount:
		if q.Value != math.Trunc(q.Value) {
			return fmt.Errorf("%w: %s must be a whole number, got %v", ErrInvalidQuota, key, q.Value)
		}
	}
	return nil
}

// MtMessagingCredential holds a user's MT quotas. Routes only read it; the
// accounting side writes decrements back.
type MtMessagingCredential struct {
	mu     sync.RWMutex
	quotas map[QuotaKey]Quota
}

func NewMtMessagingCredential() *MtMessagingCredential {
	return &MtMessagingCredential{quotas: make(map[QuotaKey]Quota)}
}

func (c *MtMessagingCredential) Quota(key QuotaKey) Quota {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.quotas[key]
}

func (c *MtMessagingCredential) SetQuota(key QuotaKey, q Quota) error {
	if err := validateQuota(key, q); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !q.Limited {
		delete(c.quotas, key)
		return nil
	}
	c.quotas[key] = q
	return nil
}

// Quotas returns a copy of every limited quota.
func (c *MtMessagingCredential) Quotas() map[QuotaKey]Quota {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[QuotaKey]Quota, len(c.quotas))
	for k, v := range c.quotas {
		out[k] = v
	}
	return out
}

// QuotaExceededError reports the first quota that could not cover a Consume.
type QuotaExceededError struct {
	Key       QuotaKey
	Left      float64
	Requested float64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("routing: quota %s exceeded: %v left, %v requested", e.Key, e.Left, e.Requested)
}

func (e *QuotaExceededError) Unwrap() error {
	return ErrQuotaExceeded
}

// Consume subtracts every amount from its limited quota, all or nothing.
// Unlimited quotas are left as is.
func (c *MtMessagingCredential) Consume(amounts map[QuotaKey]float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, amount := range amounts {
		q, ok := c.quotas[key]
		if !ok || !q.Limited {
			continue
		}
		if q.Value < amount {
			return &QuotaExceededError{Key: key, Left: q.Value, Requested: amount}
		}
	}
	for key, amount := range amounts {
		q, ok := c.quotas[key]
		if !ok || !q.Limited {
			continue
		}
		q.Value -= amount
		c.quotas[key] = q
	}
	return nil
}

func (c *MtMessagingCredential) Decrement(key QuotaKey, amount float64) error {
	return c.Consume(map[QuotaKey]float64{key: amount})
}

// Restore adds amounts back to limited quotas, undoing a Consume.
func (c *MtMessagingCredential) Restore(amounts map[QuotaKey]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, amount := range amounts {
		q, ok := c.quotas[key]
		if !ok || !q.Limited || amount <= 0 {
			continue
		}
		q.Value += amount
		c.quotas[key] = q
	}
}
