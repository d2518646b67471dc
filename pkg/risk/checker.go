// Package risk implements pre-trade checks run after signature verification
// and before funds are locked. Checks read shared state but never mutate the
// books, so they run in parallel across requests.
package risk

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/obdex/obdex/pkg/core"
)

// Config bounds order flow. Zero limits disable the respective check.
type Config struct {
	MinOrderAmount       decimal.Decimal
	MaxOrderAmount       decimal.Decimal
	MaxPriceDeviationBps int64
	MaxOrdersPerUser     int
	OrderRatePerMinute   int
	CancelRatePerMinute  int
	EnableBalanceCheck   bool
}

// Checker performs pre-trade risk checks (§7 Risk taxonomy).
type Checker struct {
	cfg Config

	mu             sync.Mutex
	orderLimiters  map[common.Address]*rate.Limiter
	cancelLimiters map[common.Address]*rate.Limiter
	blacklist      map[common.Address]struct{}
}

func NewChecker(cfg Config) *Checker {
	return &Checker{
		cfg:            cfg,
		orderLimiters:  make(map[common.Address]*rate.Limiter),
		cancelLimiters: make(map[common.Address]*rate.Limiter),
		blacklist:      make(map[common.Address]struct{}),
	}
}

// BalanceCheckEnabled reports whether admission should lock funds.
func (c *Checker) BalanceCheckEnabled() bool { return c.cfg.EnableBalanceCheck }

// Blacklist bars a user from placing or cancelling orders.
func (c *Checker) Blacklist(user common.Address) {
	c.mu.Lock()
	c.blacklist[user] = struct{}{}
	c.mu.Unlock()
}

// Unblacklist lifts the bar.
func (c *Checker) Unblacklist(user common.Address) {
	c.mu.Lock()
	delete(c.blacklist, user)
	c.mu.Unlock()
}

func (c *Checker) isBlacklisted(user common.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.blacklist[user]
	return ok
}

func perMinute(n int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(n)/60.0), n)
}

func (c *Checker) allowOrder(user common.Address) bool {
	if c.cfg.OrderRatePerMinute <= 0 {
		return true
	}
	c.mu.Lock()
	lim, ok := c.orderLimiters[user]
	if !ok {
		lim = perMinute(c.cfg.OrderRatePerMinute)
		c.orderLimiters[user] = lim
	}
	c.mu.Unlock()
	return lim.Allow()
}

func (c *Checker) allowCancel(user common.Address) bool {
	if c.cfg.CancelRatePerMinute <= 0 {
		return true
	}
	c.mu.Lock()
	lim, ok := c.cancelLimiters[user]
	if !ok {
		lim = perMinute(c.cfg.CancelRatePerMinute)
		c.cancelLimiters[user] = lim
	}
	c.mu.Unlock()
	return lim.Allow()
}

// CheckOrder runs all pre-trade checks for a new order. refPrice is the
// pair's last trade price (zero when the pair has not traded yet);
// openOrders is the user's current non-terminal order count.
func (c *Checker) CheckOrder(o *core.Order, refPrice decimal.Decimal, openOrders int) error {
	if c.isBlacklisted(o.User) {
		return core.E(core.CodeBlacklisted, "user %s is blacklisted", o.User.Hex())
	}

	if !c.cfg.MinOrderAmount.IsZero() && o.Amount.LessThan(c.cfg.MinOrderAmount) {
		return core.E(core.CodeOrderTooSmall,
			"amount %s below minimum %s", o.Amount, c.cfg.MinOrderAmount)
	}
	if !c.cfg.MaxOrderAmount.IsZero() && o.Amount.GreaterThan(c.cfg.MaxOrderAmount) {
		return core.E(core.CodeOrderTooLarge,
			"amount %s above maximum %s", o.Amount, c.cfg.MaxOrderAmount)
	}

	// Price band: reject limit prices too far from the last trade.
	if c.cfg.MaxPriceDeviationBps > 0 && o.Kind != core.Market && refPrice.IsPositive() {
		deviation := o.Price.Sub(refPrice).Abs().
			Div(refPrice).
			Mul(decimal.NewFromInt(10000))
		if deviation.GreaterThan(decimal.NewFromInt(c.cfg.MaxPriceDeviationBps)) {
			return core.E(core.CodePriceDeviationTooLarge,
				"price %s deviates %s bps from reference %s (max %d)",
				o.Price, deviation.Round(0), refPrice, c.cfg.MaxPriceDeviationBps)
		}
	}

	if c.cfg.MaxOrdersPerUser > 0 && openOrders >= c.cfg.MaxOrdersPerUser {
		return core.E(core.CodeTooManyOpenOrders,
			"user %s has %d open orders (max %d)", o.User.Hex(), openOrders, c.cfg.MaxOrdersPerUser)
	}

	if !c.allowOrder(o.User) {
		return core.E(core.CodeRateLimited, "order rate limit exceeded for %s", o.User.Hex())
	}
	return nil
}

// CheckCancel gates cancel requests.
func (c *Checker) CheckCancel(user common.Address) error {
	if c.isBlacklisted(user) {
		return core.E(core.CodeBlacklisted, "user %s is blacklisted", user.Hex())
	}
	if !c.allowCancel(user) {
		return core.E(core.CodeRateLimited, "cancel rate limit exceeded for %s", user.Hex())
	}
	return nil
}
