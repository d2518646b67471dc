// Package balance tracks virtual (user, token) balances and per-order fund
// locks. Deposits and withdrawals are reflected administratively; the chain
// listener that feeds them is an external collaborator.
package balance

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/obdex/obdex/pkg/core"
)

// Balance is one (user, token) entry. Available = Total - Locked.
type Balance struct {
	Total  decimal.Decimal
	Locked decimal.Decimal
}

// Available returns the spendable amount.
func (b Balance) Available() decimal.Decimal {
	return b.Total.Sub(b.Locked)
}

// orderLock is the unconsumed remainder of a fund lock taken at admission.
type orderLock struct {
	user      common.Address
	token     common.Address
	remaining decimal.Decimal
	expiresAt time.Time // zero = GTC
}

// Manager is the balance ledger (C3). One mutex guards the whole ledger and
// the lock table; it is never held across a matching-engine call.
type Manager struct {
	mu       sync.Mutex
	balances map[common.Address]map[common.Address]*Balance
	locks    map[string]*orderLock // orderID -> lock
	log      *zap.Logger
}

func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		balances: make(map[common.Address]map[common.Address]*Balance),
		locks:    make(map[string]*orderLock),
		log:      log.Named("balance"),
	}
}

// balanceLocked returns the entry for (user, token), creating it if absent.
// Caller holds mu.
func (m *Manager) balanceLocked(user, token common.Address) *Balance {
	tokens, ok := m.balances[user]
	if !ok {
		tokens = make(map[common.Address]*Balance)
		m.balances[user] = tokens
	}
	b, ok := tokens[token]
	if !ok {
		b = &Balance{}
		tokens[token] = b
	}
	return b
}

// SetBalance sets the total balance for (user, token). Administrative:
// reflects an observed deposit or withdrawal. Fails if the new total would
// drop below the currently locked amount.
func (m *Manager) SetBalance(user, token common.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return core.E(core.CodeInvalidParameter, "balance cannot be negative: %s", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balanceLocked(user, token)
	if amount.LessThan(b.Locked) {
		return core.E(core.CodeInsufficientBalance,
			"new total %s below locked %s for %s", amount, b.Locked, user.Hex())
	}
	b.Total = amount
	return nil
}

// Deposit credits (user, token) by amount.
func (m *Manager) Deposit(user, token common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return core.E(core.CodeInvalidParameter, "deposit must be positive: %s", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balanceLocked(user, token)
	b.Total = b.Total.Add(amount)
	return nil
}

// Withdraw debits (user, token) by amount. Only the available portion can be
// withdrawn; locked funds stay reserved for resting orders.
func (m *Manager) Withdraw(user, token common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return core.E(core.CodeInvalidParameter, "withdrawal must be positive: %s", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balanceLocked(user, token)
	if b.Available().LessThan(amount) {
		return core.E(core.CodeInsufficientBalance,
			"withdrawal %s exceeds available %s for %s", amount, b.Available(), user.Hex())
	}
	b.Total = b.Total.Sub(amount)
	m.checkLocked(user, token)
	return nil
}

// Get returns a copy of the (user, token) balance.
func (m *Manager) Get(user, token common.Address) Balance {
	m.mu.Lock()
	defer m.mu.Unlock()
	tokens, ok := m.balances[user]
	if !ok {
		return Balance{}
	}
	b, ok := tokens[token]
	if !ok {
		return Balance{}
	}
	return *b
}

// RequiredLock computes the token and amount an order must lock:
// BUY locks price × amount of quote, SELL locks amount of base. Market BUY
// orders carry no price; refPrice (current best ask) stands in for it.
func RequiredLock(o *core.Order, refPrice decimal.Decimal) (common.Address, decimal.Decimal, error) {
	if o.Side == core.Sell {
		return o.BaseToken, o.Amount, nil
	}
	price := o.Price
	if o.Kind == core.Market {
		price = refPrice
	}
	if price.IsZero() || price.IsNegative() {
		return common.Address{}, decimal.Zero, core.E(core.CodeBookEmpty,
			"no reference price to lock funds for market order")
	}
	return o.QuoteToken, core.QuoteAmount(price, o.Amount), nil
}

// LockForOrder locks the funds an order requires. Fails with
// InsufficientBalance when available < required.
func (m *Manager) LockForOrder(o *core.Order, refPrice decimal.Decimal) error {
	token, required, err := RequiredLock(o, refPrice)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.locks[o.ID]; exists {
		return core.E(core.CodeDuplicateOrder, "funds already locked for order %s", o.ID)
	}

	b := m.balanceLocked(o.User, token)
	if b.Available().LessThan(required) {
		return core.E(core.CodeInsufficientBalance,
			"insufficient %s balance: available %s, need %s", token.Hex(), b.Available(), required)
	}

	b.Locked = b.Locked.Add(required)
	m.locks[o.ID] = &orderLock{
		user:      o.User,
		token:     token,
		remaining: required,
		expiresAt: o.ExpiresAt,
	}
	m.checkLocked(o.User, token)
	return nil
}

// UnlockForOrder releases whatever remains of an order's lock. Idempotent:
// a missing lock is a no-op.
func (m *Manager) UnlockForOrder(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlockLocked(orderID)
}

func (m *Manager) unlockLocked(orderID string) {
	l, ok := m.locks[orderID]
	if !ok {
		return
	}
	b := m.balanceLocked(l.user, l.token)
	b.Locked = b.Locked.Sub(l.remaining)
	core.Invariant(!b.Locked.IsNegative(), "locked balance went negative for %s/%s", l.user.Hex(), l.token.Hex())
	delete(m.locks, orderID)
}

// consumeLocked reduces an order's lock by up to amount, releasing that much
// from the locked counter. Caller holds mu.
func (m *Manager) consumeLocked(orderID string, amount decimal.Decimal) {
	l, ok := m.locks[orderID]
	if !ok {
		return
	}
	consumed := decimal.Min(l.remaining, amount)
	l.remaining = l.remaining.Sub(consumed)
	b := m.balanceLocked(l.user, l.token)
	b.Locked = b.Locked.Sub(consumed)
	if l.remaining.IsZero() {
		delete(m.locks, orderID)
	}
}

// TransferOnFill settles one fill inside the ledger: amount of base moves
// seller→buyer and price×amount of quote moves buyer→seller. Both legs are
// validated before either is applied, so the transfer is all-or-nothing.
// Locks of both orders are reduced by the consumed leg amounts.
func (m *Manager) TransferOnFill(taker, maker *core.Order, price, amount decimal.Decimal) error {
	var buyer, seller *core.Order
	if taker.Side == core.Buy {
		buyer, seller = taker, maker
	} else {
		buyer, seller = maker, taker
	}
	quoteAmt := core.QuoteAmount(price, amount)

	m.mu.Lock()
	defer m.mu.Unlock()

	sellerBase := m.balanceLocked(seller.User, seller.BaseToken)
	buyerQuote := m.balanceLocked(buyer.User, buyer.QuoteToken)

	// Validate both legs first. The buyer's spend is capped by this order's
	// lock remainder plus unreserved funds: a market BUY locked at the best
	// ask can walk to worse prices, and its overshoot must never dip into
	// funds locked for the user's other orders.
	if sellerBase.Total.LessThan(amount) {
		return core.E(core.CodeInsufficientBalance,
			"seller %s short of base: have %s, need %s", seller.User.Hex(), sellerBase.Total, amount)
	}
	spendable := buyerQuote.Available()
	if l, ok := m.locks[buyer.ID]; ok && l.token == buyer.QuoteToken {
		spendable = spendable.Add(l.remaining)
	}
	if spendable.LessThan(quoteAmt) {
		return core.E(core.CodeInsufficientBalance,
			"buyer %s short of quote: spendable %s, need %s", buyer.User.Hex(), spendable, quoteAmt)
	}

	// Consume locks before moving totals so locked never exceeds total.
	m.consumeLocked(seller.ID, amount)
	m.consumeLocked(buyer.ID, quoteAmt)

	buyerBase := m.balanceLocked(buyer.User, buyer.BaseToken)
	sellerQuote := m.balanceLocked(seller.User, seller.QuoteToken)

	sellerBase.Total = sellerBase.Total.Sub(amount)
	buyerBase.Total = buyerBase.Total.Add(amount)
	buyerQuote.Total = buyerQuote.Total.Sub(quoteAmt)
	sellerQuote.Total = sellerQuote.Total.Add(quoteAmt)

	m.checkLocked(seller.User, seller.BaseToken)
	m.checkLocked(buyer.User, buyer.QuoteToken)
	return nil
}

// CleanExpiredLocks releases locks whose deadline has passed. Background
// duty; the engine's expiry sweep normally cancels the order first, this
// covers locks orphaned by a crash between admit and rest.
func (m *Manager) CleanExpiredLocks(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	released := 0
	for id, l := range m.locks {
		if !l.expiresAt.IsZero() && !l.expiresAt.After(now) {
			m.unlockLocked(id)
			released++
		}
	}
	if released > 0 {
		m.log.Info("released expired locks", zap.Int("count", released))
	}
	return released
}

// LockedFor returns the unconsumed lock remaining for an order, zero if none.
func (m *Manager) LockedFor(orderID string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[orderID]; ok {
		return l.remaining
	}
	return decimal.Zero
}

// checkLocked enforces total >= locked >= 0 for one entry. Caller holds mu.
func (m *Manager) checkLocked(user, token common.Address) {
	b := m.balanceLocked(user, token)
	core.Invariant(!b.Locked.IsNegative() && !b.Total.LessThan(b.Locked),
		"balance invariant broken for %s/%s: total=%s locked=%s", user.Hex(), token.Hex(), b.Total, b.Locked)
}
