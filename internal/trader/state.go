package trader

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/dexety/dex-trading-system/internal/model"
)

// State is the coordinator's position in the trade cycle.
type State int32

const (
	StateIdle State = iota
	StateMarketSent
	StateMarketFilled
	StateMarketCanceled
	StateProtectiveSent
	StateMirrorFilled
	StateTimeout
	StateOrdersCanceled
	StatePositionClosing
	StatePositionClosed
)

var stateNames = [...]string{
	StateIdle:            "IDLE",
	StateMarketSent:      "MARKET_SENT",
	StateMarketFilled:    "MARKET_FILLED",
	StateMarketCanceled:  "MARKET_CANCELED",
	StateProtectiveSent:  "PROTECTIVE_ORDERS_SENT",
	StateMirrorFilled:    "MIRROR_FILLED",
	StateTimeout:         "TIMEOUT",
	StateOrdersCanceled:  "ORDERS_CANCELED",
	StatePositionClosing: "POSITION_CLOSING",
	StatePositionClosed:  "POSITION_CLOSED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// cycleState is the bookkeeping of one trade cycle.
//
// The account goroutine writes the fill flags, fill prices and latches; the
// coordinator writes side, opposite and the order map. Reads from the other
// side go through snapshot.
type cycleState struct {
	mu sync.Mutex

	side     model.Side
	opposite model.Side
	cycle    int64
	orders   map[string]model.OrderRole

	marketFilled   bool
	limitFilled    bool
	trailingFilled bool
	closeFilled    bool
	limitOpened    bool
	trailingOpened bool
	openingFill    decimal.Decimal
	closingFill    decimal.Decimal // last exit fill of any leg
	closedBy       model.OrderRole
	limitFill      decimal.Decimal
	trailingFill   decimal.Decimal
	closeFill      decimal.Decimal

	// FILLED seen on the order stream; the leg completes once its fill
	// record has also arrived.
	statusFilled map[model.OrderRole]bool

	marketDone   *latch // market filled or canceled
	limitDone    *latch // limit filled or canceled
	trailingDone *latch // trailing stop filled or canceled
	mirrorFilled *latch // limit or trailing stop filled
	closeDone    *latch // close-position order filled or canceled
}

func newCycleState() *cycleState {
	return &cycleState{
		orders:       make(map[string]model.OrderRole),
		statusFilled: make(map[model.OrderRole]bool),
		marketDone:   newLatch(),
		limitDone:    newLatch(),
		trailingDone: newLatch(),
		mirrorFilled: newLatch(),
		closeDone:    newLatch(),
	}
}

// snapshot is a consistent copy of the account-written fields.
type snapshot struct {
	marketFilled   bool
	limitFilled    bool
	trailingFilled bool
	closeFilled    bool
	limitOpened    bool
	trailingOpened bool
	openingFill    decimal.Decimal
	closingFill    decimal.Decimal
	closedBy       model.OrderRole
	limitFill      decimal.Decimal
	trailingFill   decimal.Decimal
	closeFill      decimal.Decimal
}

func (s *cycleState) begin(side model.Side, cycle int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.side = side
	s.opposite = side.Opposite()
	s.cycle = cycle
}

// register maps a client id to its role. It must happen before the order is
// sent so that an immediate update can be attributed.
func (s *cycleState) register(clientID string, role model.OrderRole) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[clientID] = role
}

func (s *cycleState) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot{
		marketFilled:   s.marketFilled,
		limitFilled:    s.limitFilled,
		trailingFilled: s.trailingFilled,
		closeFilled:    s.closeFilled,
		limitOpened:    s.limitOpened,
		trailingOpened: s.trailingOpened,
		openingFill:    s.openingFill,
		closingFill:    s.closingFill,
		closedBy:       s.closedBy,
		limitFill:      s.limitFill,
		trailingFill:   s.trailingFill,
		closeFill:      s.closeFill,
	}
}

// reset returns the state to neutral. Updates for orders of the finished
// cycle are ignored from here on because their client ids are forgotten.
func (s *cycleState) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.side, s.opposite = "", ""
	s.orders = make(map[string]model.OrderRole)
	s.statusFilled = make(map[model.OrderRole]bool)

	s.marketFilled = false
	s.limitFilled = false
	s.trailingFilled = false
	s.closeFilled = false
	s.limitOpened = false
	s.trailingOpened = false
	s.openingFill = decimal.Zero
	s.closingFill = decimal.Zero
	s.closedBy = model.RoleUnknown
	s.limitFill = decimal.Zero
	s.trailingFill = decimal.Zero
	s.closeFill = decimal.Zero

	s.marketDone.Reset()
	s.limitDone.Reset()
	s.trailingDone.Reset()
	s.mirrorFilled.Reset()
	s.closeDone.Reset()
}

// apply folds one account update into the state. Fills are applied before
// order statuses so that a FILLED status arriving with its fill completes
// the leg in one step.
func (s *cycleState) apply(u model.AccountUpdate) (attributed []model.OrderRole) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range u.Fills {
		role, ok := s.orders[f.OrderClientID]
		if !ok {
			continue
		}
		switch role {
		case model.RoleMarket:
			s.marketFilled = true
			s.openingFill = f.Price
		case model.RoleLimit:
			s.limitFilled = true
			s.limitFill = f.Price
			s.closingFill = f.Price
			s.closedBy = role
		case model.RoleTrailingStop:
			s.trailingFilled = true
			s.trailingFill = f.Price
			s.closingFill = f.Price
			s.closedBy = role
		case model.RoleClosePosition:
			s.closeFilled = true
			s.closeFill = f.Price
			s.closingFill = f.Price
			s.closedBy = role
		}
		s.completeLocked(role)
	}

	for _, o := range u.Orders {
		role, ok := s.orders[o.ClientID]
		if !ok {
			continue
		}
		attributed = append(attributed, role)
		switch o.Status {
		case model.StatusOpen:
			if role == model.RoleLimit {
				s.limitOpened = true
			}
		case model.StatusUntriggered:
			if role == model.RoleTrailingStop {
				s.trailingOpened = true
			}
		case model.StatusCanceled:
			s.doneLatch(role).Set()
		case model.StatusFilled:
			s.statusFilled[role] = true
			s.completeLocked(role)
		}
	}
	return attributed
}

// completeLocked releases the waiters of role once both its FILLED status
// and its fill record have been seen.
func (s *cycleState) completeLocked(role model.OrderRole) {
	if !s.statusFilled[role] || !s.filledLocked(role) {
		return
	}
	s.doneLatch(role).Set()
	if role == model.RoleLimit || role == model.RoleTrailingStop {
		s.mirrorFilled.Set()
	}
}

func (s *cycleState) filledLocked(role model.OrderRole) bool {
	switch role {
	case model.RoleMarket:
		return s.marketFilled
	case model.RoleLimit:
		return s.limitFilled
	case model.RoleTrailingStop:
		return s.trailingFilled
	case model.RoleClosePosition:
		return s.closeFilled
	}
	return false
}

func (s *cycleState) doneLatch(role model.OrderRole) *latch {
	switch role {
	case model.RoleMarket:
		return s.marketDone
	case model.RoleLimit:
		return s.limitDone
	case model.RoleTrailingStop:
		return s.trailingDone
	default:
		return s.closeDone
	}
}
