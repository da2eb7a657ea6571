package core

import (
	"BattleLedger/internal/state"
	"errors"
	"fmt"
)

// Error classes. Every rejected operation wraps exactly one of these and
// leaves ledger state untouched.
var (
	ErrValidation   = errors.New("validation failed")
	ErrSlippage     = errors.New("slippage bound not met")
	ErrInsufficient = errors.New("insufficient funds")
	ErrIdempotency  = errors.New("already applied")
	ErrDoubleClaim  = errors.New("double claim")
)

// Validation
var (
	ErrBattleNotFound   = fmt.Errorf("%w: battle not found", ErrValidation)
	ErrBattleExists     = fmt.Errorf("%w: battle already exists", ErrValidation)
	ErrBattleInactive   = fmt.Errorf("%w: battle not active", ErrValidation)
	ErrOutsideWindow    = fmt.Errorf("%w: outside trading window", ErrValidation)
	ErrDeadlineExceeded = fmt.Errorf("%w: deadline exceeded", ErrValidation)
	ErrZeroAmount       = fmt.Errorf("%w: amount must be positive", ErrValidation)
	ErrInvalidSide      = fmt.Errorf("%w: malformed side selector", ErrValidation)
	ErrZeroOutput       = fmt.Errorf("%w: trade produces zero tokens", ErrValidation)
	ErrAmountTooLarge   = fmt.Errorf("%w: amount exceeds curve bounds", ErrValidation)
	ErrBattleNotEnded   = fmt.Errorf("%w: battle has not ended", ErrValidation)
	ErrNotSettled       = fmt.Errorf("%w: battle not settled", ErrValidation)
	ErrInvalidBattle    = fmt.Errorf("%w: invalid battle parameters", ErrValidation)
)

// Insufficiency
var (
	ErrInsufficientTokens = fmt.Errorf("%w: seller balance too low", ErrInsufficient)
	ErrInsufficientPool   = fmt.Errorf("%w: pool cannot cover sell", ErrInsufficient)
	ErrNothingToClaim     = fmt.Errorf("%w: no tokens to claim", ErrInsufficient)
	ErrCollectFailed      = fmt.Errorf("%w: payment collection failed", ErrInsufficient)
)

// Idempotency
var (
	ErrAlreadySettled       = fmt.Errorf("%w: battle already settled", ErrIdempotency)
	ErrSettlementInProgress = fmt.Errorf("%w: settlement held by another process", ErrIdempotency)
	ErrDuplicateRequest     = fmt.Errorf("%w: duplicate request id", ErrIdempotency)
)

// ErrAlreadyClaimed is returned for a second claim by the same holder.
var ErrAlreadyClaimed = fmt.Errorf("%w: holder already claimed", ErrDoubleClaim)

// ErrLockHeld is returned by a Locker when another party owns the key.
var ErrLockHeld = errors.New("lock held by another owner")

// ErrorKind is the taxonomy class of a failed operation.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindSlippage
	KindInsufficient
	KindIdempotency
	KindDoubleClaim
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSlippage:
		return "slippage"
	case KindInsufficient:
		return "insufficient"
	case KindIdempotency:
		return "idempotency"
	case KindDoubleClaim:
		return "double_claim"
	default:
		return "internal"
	}
}

// KindOf classifies err by the class sentinel it wraps.
func KindOf(err error) ErrorKind {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Kind
	}
	return classify(err)
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrSlippage):
		return KindSlippage
	case errors.Is(err, ErrInsufficient):
		return KindInsufficient
	case errors.Is(err, ErrIdempotency):
		return KindIdempotency
	case errors.Is(err, ErrDoubleClaim):
		return KindDoubleClaim
	default:
		return KindInternal
	}
}

// TradeError is the typed failure returned by every engine operation.
type TradeError struct {
	Op       string
	BattleID uint64
	Side     *state.Side
	Kind     ErrorKind
	Err      error
}

func (e *TradeError) Error() string {
	if e.Side != nil {
		return fmt.Sprintf("%s battle=%d side=%s: %v", e.Op, e.BattleID, e.Side, e.Err)
	}
	return fmt.Sprintf("%s battle=%d: %v", e.Op, e.BattleID, e.Err)
}

func (e *TradeError) Unwrap() error {
	return e.Err
}

func opError(op string, battleID uint64, side *state.Side, err error) error {
	return &TradeError{Op: op, BattleID: battleID, Side: side, Kind: classify(err), Err: err}
}
