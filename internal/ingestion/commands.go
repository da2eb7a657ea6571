package ingestion

import (
	"BattleLedger/internal/core"
	"BattleLedger/internal/lifecycle"
	"BattleLedger/internal/state"
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// CommandService executes parsed commands against the engine and the
// lifecycle manager. The NATS consumer and the HTTP routes both use it.
type CommandService struct {
	engine  *core.Engine
	battles *lifecycle.Manager
	logger  zerolog.Logger
}

func NewCommandService(engine *core.Engine, battles *lifecycle.Manager, logger zerolog.Logger) *CommandService {
	return &CommandService{
		engine:  engine,
		battles: battles,
		logger:  logger.With().Str("component", "commands").Logger(),
	}
}

// LaunchResult is the response to a launch command.
type LaunchResult struct {
	BattleID uint64 `json:"battle_id"`
	Phase    string `json:"phase"`
}

// Execute runs cmd and returns its operation result.
func (s *CommandService) Execute(ctx context.Context, cmd Command) (any, error) {
	switch c := cmd.(type) {
	case *BuyCommand:
		return s.engine.Buy(ctx, c.Request)
	case *SellCommand:
		return s.engine.Sell(ctx, c.Request)
	case *ClaimCommand:
		return s.engine.Claim(ctx, c.BattleID, c.Holder)
	case *SettleCommand:
		return s.settle(ctx, c)
	case *LaunchCommand:
		return s.launch(c)
	default:
		return nil, fmt.Errorf("unsupported command %T", cmd)
	}
}

func (s *CommandService) settle(ctx context.Context, c *SettleCommand) (*core.SettlementResult, error) {
	var winnerIsSideA bool
	if c.Winner != nil {
		winnerIsSideA = *c.Winner == state.SideA
	} else {
		var err error
		winnerIsSideA, err = lifecycle.LargerPoolWins(ctx, s.engine, c.BattleID)
		if err != nil {
			return nil, err
		}
	}

	// Battles under lifecycle control settle through the manager so their
	// timers stop; anything else goes straight to the engine.
	if s.battles != nil {
		res, err := s.battles.Settle(ctx, c.BattleID, winnerIsSideA)
		if !errors.Is(err, lifecycle.ErrUnknownBattle) {
			return res, err
		}
	}
	return s.engine.Settle(ctx, c.BattleID, winnerIsSideA)
}

func (s *CommandService) launch(c *LaunchCommand) (*LaunchResult, error) {
	if s.battles == nil {
		return nil, fmt.Errorf("launch: %w", lifecycle.ErrClosed)
	}
	id, err := s.battles.LaunchAsync(c.Request)
	if err != nil {
		return nil, err
	}
	phase, err := s.battles.Phase(id)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Uint64("battle_id", id).Msg("battle launch accepted")
	return &LaunchResult{BattleID: id, Phase: phase.String()}, nil
}

// Retryable reports whether a failed command may succeed on redelivery.
// Rejections in the engine's error taxonomy are final; everything else
// (context expiry, lock contention, infrastructure) is retried.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, core.ErrSettlementInProgress):
		return true
	case errors.Is(err, ErrMalformedCommand):
		return false
	case errors.Is(err, lifecycle.ErrUnknownBattle),
		errors.Is(err, lifecycle.ErrInvalidPhase),
		errors.Is(err, lifecycle.ErrBattleTracked):
		return false
	}
	return core.KindOf(err) == core.KindInternal
}

// ErrMalformedCommand wraps parse failures.
var ErrMalformedCommand = errors.New("malformed command")
