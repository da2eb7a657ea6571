package ingestion

import (
	"BattleLedger/internal/core"
	"BattleLedger/internal/lifecycle"
	"BattleLedger/internal/state"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// CommandType names an inbound command.
type CommandType string

const (
	CommandBuy    CommandType = "buy"
	CommandSell   CommandType = "sell"
	CommandClaim  CommandType = "claim"
	CommandSettle CommandType = "settle"
	CommandLaunch CommandType = "launch"
)

// Command is a parsed, shape-validated request ready for the CommandService.
// Business validation stays in the engine.
type Command interface {
	Type() CommandType
}

type BuyCommand struct{ Request core.BuyRequest }
type SellCommand struct{ Request core.SellRequest }

type ClaimCommand struct {
	BattleID uint64
	Holder   common.Address
}

// SettleCommand settles a battle. A nil Winner lets the default winner
// policy decide.
type SettleCommand struct {
	BattleID uint64
	Winner   *state.Side
}

type LaunchCommand struct{ Request lifecycle.LaunchRequest }

func (BuyCommand) Type() CommandType    { return CommandBuy }
func (SellCommand) Type() CommandType   { return CommandSell }
func (ClaimCommand) Type() CommandType  { return CommandClaim }
func (SettleCommand) Type() CommandType { return CommandSettle }
func (LaunchCommand) Type() CommandType { return CommandLaunch }

// CommandTypeFromSubject extracts the command from a subject of the form
// battle.commands.<type>[.<anything>].
func CommandTypeFromSubject(subject string) (CommandType, error) {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || parts[0] != "battle" || parts[1] != "commands" {
		return "", fmt.Errorf("unrecognized command subject %q", subject)
	}
	return CommandType(parts[2]), nil
}

// ParseCommand converts a RawEvent payload into a typed Command.
func ParseCommand(raw RawEvent, cmdType CommandType) (Command, error) {
	return ParseCommandJSON(cmdType, raw.Data)
}

// ParseCommandJSON decodes one command body. HTTP routes share it with the
// NATS consumer.
func ParseCommandJSON(cmdType CommandType, data []byte) (Command, error) {
	switch cmdType {
	case CommandBuy:
		return parseBuy(data)
	case CommandSell:
		return parseSell(data)
	case CommandClaim:
		return parseClaim(data)
	case CommandSettle:
		return parseSettle(data)
	case CommandLaunch:
		return parseLaunch(data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", cmdType)
	}
}

// --- JSON wire formats ---
// Amounts travel as base-10 strings; they routinely exceed 2^64.

type tradeJSON struct {
	BattleID     uint64 `json:"battle_id"`
	Side         string `json:"side"`
	Trader       string `json:"trader"`
	Payment      string `json:"payment"`
	Tokens       string `json:"tokens"`
	MinOut       string `json:"min_out"`
	DeadlineUnix int64  `json:"deadline_unix"`
	RequestID    string `json:"request_id"`
}

func (j *tradeJSON) common(op string) (state.Side, common.Address, *uint256.Int, time.Time, error) {
	side, err := state.ParseSide(j.Side)
	if err != nil {
		return 0, common.Address{}, nil, time.Time{}, fmt.Errorf("parse %s side: %w", op, err)
	}
	trader, err := parseAddress("trader", j.Trader)
	if err != nil {
		return 0, common.Address{}, nil, time.Time{}, err
	}
	minOut, err := parseAmount("min_out", j.MinOut, true)
	if err != nil {
		return 0, common.Address{}, nil, time.Time{}, err
	}
	var deadline time.Time
	if j.DeadlineUnix > 0 {
		deadline = time.Unix(j.DeadlineUnix, 0).UTC()
	}
	return side, trader, minOut, deadline, nil
}

func parseBuy(data []byte) (*BuyCommand, error) {
	var j tradeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse buy: %w", err)
	}
	side, trader, minOut, deadline, err := j.common("buy")
	if err != nil {
		return nil, err
	}
	payment, err := parseAmount("payment", j.Payment, false)
	if err != nil {
		return nil, err
	}

	return &BuyCommand{Request: core.BuyRequest{
		BattleID:     j.BattleID,
		Side:         side,
		Trader:       trader,
		Payment:      payment,
		MinTokensOut: minOut,
		Deadline:     deadline,
		RequestID:    j.RequestID,
	}}, nil
}

func parseSell(data []byte) (*SellCommand, error) {
	var j tradeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse sell: %w", err)
	}
	side, trader, minOut, deadline, err := j.common("sell")
	if err != nil {
		return nil, err
	}
	tokens, err := parseAmount("tokens", j.Tokens, false)
	if err != nil {
		return nil, err
	}

	return &SellCommand{Request: core.SellRequest{
		BattleID:     j.BattleID,
		Side:         side,
		Trader:       trader,
		Tokens:       tokens,
		MinAmountOut: minOut,
		Deadline:     deadline,
		RequestID:    j.RequestID,
	}}, nil
}

type claimJSON struct {
	BattleID uint64 `json:"battle_id"`
	Holder   string `json:"holder"`
}

func parseClaim(data []byte) (*ClaimCommand, error) {
	var j claimJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse claim: %w", err)
	}
	holder, err := parseAddress("holder", j.Holder)
	if err != nil {
		return nil, err
	}
	return &ClaimCommand{BattleID: j.BattleID, Holder: holder}, nil
}

type settleJSON struct {
	BattleID uint64 `json:"battle_id"`
	Winner   string `json:"winner"`
}

func parseSettle(data []byte) (*SettleCommand, error) {
	var j settleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse settle: %w", err)
	}
	cmd := &SettleCommand{BattleID: j.BattleID}
	if j.Winner != "" {
		side, err := state.ParseSide(j.Winner)
		if err != nil {
			return nil, fmt.Errorf("parse winner: %w", err)
		}
		cmd.Winner = &side
	}
	return cmd, nil
}

type sideJSON struct {
	ParticipantID string `json:"participant_id"`
	Payout        string `json:"payout"`
}

type launchJSON struct {
	BattleID        uint64   `json:"battle_id"`
	StartUnix       int64    `json:"start_unix"`
	DurationSeconds int64    `json:"duration_seconds"`
	SideA           sideJSON `json:"side_a"`
	SideB           sideJSON `json:"side_b"`
	Asset           string   `json:"asset"`
}

func parseLaunch(data []byte) (*LaunchCommand, error) {
	var j launchJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse launch: %w", err)
	}
	if j.DurationSeconds < 0 {
		return nil, fmt.Errorf("parse duration_seconds: negative %d", j.DurationSeconds)
	}

	var sides [2]state.SideInfo
	for i, s := range []sideJSON{j.SideA, j.SideB} {
		payout, err := parseAddress(fmt.Sprintf("side %s payout", state.Side(i)), s.Payout)
		if err != nil {
			return nil, err
		}
		sides[i] = state.SideInfo{ParticipantID: s.ParticipantID, Payout: payout}
	}

	asset := state.NativeAsset
	if j.Asset != "" && !strings.EqualFold(j.Asset, "native") {
		token, err := parseAddress("asset", j.Asset)
		if err != nil {
			return nil, err
		}
		asset = state.AssetRef{Token: token}
	}

	var start time.Time
	if j.StartUnix > 0 {
		start = time.Unix(j.StartUnix, 0).UTC()
	}

	return &LaunchCommand{Request: lifecycle.LaunchRequest{
		BattleID:  j.BattleID,
		StartTime: start,
		Duration:  time.Duration(j.DurationSeconds) * time.Second,
		Sides:     sides,
		Asset:     asset,
	}}, nil
}

func parseAddress(field, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("parse %s: invalid address %q", field, v)
	}
	return common.HexToAddress(v), nil
}

// parseAmount parses a base-10 amount. Empty is zero when optional.
func parseAmount(field, v string, optional bool) (*uint256.Int, error) {
	if v == "" {
		if optional {
			return new(uint256.Int), nil
		}
		return nil, fmt.Errorf("parse %s: missing", field)
	}
	amt, err := uint256.FromDecimal(v)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return amt, nil
}
