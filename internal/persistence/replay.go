package persistence

import (
	"BattleLedger/internal/core"
	"BattleLedger/internal/event"
	"BattleLedger/internal/state"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ReplayEvents folds events onto snap and returns the resulting state.
// snap may be nil for a replay from the start of the log. Events must be
// in sequence order and strictly after snap.Sequence; anything at or below
// it is skipped.
func ReplayEvents(snap *core.EngineSnapshot, events []EventRow) (*core.EngineSnapshot, error) {
	r := newReplayer(snap)
	for _, row := range events {
		if row.Sequence <= r.snap.Sequence {
			continue
		}
		if err := r.apply(row); err != nil {
			return nil, fmt.Errorf("replay event %d (%s): %w", row.Sequence, row.EventType, err)
		}
		r.snap.Sequence = row.Sequence
		if row.Timestamp.After(r.snap.CreatedAt) {
			r.snap.CreatedAt = row.Timestamp
		}
	}
	return r.finish(), nil
}

type replayer struct {
	snap    *core.EngineSnapshot
	index   map[uint64]int
	holders map[uint64]*[2]map[common.Address]*uint256.Int
	pending map[string]core.Payout
	keys    []string // replayed request keys, oldest first
}

func newReplayer(snap *core.EngineSnapshot) *replayer {
	if snap == nil {
		snap = &core.EngineSnapshot{}
	}
	r := &replayer{
		snap:    snap,
		index:   make(map[uint64]int, len(snap.Battles)),
		holders: make(map[uint64]*[2]map[common.Address]*uint256.Int, len(snap.Battles)),
		pending: make(map[string]core.Payout, len(snap.PendingPayouts)),
	}
	for i := range snap.Battles {
		bs := &snap.Battles[i]
		r.index[bs.Battle.ID] = i
		hs := &[2]map[common.Address]*uint256.Int{}
		for _, s := range state.Sides {
			hs[s] = make(map[common.Address]*uint256.Int, len(bs.Sides[s].Holders))
			for _, h := range bs.Sides[s].Holders {
				hs[s][h.Holder] = orZero(h.Balance)
			}
		}
		r.holders[bs.Battle.ID] = hs
	}
	for _, p := range snap.PendingPayouts {
		r.pending[p.ID] = p
	}
	return r
}

func (r *replayer) battle(id uint64) (*core.BattleSnapshot, *[2]map[common.Address]*uint256.Int, error) {
	i, ok := r.index[id]
	if !ok {
		return nil, nil, fmt.Errorf("unknown battle %d", id)
	}
	return &r.snap.Battles[i], r.holders[id], nil
}

// DecodeEvent decodes a logged event payload by its type name.
func DecodeEvent(eventType string, payload []byte) (event.Event, error) {
	var evt event.Event
	switch eventType {
	case event.EventTypeBattleCreated.String():
		evt = &event.BattleCreated{}
	case event.EventTypeTradeExecuted.String():
		evt = &event.Trade{}
	case event.EventTypeBattleSettled.String():
		evt = &event.BattleSettled{}
	case event.EventTypeClaimPaid.String():
		evt = &event.ClaimPaid{}
	case event.EventTypePayoutUpdated.String():
		evt = &event.PayoutUpdated{}
	case event.EventTypePhaseChanged.String():
		evt = &event.PhaseChanged{}
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	return evt, nil
}

func (r *replayer) apply(row EventRow) error {
	evt, err := DecodeEvent(row.EventType, row.Payload)
	if err != nil {
		return err
	}
	switch evt := evt.(type) {
	case *event.BattleCreated:
		return r.created(evt)
	case *event.Trade:
		return r.trade(evt)
	case *event.BattleSettled:
		return r.settled(evt)
	case *event.ClaimPaid:
		return r.claim(evt)
	case *event.PayoutUpdated:
		r.payout(evt)
	}
	// Lifecycle phases are re-derived from battle state on adoption.
	return nil
}

func (r *replayer) created(evt *event.BattleCreated) error {
	if _, ok := r.index[evt.BattleID]; ok {
		return nil
	}
	bs := core.BattleSnapshot{
		Battle: state.Battle{
			ID:        evt.BattleID,
			StartTime: evt.StartTime,
			EndTime:   evt.EndTime,
			Sides: [2]state.SideInfo{
				{ParticipantID: evt.ParticipantA, Payout: evt.PayoutA},
				{ParticipantID: evt.ParticipantB, Payout: evt.PayoutB},
			},
			Asset:     state.AssetRef{Token: evt.Asset},
			Active:    true,
			CreatedAt: evt.Timestamp,
		},
	}
	for _, s := range state.Sides {
		bs.Sides[s] = core.SideSnapshot{Pool: new(uint256.Int), Supply: new(uint256.Int)}
	}
	r.index[evt.BattleID] = len(r.snap.Battles)
	r.snap.Battles = append(r.snap.Battles, bs)
	r.holders[evt.BattleID] = &[2]map[common.Address]*uint256.Int{{}, {}}
	if evt.BattleID > r.snap.LastBattleID {
		r.snap.LastBattleID = evt.BattleID
	}
	return nil
}

func (r *replayer) trade(evt *event.Trade) error {
	bs, hs, err := r.battle(evt.BattleID)
	if err != nil {
		return err
	}
	if !evt.Side.Valid() {
		return fmt.Errorf("invalid side %d", evt.Side)
	}
	if evt.Sequence <= bs.TradeSeq {
		return nil
	}
	if evt.Sequence != bs.TradeSeq+1 {
		return fmt.Errorf("battle %d: trade sequence %d after %d", evt.BattleID, evt.Sequence, bs.TradeSeq)
	}
	side := &bs.Sides[evt.Side]
	side.Pool = orZero(evt.PoolAfter)
	side.Supply = orZero(evt.SupplyAfter)

	bal := hs[evt.Side][evt.Trader]
	if bal == nil {
		bal = new(uint256.Int)
	}
	tokens := orZero(evt.Tokens)
	if evt.Kind == event.TradeKindSell {
		if bal.Lt(tokens) {
			return fmt.Errorf("holder %s sells %s of %s", evt.Trader.Hex(), tokens.Dec(), bal.Dec())
		}
		bal = new(uint256.Int).Sub(bal, tokens)
	} else {
		bal = new(uint256.Int).Add(bal, tokens)
	}
	hs[evt.Side][evt.Trader] = bal

	bs.TradeSeq = evt.Sequence
	bs.ChainTip = common.Hash(evt.Hash)
	if evt.RequestID != "" {
		r.keys = append(r.keys, evt.Kind.String()+":"+evt.RequestID)
	}
	return nil
}

func (r *replayer) settled(evt *event.BattleSettled) error {
	bs, _, err := r.battle(evt.BattleID)
	if err != nil {
		return err
	}
	if bs.Battle.WinnerDecided {
		return nil
	}
	winnerIsA := evt.WinnerIsSideA
	bs.Battle.WinnerDecided = true
	bs.Battle.WinnerIsSideA = &winnerIsA
	bs.Battle.Active = false

	bs.Sides[state.SideA].Pool = orZero(evt.FinalPoolA)
	bs.Sides[state.SideB].Pool = orZero(evt.FinalPoolB)

	winner := state.SideB
	if winnerIsA {
		winner = state.SideA
	}
	bs.Settlement = &core.SettlementResult{
		BattleID:              evt.BattleID,
		WinnerIsSideA:         winnerIsA,
		Winner:                winner,
		LoserPool:             orZero(evt.LoserPool),
		LosingTradersShare:    orZero(evt.LosingTraders),
		WinningTradersShare:   orZero(evt.WinningTraders),
		WinningArtistEarnings: orZero(evt.WinningArtistEarnings),
		LosingArtistEarnings:  orZero(evt.LosingArtistEarnings),
		PlatformEarnings:      orZero(evt.PlatformEarnings),
		OrphanedShare:         orZero(evt.OrphanedShare),
		FinalPoolA:            orZero(evt.FinalPoolA),
		FinalPoolB:            orZero(evt.FinalPoolB),
		WinningClaimPool:      orZero(bs.Sides[winner].Pool),
		LosingClaimPool:       orZero(bs.Sides[winner.Other()].Pool),
		SettledAt:             evt.Timestamp,
	}
	return nil
}

func (r *replayer) claim(evt *event.ClaimPaid) error {
	bs, hs, err := r.battle(evt.BattleID)
	if err != nil {
		return err
	}
	for _, c := range bs.Claimed {
		if c == evt.Holder {
			return nil
		}
	}
	redeem := func(s state.Side, tokens, share *uint256.Int) error {
		tokens, share = orZero(tokens), orZero(share)
		if tokens.IsZero() {
			return nil
		}
		side := &bs.Sides[s]
		if side.Pool.Lt(share) || side.Supply.Lt(tokens) {
			return fmt.Errorf("side %s claim exceeds pool or supply", s)
		}
		side.Pool = new(uint256.Int).Sub(side.Pool, share)
		side.Supply = new(uint256.Int).Sub(side.Supply, tokens)
		delete(hs[s], evt.Holder)
		return nil
	}
	if err := redeem(state.SideA, evt.TokensA, evt.ShareA); err != nil {
		return err
	}
	if err := redeem(state.SideB, evt.TokensB, evt.ShareB); err != nil {
		return err
	}
	bs.Claimed = append(bs.Claimed, evt.Holder)
	return nil
}

func (r *replayer) payout(evt *event.PayoutUpdated) {
	switch evt.Status {
	case event.PayoutSent:
		delete(r.pending, evt.PayoutID)
	default:
		p := core.Payout{
			ID:        evt.PayoutID,
			BattleID:  evt.BattleID,
			Kind:      core.PayoutKind(evt.Kind),
			Recipient: evt.Recipient,
			Asset:     state.AssetRef{Token: evt.Asset},
			Amount:    orZero(evt.Amount),
			Status:    evt.Status,
			Attempts:  evt.Attempts,
			LastError: evt.LastError,
			CreatedAt: evt.Timestamp,
			UpdatedAt: evt.Timestamp,
		}
		if prev, ok := r.pending[evt.PayoutID]; ok {
			if prev.Attempts > evt.Attempts {
				return
			}
			p.CreatedAt = prev.CreatedAt
		}
		r.pending[evt.PayoutID] = p
	}
}

// finish writes holder maps and pending payouts back into the snapshot in
// a deterministic order.
func (r *replayer) finish() *core.EngineSnapshot {
	for i := range r.snap.Battles {
		bs := &r.snap.Battles[i]
		hs := r.holders[bs.Battle.ID]
		for _, s := range state.Sides {
			holders := make([]core.HolderSnapshot, 0, len(hs[s]))
			for addr, bal := range hs[s] {
				if bal.IsZero() {
					continue
				}
				holders = append(holders, core.HolderSnapshot{Holder: addr, Balance: bal})
			}
			sort.Slice(holders, func(a, b int) bool {
				return holders[a].Holder.Cmp(holders[b].Holder) < 0
			})
			bs.Sides[s].Holders = holders
		}
	}

	pending := make([]core.Payout, 0, len(r.pending))
	for _, p := range r.pending {
		pending = append(pending, p)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	r.snap.PendingPayouts = pending

	// Idempotency keys are most recent first.
	if len(r.keys) > 0 {
		keys := make([]string, 0, len(r.keys)+len(r.snap.IdempotencyKeys))
		for i := len(r.keys) - 1; i >= 0; i-- {
			keys = append(keys, r.keys[i])
		}
		r.snap.IdempotencyKeys = append(keys, r.snap.IdempotencyKeys...)
	}
	return r.snap
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
