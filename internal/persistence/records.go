package persistence

import (
	"BattleLedger/internal/core"
	"BattleLedger/internal/event"
	"BattleLedger/internal/state"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Records is one persistence batch: the event log rows plus the relational
// rows derived from them.
type Records struct {
	Events      []EventRow
	Battles     []BattleRow
	Settlements []SettlementRow
	Trades      []TradeRow
	Claims      []ClaimRow

	// Latest state per payout id; one upsert row each.
	payouts map[string]PayoutRow
}

// Add appends the rows for one core output.
func (r *Records) Add(out core.CoreOutput) {
	env := out.Envelope
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		BattleID:       int64(env.BattleID),
		Payload:        env.Payload,
		Timestamp:      env.Timestamp,
	}
	if env.StateHash != ([32]byte{}) {
		row.StateHash = env.StateHash[:]
		row.PrevHash = env.PrevHash[:]
	}
	r.Events = append(r.Events, row)

	switch evt := out.Event.(type) {
	case *event.BattleCreated:
		r.Battles = append(r.Battles, BattleRow{
			BattleID:     int64(evt.BattleID),
			StartTime:    evt.StartTime,
			EndTime:      evt.EndTime,
			ParticipantA: evt.ParticipantA,
			ParticipantB: evt.ParticipantB,
			PayoutA:      evt.PayoutA.Hex(),
			PayoutB:      evt.PayoutB.Hex(),
			Asset:        assetString(evt.Asset),
			CreatedAt:    evt.Timestamp,
		})

	case *event.Trade:
		r.Trades = append(r.Trades, TradeRow{
			TradeID:       evt.TradeID.String(),
			RequestID:     evt.RequestID,
			BattleID:      int64(evt.BattleID),
			Side:          evt.Side.String(),
			Kind:          evt.Kind.String(),
			Trader:        evt.Trader.Hex(),
			Tokens:        dec(evt.Tokens),
			Gross:         dec(evt.Gross),
			ArtistFee:     dec(evt.ArtistFee),
			PlatformFee:   dec(evt.PlatformFee),
			Net:           dec(evt.Net),
			Dust:          dec(evt.Dust),
			PoolAfter:     dec(evt.PoolAfter),
			SupplyAfter:   dec(evt.SupplyAfter),
			TradeSequence: int64(evt.Sequence),
			Hash:          evt.Hash[:],
			ExecutedAt:    evt.Timestamp,
		})

	case *event.BattleSettled:
		winner := state.SideB
		if evt.WinnerIsSideA {
			winner = state.SideA
		}
		r.Settlements = append(r.Settlements, SettlementRow{
			BattleID:   int64(evt.BattleID),
			Winner:     winner.String(),
			LoserPool:  dec(evt.LoserPool),
			FinalPoolA: dec(evt.FinalPoolA),
			FinalPoolB: dec(evt.FinalPoolB),
			SettledAt:  evt.Timestamp,
		})

	case *event.ClaimPaid:
		r.Claims = append(r.Claims, ClaimRow{
			BattleID:  int64(evt.BattleID),
			Holder:    evt.Holder.Hex(),
			TokensA:   dec(evt.TokensA),
			TokensB:   dec(evt.TokensB),
			ShareA:    dec(evt.ShareA),
			ShareB:    dec(evt.ShareB),
			Amount:    dec(evt.Amount),
			ClaimedAt: evt.Timestamp,
		})

	case *event.PayoutUpdated:
		if r.payouts == nil {
			r.payouts = make(map[string]PayoutRow)
		}
		if prev, ok := r.payouts[evt.PayoutID]; ok && prev.Attempts > evt.Attempts {
			return
		}
		r.payouts[evt.PayoutID] = PayoutRow{
			PayoutID:  evt.PayoutID,
			BattleID:  int64(evt.BattleID),
			Kind:      evt.Kind,
			Recipient: evt.Recipient.Hex(),
			Asset:     assetString(evt.Asset),
			Amount:    dec(evt.Amount),
			Status:    evt.Status.String(),
			Attempts:  evt.Attempts,
			LastError: evt.LastError,
			UpdatedAt: evt.Timestamp,
		}
	}
}

// PayoutRows returns the deduplicated payout rows ordered by id.
func (r *Records) PayoutRows() []PayoutRow {
	out := make([]PayoutRow, 0, len(r.payouts))
	for _, p := range r.payouts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PayoutID < out[j].PayoutID })
	return out
}

// Len returns the number of events in the batch.
func (r *Records) Len() int {
	return len(r.Events)
}

// LastSequence returns the highest event sequence in the batch.
func (r *Records) LastSequence() int64 {
	if len(r.Events) == 0 {
		return 0
	}
	return r.Events[len(r.Events)-1].Sequence
}

// Reset empties the batch, keeping capacity.
func (r *Records) Reset() {
	r.Events = r.Events[:0]
	r.Battles = r.Battles[:0]
	r.Settlements = r.Settlements[:0]
	r.Trades = r.Trades[:0]
	r.Claims = r.Claims[:0]
	clear(r.payouts)
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func assetString(a common.Address) string {
	return state.AssetRef{Token: a}.String()
}
