package services

import (
	"fmt"

	"github.com/bankai-project/clob/internal/ledger"
	"github.com/bankai-project/clob/internal/matching"
)

// settlementJournal turns a match plan into ledger entries. The taker's full
// reserve must already be locked in the same transaction.
//
// Per fill of size s at maker price p:
//   - buyer: locked USDC drops by the reserve released for s; whatever that
//     exceeds cost=floor(s*p) returns to available. Buyer receives s tokens.
//   - seller: s locked tokens are consumed. Seller receives cost USDC.
//   - the taker's proceeds are reduced by the fill fee. The maker rebate share of
//     it goes to the maker, the rest to the collector.
//
// After the fills, self-trade cancels release their makers' reserves and an
// unfilled IOC/market remainder releases the taker's.
func settlementJournal(j *ledger.Journal, book *matching.Book, plan *matching.MatchPlan, feeCollector string) error {
	taker := plan.Taker
	outcomeAsset := matching.OutcomeAsset(taker.Outcome)
	takerRemaining := taker.OriginalAmount

	for _, f := range plan.Fills {
		maker := book.Get(f.MakerOrderID)
		if maker == nil {
			return fmt.Errorf("%w: maker %s not in book", matching.ErrInvariant, f.MakerOrderID)
		}

		buyer, seller := maker, taker
		buyerRemaining := maker.Remaining()
		if taker.Side == matching.Buy {
			buyer, seller = taker, maker
			buyerRemaining = takerRemaining
		}

		cost, err := matching.Notional(f.Size, f.Price, false)
		if err != nil {
			return err
		}
		before, err := buyer.ReserveFor(buyerRemaining)
		if err != nil {
			return err
		}
		after, err := buyer.ReserveFor(buyerRemaining - f.Size)
		if err != nil {
			return err
		}
		released := before - after
		refund, err := matching.SubAmount(released, cost)
		if err != nil {
			return fmt.Errorf("%w: buyer %s reserve %d below cost %d", matching.ErrInvariant, buyer.ID, released, cost)
		}

		buyerTokens, sellerUSDC := f.Size, cost
		if f.Fee > 0 {
			if taker.Side == matching.Buy {
				buyerTokens, err = matching.SubAmount(buyerTokens, f.Fee)
			} else {
				sellerUSDC, err = matching.SubAmount(sellerUSDC, f.Fee)
			}
			if err != nil {
				return fmt.Errorf("%w: fee %d exceeds proceeds", matching.ErrInvariant, f.Fee)
			}
		}

		j.Settle(buyer.UserID, ledger.USDC, released, refund).
			Credit(buyer.UserID, outcomeAsset, buyerTokens).
			Settle(seller.UserID, outcomeAsset, f.Size, 0).
			Credit(seller.UserID, ledger.USDC, sellerUSDC)
		if f.Fee > 0 {
			platform, err := matching.SubAmount(f.Fee, f.MakerRebate)
			if err != nil {
				return fmt.Errorf("%w: rebate %d exceeds fee %d", matching.ErrInvariant, f.MakerRebate, f.Fee)
			}
			if f.MakerRebate > 0 {
				j.Credit(maker.UserID, f.FeeAsset, f.MakerRebate)
			}
			if platform > 0 {
				j.Credit(feeCollector, f.FeeAsset, platform)
			}
		}

		takerRemaining -= f.Size
	}

	for _, o := range plan.SelfTradeCancels {
		reserve, err := o.Reserve()
		if err != nil {
			return err
		}
		j.Unlock(o.UserID, o.ReserveAsset(), reserve)
	}

	if !plan.Rest && takerRemaining > 0 {
		leftover, err := taker.ReserveFor(takerRemaining)
		if err != nil {
			return err
		}
		j.Unlock(taker.UserID, taker.ReserveAsset(), leftover)
	}
	return nil
}
