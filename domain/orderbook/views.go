package orderbook

import "github.com/preidman/dex/domain/order"

// LevelView is one aggregated price level in a depth snapshot.
type LevelView struct {
	Price  int64 `json:"price"`
	Amount int64 `json:"amount"`
	Orders int   `json:"orders"`
}

// DepthView is the aggregated read model of a book, a derived view for
// external subscribers. It is a copy and never aliases live book state.
type DepthView struct {
	Pair order.AssetPair `json:"pair"`
	Bids []LevelView     `json:"bids"` // best (highest) first
	Asks []LevelView     `json:"asks"` // best (lowest) first
}

// TradeView is the externally visible record of one execution.
type TradeView struct {
	MakerID   string `json:"makerId"`
	TakerID   string `json:"takerId"`
	Amount    int64  `json:"amount"`
	Price     int64  `json:"price"`
	Timestamp int64  `json:"timestamp"`
}

// MarketStatus summarizes best bid/ask and the last trade of a pair.
type MarketStatus struct {
	Pair      order.AssetPair `json:"pair"`
	BestBid   *LevelView      `json:"bestBid,omitempty"`
	BestAsk   *LevelView      `json:"bestAsk,omitempty"`
	LastTrade *TradeView      `json:"lastTrade,omitempty"`
}

// Depth builds the aggregated per-level view, at most maxLevels per side
// (0 = unbounded).
func (b *OrderBook) Depth(maxLevels int) DepthView {
	view := DepthView{Pair: b.Pair}

	collect := func(lvl *PriceLevel) LevelView {
		return LevelView{Price: lvl.Price, Amount: lvl.TotalAmount, Orders: lvl.OrderCount}
	}

	b.Bids.WalkDesc(func(lvl *PriceLevel) bool {
		view.Bids = append(view.Bids, collect(lvl))
		return maxLevels == 0 || len(view.Bids) < maxLevels
	})
	b.Asks.WalkAsc(func(lvl *PriceLevel) bool {
		view.Asks = append(view.Asks, collect(lvl))
		return maxLevels == 0 || len(view.Asks) < maxLevels
	})
	return view
}

// Status reports best bid/ask and the last trade.
func (b *OrderBook) Status() MarketStatus {
	st := MarketStatus{Pair: b.Pair}
	if lvl := b.Bids.BestMax(); lvl != nil {
		st.BestBid = &LevelView{Price: lvl.Price, Amount: lvl.TotalAmount, Orders: lvl.OrderCount}
	}
	if lvl := b.Asks.BestMin(); lvl != nil {
		st.BestAsk = &LevelView{Price: lvl.Price, Amount: lvl.TotalAmount, Orders: lvl.OrderCount}
	}
	if t := b.lastTrade; t != nil {
		st.LastTrade = &TradeView{
			MakerID:   t.MakerID,
			TakerID:   t.TakerID,
			Amount:    t.Amount,
			Price:     t.Price,
			Timestamp: t.Timestamp,
		}
	}
	return st
}
