package schema

// ChannelKind enumerates the notification channels the quoter consumes.
type ChannelKind string

const (
	// ChannelOrders carries session order state updates.
	ChannelOrders ChannelKind = "session.orders"
	// ChannelPortfolio carries account position updates.
	ChannelPortfolio ChannelKind = "account.portfolio"
	// ChannelTrades carries execution notifications.
	ChannelTrades ChannelKind = "trades"
	// ChannelAccountSummary is the synthetic channel for account summary results.
	ChannelAccountSummary ChannelKind = "account.summary"
	// ChannelTicker is the synthetic channel for ticker results.
	ChannelTicker ChannelKind = "ticker"
)

// Order is a single entry of a session.orders notification.
type Order struct {
	ClientOrderID uint64  `json:"client_order_id"`
	Status        string  `json:"status"`
	Price         float64 `json:"price"`
	Direction     string  `json:"direction"`
	Amount        float64 `json:"amount"`
	Instrument    string  `json:"instrument"`
	Label         string  `json:"label"`
}

// PortfolioEntry is a single entry of an account.portfolio notification.
type PortfolioEntry struct {
	InstrumentName string  `json:"instrument_name"`
	Position       float64 `json:"position"`
}

// Trade is a single execution carried by a trades notification.
type Trade struct {
	Instrument string  `json:"instrument"`
	Label      string  `json:"label"`
	Amount     float64 `json:"amount"`
	Price      float64 `json:"price"`
}

// TradesNotification wraps the trades channel payload.
type TradesNotification struct {
	Trades []Trade `json:"trades"`
}

// AccountSummary carries the PnL fields consumed from account summary results.
type AccountSummary struct {
	UnrealisedPnL      float64 `json:"unrealised_pnl"`
	SessionRealisedPnL float64 `json:"session_realised_pnl"`
	AccountNumber      string  `json:"account_number"`
}

// TickerData carries the top-of-book fields consumed from ticker results.
type TickerData struct {
	BestBidPrice float64 `json:"best_bid_price"`
	BestAskPrice float64 `json:"best_ask_price"`
}

// Mid returns the mid price implied by the best bid and ask.
func (t TickerData) Mid() float64 {
	return (t.BestBidPrice + t.BestAskPrice) / 2
}

// VenueError is the error payload attached to an exchange error frame.
type VenueError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// InstrumentInfo is the subset of the venue instrument result the quoter reads.
type InstrumentInfo struct {
	InstrumentName string  `json:"instrument_name"`
	TickSize       float64 `json:"tick_size"`
}
