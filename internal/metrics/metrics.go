package metrics

import "expvar"

var (
	Ticks            = expvar.NewInt("ticks")
	TickErrors       = expvar.NewInt("tick_errors")
	SignalsEvaluated = expvar.NewInt("signals_evaluated")
	EntriesOpened    = expvar.NewInt("entries_opened")
	EntriesDenied    = expvar.NewInt("entries_denied")
	PositionsSettled = expvar.NewInt("positions_settled")
	PositionsStale   = expvar.NewInt("positions_stale")
	EarlyExits       = expvar.NewInt("early_exits")
	RatePenalties    = expvar.NewInt("rate_penalties")
)
