// Package domain holds the entities and sentinel errors shared across the
// trading core. It has no dependency on any other internal package so every
// component can import it without creating cycles.
package domain

import "errors"

// Sentinel errors checked with errors.Is across component boundaries.
var (
	// ErrInvalidTransition is returned when an order lifecycle transition is
	// not a legal successor of the order's current status.
	ErrInvalidTransition = errors.New("invalid order status transition")

	// ErrDuplicateJob is returned when a RepairJob is requested for a
	// (symbol, timeframe, range) that already has an active job.
	ErrDuplicateJob = errors.New("repair job already active for range")

	// ErrStaleData names market data older than DATA_STALE_MAX. No component
	// in this module returns it; the Data Service and decision cycle do not
	// check candle age.
	ErrStaleData = errors.New("market data is stale")

	// ErrKillSwitch names an engaged TRADING_ENABLED=false kill switch. No
	// component in this module returns it: the Executor does not check the
	// switch; the risk gate rejects candidates under its TRADING_ENABLED rule
	// and the daemon refuses --executor=live at startup.
	ErrKillSwitch = errors.New("trading kill switch is engaged")

	// ErrNotFound is returned by read paths when no row matches.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited is returned by the venue adapter so callers can back off.
	ErrRateLimited = errors.New("venue rate limit exceeded")
)
