// Package providers implements the composite market-data plane: the provider
// capability contract, ordered failover with per-provider circuit breakers
// and rate limits, and the incremental local bar cache.
package providers

import (
	"context"
	"time"

	"github.com/redmargin/quantgate/internal/domain"
)

// Provider is the capability contract every market-data adapter implements.
// Daily bars, the trade calendar, and security status are mandatory; the
// remaining capabilities are optional interfaces probed with type assertions.
type Provider interface {
	Name() string
	GetDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)
	GetTradeCalendar(ctx context.Context, start, end time.Time) ([]domain.TradingDay, error)
	GetSecurityStatus(ctx context.Context, symbol string) (domain.SecurityStatus, error)
}

// IntradayProvider is the optional intraday bar capability.
type IntradayProvider interface {
	GetIntradayBars(ctx context.Context, symbol string, interval domain.IntradayInterval, start, end time.Time) ([]domain.IntradayBar, error)
}

// FundamentalProvider is the optional point-in-time fundamentals capability.
type FundamentalProvider interface {
	GetFundamentalSnapshot(ctx context.Context, symbol string, asOf time.Time) (domain.FundamentalSnapshot, error)
}

// CorporateEventProvider is the optional corporate-event feed capability.
type CorporateEventProvider interface {
	GetCorporateEventSnapshot(ctx context.Context, symbol string, start, end time.Time) ([]domain.CorporateEvent, error)
}

// MarketStyleProvider is the optional market-style snapshot capability.
type MarketStyleProvider interface {
	GetMarketStyleSnapshot(ctx context.Context, tradeDate time.Time) (domain.MarketStyleSnapshot, error)
}

// AdvancedProvider is the optional vendor-advanced dataset capability
// (valuation bands, money flow, disclosure and overhang columns).
type AdvancedProvider interface {
	ListAdvancedCapabilities() []string
	GetAdvancedColumns(ctx context.Context, symbol string, tradeDate time.Time) (domain.AdvancedCols, error)
	PrefetchAdvancedDatasets(ctx context.Context, symbols []string, start, end time.Time) error
}
