// Package akshare implements the AKShare adapter. AKShare itself is a
// library, not a service; this client talks to an AKTools HTTP bridge that
// exposes each AKShare interface under /api/public/{name}.
package akshare

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/redmargin/quantgate/internal/apperr"
	"github.com/redmargin/quantgate/internal/domain"
)

const compactDate = "20060102"

// Client is an AKTools bridge client.
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a new AKShare bridge client.
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("client", "akshare").Logger(),
	}
}

// Name implements the provider contract.
func (c *Client) Name() string { return "akshare" }

// get issues one bridge call and decodes the JSON list into out.
func (c *Client) get(ctx context.Context, name string, params url.Values, out interface{}) error {
	endpoint := c.baseURL + "/api/public/" + name
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "akshare: build %s request", name)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindProvider, err, "akshare: %s request failed", name)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return apperr.Wrap(apperr.KindProvider, err, "akshare: read %s response", name)
	}
	if resp.StatusCode != http.StatusOK {
		return apperr.Provider("akshare: %s returned http %d", name, resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Wrap(apperr.KindProvider, err, "akshare: decode %s response", name)
	}
	return nil
}

// BareCode strips the exchange suffix; AKShare interfaces take the plain
// six-digit code.
func BareCode(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	if i := strings.IndexByte(symbol, '.'); i > 0 {
		return symbol[:i]
	}
	return symbol
}

// histRow mirrors stock_zh_a_hist's Chinese column names.
type histRow struct {
	Date   string  `json:"日期"`
	Open   float64 `json:"开盘"`
	Close  float64 `json:"收盘"`
	High   float64 `json:"最高"`
	Low    float64 `json:"最低"`
	Volume float64 `json:"成交量"` // lots
	Amount float64 `json:"成交额"` // CNY
}

// GetDailyBars fetches unadjusted daily bars via stock_zh_a_hist.
func (c *Client) GetDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	params := url.Values{}
	params.Set("symbol", BareCode(symbol))
	params.Set("period", "daily")
	params.Set("start_date", start.Format(compactDate))
	params.Set("end_date", end.Format(compactDate))
	params.Set("adjust", "")

	var rows []histRow
	if err := c.get(ctx, "stock_zh_a_hist", params, &rows); err != nil {
		return nil, err
	}

	bars := make([]domain.Bar, 0, len(rows))
	for _, row := range rows {
		tradeDate, err := domain.ParseDate(row.Date)
		if err != nil {
			continue
		}
		bars = append(bars, domain.Bar{
			TradeDate: tradeDate,
			Symbol:    symbol,
			Open:      row.Open,
			High:      row.High,
			Low:       row.Low,
			Close:     row.Close,
			Volume:    row.Volume * 100,
			Amount:    row.Amount,
		})
	}
	domain.SortBars(bars)
	return bars, nil
}

// GetTradeCalendar derives the calendar from the Sina trade-date history:
// listed dates are open, the rest of the range is closed.
func (c *Client) GetTradeCalendar(ctx context.Context, start, end time.Time) ([]domain.TradingDay, error) {
	var rows []struct {
		TradeDate string `json:"trade_date"`
	}
	if err := c.get(ctx, "tool_trade_date_hist_sina", nil, &rows); err != nil {
		return nil, err
	}

	open := make(map[string]bool, len(rows))
	for _, row := range rows {
		open[row.TradeDate] = true
	}

	var days []domain.TradingDay
	for d := domain.DateOf(start); !d.After(domain.DateOf(end)); d = d.AddDate(0, 0, 1) {
		days = append(days, domain.TradingDay{TradeDate: d, IsOpen: open[d.Format(domain.DateLayout)]})
	}
	return days, nil
}

// GetSecurityStatus reports the ST flag from the listing name. The bridge
// has no cheap suspension feed, so IsSuspended stays false here and the
// composite falls through to the next provider when the flag matters.
func (c *Client) GetSecurityStatus(ctx context.Context, symbol string) (domain.SecurityStatus, error) {
	params := url.Values{}
	params.Set("symbol", BareCode(symbol))

	var rows []struct {
		Item  string      `json:"item"`
		Value interface{} `json:"value"`
	}
	if err := c.get(ctx, "stock_individual_info_em", params, &rows); err != nil {
		return domain.SecurityStatus{}, err
	}

	var status domain.SecurityStatus
	for _, row := range rows {
		if row.Item != "股票简称" {
			continue
		}
		if name, ok := row.Value.(string); ok && strings.Contains(strings.ToUpper(name), "ST") {
			status.IsST = true
		}
	}
	return status, nil
}

// newsRow mirrors stock_news_em's Chinese column names.
type newsRow struct {
	Title       string `json:"新闻标题"`
	Content     string `json:"新闻内容"`
	PublishTime string `json:"发布时间"`
	Source      string `json:"文章来源"`
	URL         string `json:"新闻链接"`
}

// GetCorporateEventSnapshot maps the per-symbol news feed into neutral
// corporate events inside the window. Polarity scoring happens downstream in
// the event service; the feed itself carries no signed score.
func (c *Client) GetCorporateEventSnapshot(ctx context.Context, symbol string, start, end time.Time) ([]domain.CorporateEvent, error) {
	params := url.Values{}
	params.Set("symbol", BareCode(symbol))

	var rows []newsRow
	if err := c.get(ctx, "stock_news_em", params, &rows); err != nil {
		return nil, err
	}

	events := make([]domain.CorporateEvent, 0, len(rows))
	for _, row := range rows {
		published, err := time.ParseInLocation("2006-01-02 15:04:05", row.PublishTime, time.UTC)
		if err != nil {
			continue
		}
		day := domain.DateOf(published)
		if day.Before(domain.DateOf(start)) || day.After(domain.DateOf(end)) {
			continue
		}
		eventID := row.URL
		if eventID == "" {
			eventID = row.Title + "|" + row.PublishTime
		}
		events = append(events, domain.CorporateEvent{
			SourceName:  "akshare_news_em",
			EventID:     eventID,
			Symbol:      symbol,
			EventType:   "news",
			PublishTime: published,
			Polarity:    domain.PolarityNeutral,
			Score:       0,
			Confidence:  0.5,
			Title:       row.Title,
			Summary:     row.Content,
			RawRef:      row.URL,
		})
	}
	return events, nil
}
