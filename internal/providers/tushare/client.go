// Package tushare implements the TuShare Pro HTTP adapter. TuShare exposes
// one POST endpoint; every dataset is addressed by api_name and returns a
// column-oriented frame (fields + items).
package tushare

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/redmargin/quantgate/internal/apperr"
	"github.com/redmargin/quantgate/internal/domain"
)

const compactDate = "20060102"

// Client is a TuShare Pro API client.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a new TuShare Pro client.
func NewClient(baseURL, token string, timeout time.Duration, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://api.tushare.pro"
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("client", "tushare").Logger(),
	}
}

// Name implements the provider contract.
func (c *Client) Name() string { return "tushare" }

type apiRequest struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
	Fields  string            `json:"fields"`
}

type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Fields []string        `json:"fields"`
		Items  [][]interface{} `json:"items"`
	} `json:"data"`
}

// frame is a decoded column-oriented response with by-name cell access.
type frame struct {
	index []map[string]interface{}
}

func (f *frame) rows() []map[string]interface{} { return f.index }

// call issues one TuShare request and decodes the frame.
func (c *Client) call(ctx context.Context, apiName string, params map[string]string, fields string) (*frame, error) {
	body, err := json.Marshal(apiRequest{APIName: apiName, Token: c.token, Params: params, Fields: fields})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "tushare: encode %s request", apiName)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "tushare: build %s request", apiName)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, err, "tushare: %s request failed", apiName)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, err, "tushare: read %s response", apiName)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Provider("tushare: %s returned http %d", apiName, resp.StatusCode)
	}

	var decoded apiResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, err, "tushare: decode %s response", apiName)
	}
	if decoded.Code != 0 {
		return nil, apperr.Provider("tushare: %s rejected with code %d: %s", apiName, decoded.Code, decoded.Msg)
	}

	out := &frame{index: make([]map[string]interface{}, 0, len(decoded.Data.Items))}
	for _, item := range decoded.Data.Items {
		row := make(map[string]interface{}, len(decoded.Data.Fields))
		for i, field := range decoded.Data.Fields {
			if i < len(item) {
				row[field] = item[i]
			}
		}
		out.index = append(out.index, row)
	}
	return out, nil
}

// ToTsCode converts a canonical symbol to the TuShare ts_code form. Bare
// six-digit codes get the exchange suffix inferred from the leading digit.
func ToTsCode(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if strings.Contains(symbol, ".") {
		return symbol
	}
	switch {
	case strings.HasPrefix(symbol, "6"):
		return symbol + ".SH"
	case strings.HasPrefix(symbol, "4"), strings.HasPrefix(symbol, "8"):
		return symbol + ".BJ"
	default:
		return symbol + ".SZ"
	}
}

// GetDailyBars fetches daily OHLCV rows. TuShare reports volume in lots and
// amount in thousand CNY; both are rescaled to shares and CNY here.
func (c *Client) GetDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	f, err := c.call(ctx, "daily", map[string]string{
		"ts_code":    ToTsCode(symbol),
		"start_date": start.Format(compactDate),
		"end_date":   end.Format(compactDate),
	}, "ts_code,trade_date,open,high,low,close,vol,amount")
	if err != nil {
		return nil, err
	}

	bars := make([]domain.Bar, 0, len(f.rows()))
	for _, row := range f.rows() {
		tradeDate, err := time.ParseInLocation(compactDate, getString(row, "trade_date"), time.UTC)
		if err != nil {
			continue
		}
		bars = append(bars, domain.Bar{
			TradeDate: tradeDate,
			Symbol:    symbol,
			Open:      getFloat(row, "open"),
			High:      getFloat(row, "high"),
			Low:       getFloat(row, "low"),
			Close:     getFloat(row, "close"),
			Volume:    getFloat(row, "vol") * 100,
			Amount:    getFloat(row, "amount") * 1000,
		})
	}
	domain.SortBars(bars)
	return bars, nil
}

// GetTradeCalendar fetches the SSE trade calendar for the range.
func (c *Client) GetTradeCalendar(ctx context.Context, start, end time.Time) ([]domain.TradingDay, error) {
	f, err := c.call(ctx, "trade_cal", map[string]string{
		"exchange":   "SSE",
		"start_date": start.Format(compactDate),
		"end_date":   end.Format(compactDate),
	}, "cal_date,is_open")
	if err != nil {
		return nil, err
	}

	days := make([]domain.TradingDay, 0, len(f.rows()))
	for _, row := range f.rows() {
		calDate, err := time.ParseInLocation(compactDate, getString(row, "cal_date"), time.UTC)
		if err != nil {
			continue
		}
		days = append(days, domain.TradingDay{TradeDate: calDate, IsOpen: getFloat(row, "is_open") > 0})
	}
	sort.Slice(days, func(i, j int) bool { return days[i].TradeDate.Before(days[j].TradeDate) })
	return days, nil
}

// GetSecurityStatus reports ST and suspension flags. ST comes from the
// listing name, suspension from today's suspend_d feed.
func (c *Client) GetSecurityStatus(ctx context.Context, symbol string) (domain.SecurityStatus, error) {
	tsCode := ToTsCode(symbol)

	basic, err := c.call(ctx, "stock_basic", map[string]string{"ts_code": tsCode}, "ts_code,name")
	if err != nil {
		return domain.SecurityStatus{}, err
	}
	var status domain.SecurityStatus
	for _, row := range basic.rows() {
		if strings.Contains(strings.ToUpper(getString(row, "name")), "ST") {
			status.IsST = true
		}
	}

	suspended, err := c.call(ctx, "suspend_d", map[string]string{
		"ts_code":      tsCode,
		"trade_date":   time.Now().UTC().Format(compactDate),
		"suspend_type": "S",
	}, "ts_code,suspend_type")
	if err != nil {
		// The suspension feed needs extra points on some plans; ST alone is
		// still a usable answer.
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("Suspension lookup failed, assuming trading")
		return status, nil
	}
	status.IsSuspended = len(suspended.rows()) > 0
	return status, nil
}

// GetFundamentalSnapshot returns the latest financial-indicator row whose
// announcement date is on or before asOf.
func (c *Client) GetFundamentalSnapshot(ctx context.Context, symbol string, asOf time.Time) (domain.FundamentalSnapshot, error) {
	f, err := c.call(ctx, "fina_indicator", map[string]string{"ts_code": ToTsCode(symbol)},
		"ts_code,ann_date,end_date,roe,or_yoy,netprofit_yoy,grossprofit_margin,debt_to_assets,ocf_to_or,eps")
	if err != nil {
		return domain.FundamentalSnapshot{}, err
	}

	snapshot := domain.FundamentalSnapshot{Symbol: symbol, AsOf: asOf, Source: "tushare"}
	var best *time.Time
	for _, row := range f.rows() {
		annDate, err := time.ParseInLocation(compactDate, getString(row, "ann_date"), time.UTC)
		if err != nil || annDate.After(asOf) {
			continue
		}
		if best != nil && !annDate.After(*best) {
			continue
		}
		published := annDate
		best = &published

		snapshot.PublishDate = &published
		if reportDate, err := time.ParseInLocation(compactDate, getString(row, "end_date"), time.UTC); err == nil {
			reported := reportDate
			snapshot.ReportDate = &reported
		}
		snapshot.ROE = getPct(row, "roe")
		snapshot.RevenueYoY = getPct(row, "or_yoy")
		snapshot.NetProfitYoY = getPct(row, "netprofit_yoy")
		snapshot.GrossMargin = getPct(row, "grossprofit_margin")
		snapshot.DebtToAsset = getPct(row, "debt_to_assets")
		snapshot.OCFToProfit = getFloatPtr(row, "ocf_to_or")
		snapshot.EPS = getFloatPtr(row, "eps")
	}
	if best == nil {
		return snapshot, apperr.NotFound("no fundamental row for %s announced by %s", symbol, asOf.Format(domain.DateLayout))
	}
	return snapshot, nil
}

// ListAdvancedCapabilities implements the advanced-dataset contract.
func (c *Client) ListAdvancedCapabilities() []string {
	return []string{"turnover", "moneyflow", "free_float"}
}

// GetAdvancedColumns joins daily_basic and moneyflow for one symbol-date.
func (c *Client) GetAdvancedColumns(ctx context.Context, symbol string, tradeDate time.Time) (domain.AdvancedCols, error) {
	tsCode := ToTsCode(symbol)
	date := tradeDate.Format(compactDate)

	var cols domain.AdvancedCols
	basic, err := c.call(ctx, "daily_basic", map[string]string{"ts_code": tsCode, "trade_date": date},
		"ts_code,turnover_rate,circ_mv")
	if err != nil {
		return cols, err
	}
	for _, row := range basic.rows() {
		cols.TurnoverRate = getPct(row, "turnover_rate")
		if mv := getFloatPtr(row, "circ_mv"); mv != nil {
			// circ_mv is reported in ten-thousand CNY.
			scaled := *mv * 10000
			cols.FreeFloatMktCap = &scaled
		}
	}

	flow, err := c.call(ctx, "moneyflow", map[string]string{"ts_code": tsCode, "trade_date": date},
		"ts_code,net_mf_amount")
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("Moneyflow lookup failed")
		return cols, nil
	}
	for _, row := range flow.rows() {
		if net := getFloatPtr(row, "net_mf_amount"); net != nil {
			scaled := *net * 10000
			cols.MoneyflowNet = &scaled
		}
	}
	return cols, nil
}

// PrefetchAdvancedDatasets is a no-op for the live adapter; TuShare is
// queried per symbol-date and the composite cache keeps the hot path warm.
func (c *Client) PrefetchAdvancedDatasets(ctx context.Context, symbols []string, start, end time.Time) error {
	return nil
}

func getString(row map[string]interface{}, key string) string {
	if v, ok := row[key].(string); ok {
		return v
	}
	return ""
}

func getFloat(row map[string]interface{}, key string) float64 {
	if v, ok := row[key].(float64); ok {
		return v
	}
	return 0
}

func getFloatPtr(row map[string]interface{}, key string) *float64 {
	if v, ok := row[key].(float64); ok {
		return &v
	}
	return nil
}

// getPct converts a TuShare percent column to a fraction pointer.
func getPct(row map[string]interface{}, key string) *float64 {
	if v, ok := row[key].(float64); ok {
		frac := v / 100
		return &frac
	}
	return nil
}
