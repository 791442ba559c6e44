package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	eastmoneyFields = "f2,f5,f12,f13,f14,f15,f16,f17,f18,f124"

	eastmoneyQuotesURL = "https://push2.eastmoney.com/api/qt/ulist.np/get"
	eastmoneyTrendsURL = "https://push2his.eastmoney.com/api/qt/stock/trends2/get"
)

// EastmoneyProvider uses the ulist endpoint, one request per batch. It has
// no order book, levels are left empty. The trends2 endpoint backs the
// intraday chart.
type EastmoneyProvider struct {
	baseURL    string
	trendsURL  string
	client     *http.Client
	maxRetries int
	retryWait  time.Duration
	now        func() time.Time
}

type eastmoneyResp struct {
	RC   int            `json:"rc"`
	Data *eastmoneyData `json:"data"`
}

type eastmoneyData struct {
	Total int              `json:"total"`
	Diff  []eastmoneyQuote `json:"diff"`
}

// eastmoneyTrendsResp carries one CSV line per minute:
// "2006-01-02 15:04,open,close,high,low,volume,amount,avg".
type eastmoneyTrendsResp struct {
	RC   int `json:"rc"`
	Data *struct {
		Code     string     `json:"code"`
		Market   int        `json:"market"`
		PreClose flexNumber `json:"preClose"`
		Trends   []string   `json:"trends"`
	} `json:"data"`
}

type eastmoneyQuote struct {
	Price     flexNumber `json:"f2"`
	Volume    flexNumber `json:"f5"`
	Code      string     `json:"f12"`
	Market    int        `json:"f13"`
	Name      string     `json:"f14"`
	High      flexNumber `json:"f15"`
	Low       flexNumber `json:"f16"`
	Open      flexNumber `json:"f17"`
	PrevClose flexNumber `json:"f18"`
	Updated   flexNumber `json:"f124"`
}

func NewEastmoneyProvider(timeout time.Duration) *EastmoneyProvider {
	return NewEastmoneyProviderWithURLs(eastmoneyQuotesURL, eastmoneyTrendsURL, timeout)
}

func NewEastmoneyProviderWithURL(baseURL string, timeout time.Duration) *EastmoneyProvider {
	return NewEastmoneyProviderWithURLs(baseURL, eastmoneyTrendsURL, timeout)
}

func NewEastmoneyProviderWithURLs(quotesURL, trendsURL string, timeout time.Duration) *EastmoneyProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &EastmoneyProvider{
		baseURL:    quotesURL,
		trendsURL:  trendsURL,
		client:     &http.Client{Timeout: timeout},
		maxRetries: 3,
		retryWait:  150 * time.Millisecond,
		now:        time.Now,
	}
}

func (p *EastmoneyProvider) FetchQuotes(ctx context.Context, symbols []Symbol) ([]QuoteRecord, string, error) {
	if len(symbols) == 0 {
		return nil, "", newFetchError(FetchEmptyBatch, "symbols is empty")
	}
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, "", newFetchError(FetchMalformedResponse, "invalid base url: %w", err)
	}
	bySecID := make(map[string]Symbol, len(symbols))
	secids := make([]string, 0, len(symbols))
	for _, s := range symbols {
		bySecID[s.SecID()] = s
		secids = append(secids, s.SecID())
	}
	q := u.Query()
	q.Set("secids", strings.Join(secids, ","))
	q.Set("fields", eastmoneyFields)
	q.Set("fltt", "2")
	q.Set("invt", "2")
	u.RawQuery = q.Encode()

	var payload eastmoneyResp
	if err := p.get(ctx, u.String(), &payload); err != nil {
		return nil, "", err
	}
	if payload.Data == nil {
		// rc==0 with null data is how the endpoint answers unknown secids
		if payload.RC == 0 {
			return []QuoteRecord{}, "eastmoney", nil
		}
		return nil, "", newFetchError(FetchMalformedResponse, "eastmoney: rc=%d without data", payload.RC)
	}

	fetchedAt := p.now()
	out := make([]QuoteRecord, 0, len(payload.Data.Diff))
	for _, d := range payload.Data.Diff {
		sym, ok := bySecID[strconv.Itoa(d.Market)+"."+d.Code]
		if !ok || !d.PrevClose.Valid {
			continue
		}
		out = append(out, d.record(sym, fetchedAt))
	}
	return out, "eastmoney", nil
}

// FetchIntraday returns the minute chart of the latest session. A symbol
// with no trading yet yields an empty slice.
func (p *EastmoneyProvider) FetchIntraday(ctx context.Context, sym Symbol) ([]MinuteBar, error) {
	u, err := url.Parse(p.trendsURL)
	if err != nil {
		return nil, newFetchError(FetchMalformedResponse, "invalid trends url: %w", err)
	}
	q := u.Query()
	q.Set("secid", sym.SecID())
	q.Set("fields1", "f1,f2,f3,f4,f5,f6,f7,f8,f9,f10,f11,f12,f13")
	q.Set("fields2", "f51,f52,f53,f54,f55,f56,f57,f58")
	q.Set("iscr", "0")
	q.Set("ndays", "1")
	u.RawQuery = q.Encode()

	var payload eastmoneyTrendsResp
	if err := p.get(ctx, u.String(), &payload); err != nil {
		return nil, err
	}
	if payload.Data == nil {
		if payload.RC == 0 {
			return []MinuteBar{}, nil
		}
		return nil, newFetchError(FetchMalformedResponse, "eastmoney trends: rc=%d without data", payload.RC)
	}
	bars := make([]MinuteBar, 0, len(payload.Data.Trends))
	for _, line := range payload.Data.Trends {
		bar, ok := parseTrendLine(line)
		if !ok {
			continue
		}
		// bars must stay strictly ordered, a repeated minute keeps the last line
		if n := len(bars); n > 0 && !bar.Time.After(bars[n-1].Time) {
			bars[n-1] = bar
			continue
		}
		bars = append(bars, bar)
	}
	if len(bars) == 0 && len(payload.Data.Trends) > 0 {
		return nil, newFetchError(FetchMalformedResponse, "eastmoney trends: no parsable line for %s", sym)
	}
	return bars, nil
}

func parseTrendLine(line string) (MinuteBar, bool) {
	f := strings.Split(line, ",")
	if len(f) < 6 {
		return MinuteBar{}, false
	}
	ts, err := time.ParseInLocation("2006-01-02 15:04", strings.TrimSpace(f[0]), chinaZone)
	if err != nil {
		return MinuteBar{}, false
	}
	price := parseDecimal(f[2])
	if !price.IsPositive() {
		return MinuteBar{}, false
	}
	return MinuteBar{
		Time:   ts,
		Price:  price,
		Volume: parseInt64(f[5]) * 100, // lots to shares
	}, true
}

func (p *EastmoneyProvider) get(ctx context.Context, endpoint string, out any) error {
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return classify(ctx.Err())
			case <-time.After(p.retryWait):
			}
		}
		err := p.getOnce(ctx, endpoint, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !shouldRetry(err) {
			break
		}
	}
	return classify(lastErr)
}

func (p *EastmoneyProvider) getOnce(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return newFetchError(FetchMalformedResponse, "build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request eastmoney: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus("eastmoney", resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if shouldRetry(err) {
			return fmt.Errorf("decode eastmoney: %w", err)
		}
		return newFetchError(FetchMalformedResponse, "decode eastmoney: %w", err)
	}
	return nil
}

func (d eastmoneyQuote) record(sym Symbol, fetchedAt time.Time) QuoteRecord {
	q := QuoteRecord{
		Symbol:     sym,
		Name:       strings.TrimSpace(d.Name),
		Last:       d.Price.Decimal,
		PrevClose:  d.PrevClose.Decimal,
		Open:       d.Open.Decimal,
		High:       d.High.Decimal,
		Low:        d.Low.Decimal,
		Volume:     d.Volume.IntPart() * 100, // lots to shares
		SourceTime: fetchedAt,
		FetchedAt:  fetchedAt,
	}
	if !d.Price.Valid {
		q.Last = q.PrevClose
	}
	if d.Updated.Valid && d.Updated.IntPart() > 0 {
		q.SourceTime = time.Unix(d.Updated.IntPart(), 0).In(chinaZone)
	}
	return q
}
