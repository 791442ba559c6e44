package market

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/encoding/simplifiedchinese"
)

const sinaMinFields = 10

type SinaProvider struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

func NewSinaProvider(timeout time.Duration) *SinaProvider {
	return NewSinaProviderWithURL("https://hq.sinajs.cn/list=", timeout)
}

func NewSinaProviderWithURL(baseURL string, timeout time.Duration) *SinaProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SinaProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

func (p *SinaProvider) FetchQuotes(ctx context.Context, symbols []Symbol) ([]QuoteRecord, string, error) {
	if len(symbols) == 0 {
		return nil, "", newFetchError(FetchEmptyBatch, "symbols is empty")
	}
	url := p.baseURL + strings.Join(SymbolStrings(symbols), ",")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", newFetchError(FetchMalformedResponse, "build request: %w", err)
	}
	req.Header.Set("Referer", "https://finance.sina.com.cn")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", classify(fmt.Errorf("request sina: %w", err))
	}
	defer resp.Body.Close()
	if err := checkStatus("sina", resp); err != nil {
		return nil, "", err
	}

	data, err := io.ReadAll(simplifiedchinese.GBK.NewDecoder().Reader(resp.Body))
	if err != nil {
		return nil, "", classify(fmt.Errorf("read sina: %w", err))
	}

	fetchedAt := p.now()
	out := make([]QuoteRecord, 0, len(symbols))
	recognized := 0
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		q, ok, valid := parseSinaLine(line, fetchedAt)
		if valid {
			recognized++
		}
		if ok {
			out = append(out, q)
		}
	}
	if recognized == 0 {
		return nil, "", newFetchError(FetchMalformedResponse, "sina: no hq_str lines in %d bytes", len(data))
	}
	return out, "sina", nil
}

// parseSinaLine parses
//
//	var hq_str_sh600000="name,open,preclose,price,high,low,bid,ask,volume,amount,b1v,b1p,...,a5v,a5p,date,time,...";
//
// valid reports whether the line had the expected shape; ok whether it held
// a quote (an empty payload means the source does not know the symbol).
func parseSinaLine(line string, fetchedAt time.Time) (q QuoteRecord, ok, valid bool) {
	head, payload, found := strings.Cut(line, "=")
	if !found {
		return QuoteRecord{}, false, false
	}
	head = strings.TrimSpace(head)
	if !strings.HasPrefix(head, "var hq_str_") {
		return QuoteRecord{}, false, false
	}
	sym, err := ParseSymbol(strings.TrimPrefix(head, "var hq_str_"))
	if err != nil {
		return QuoteRecord{}, false, false
	}
	payload = strings.Trim(strings.TrimSpace(payload), ";")
	payload = strings.Trim(payload, "\"")
	if payload == "" {
		return QuoteRecord{}, false, true
	}
	f := strings.Split(payload, ",")
	if len(f) < sinaMinFields {
		return QuoteRecord{}, false, true
	}

	q = QuoteRecord{
		Symbol:    sym,
		Name:      strings.TrimSpace(f[0]),
		Open:      parseDecimal(f[1]),
		PrevClose: parseDecimal(f[2]),
		Last:      parseDecimal(f[3]),
		High:      parseDecimal(f[4]),
		Low:       parseDecimal(f[5]),
		Volume:    parseInt64(f[8]),
		FetchedAt: fetchedAt,
	}
	if q.Last.IsZero() {
		// no trade yet this session
		q.Last = q.PrevClose
	}
	q.Bids = sinaLevels(f, 10)
	q.Asks = sinaLevels(f, 20)
	q.SourceTime = fetchedAt
	if len(f) > 31 {
		if ts, err := time.ParseInLocation("2006-01-02 15:04:05", f[30]+" "+f[31], chinaZone); err == nil {
			q.SourceTime = ts
		}
	}
	return q, true, true
}

// sinaLevels reads up to Depth (volume, price) pairs starting at off.
func sinaLevels(f []string, off int) [Depth]Level {
	var prices, volumes []string
	for i := 0; i < Depth; i++ {
		vi, pi := off+2*i, off+2*i+1
		if pi >= len(f) {
			break
		}
		volumes = append(volumes, f[vi])
		prices = append(prices, f[pi])
	}
	return padLevels(prices, volumes)
}

func checkStatus(source string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return newFetchError(FetchUnreachable, "%s: http status %d", source, resp.StatusCode)
	default:
		return newFetchError(FetchMalformedResponse, "%s: http status %d", source, resp.StatusCode)
	}
}
