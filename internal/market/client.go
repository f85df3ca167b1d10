// Package market はバックエンドの市場データAPIのクライアントを提供する。
// リクエストはすべて認証付きで送信され、401時のリフレッシュはapiclientが行う。
package market

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/cryptotrack/internal/model"
)

// 各APIのデフォルトの期間・足の間隔。
const (
	DefaultPriceRange   = "7d"
	DefaultOHLCInterval = "1h"
	DefaultOHLCRange    = "24h"
	DefaultHeatmapRange = "24h"
)

// Fetcher は認証付きでJSONを取得するクライアント。
// apiclient.Clientが実装する。
type Fetcher interface {
	GetJSON(ctx context.Context, path string, out any) (int, error)
}

// Decimal はバックエンドが文字列で返す10進数。
type Decimal string

// Float はDecimalをfloat64に変換する。変換できない場合は0を返す。
func (d Decimal) Float() float64 {
	f, err := strconv.ParseFloat(string(d), 64)
	if err != nil {
		return 0
	}
	return f
}

// PricePoint は価格履歴の1点。
type PricePoint struct {
	Symbol           string    `json:"symbol"`
	Name             string    `json:"name"`
	PriceUSD         Decimal   `json:"price_usd"`
	Volume24h        Decimal   `json:"volume_24h"`
	MarketCap        Decimal   `json:"market_cap"`
	ChangePercent1h  float64   `json:"price_change_percentage_1h"`
	ChangePercent24h float64   `json:"price_change_percentage_24h"`
	ChangePercent7d  float64   `json:"price_change_percentage_7d"`
	Timestamp        time.Time `json:"timestamp"`
}

// Candle はローソク足の1本。
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
}

// HeatmapEntry はヒートマップの1銘柄。
type HeatmapEntry struct {
	Symbol           string  `json:"symbol"`
	Name             string  `json:"name"`
	Price            float64 `json:"price"`
	ChangePercent1h  float64 `json:"percent_change_1h"`
	ChangePercent24h float64 `json:"percent_change_24h"`
	ChangePercent7d  float64 `json:"percent_change_7d"`
	MarketCap        float64 `json:"market_cap"`
}

// Indicators はテクニカル指標。データ点が不足している指標はnil。
type Indicators struct {
	SMA7  *float64 `json:"SMA_7"`
	SMA25 *float64 `json:"SMA_25"`
	RSI   *float64 `json:"RSI,omitempty"`
	MACD  *float64 `json:"MACD,omitempty"`
}

// Client は市場データAPIのクライアント。
type Client struct {
	fetcher Fetcher
}

// NewClient はClientを生成する。
func NewClient(fetcher Fetcher) *Client {
	return &Client{fetcher: fetcher}
}

// PriceHistory は銘柄の価格履歴を時系列順に取得する。rangeが空の場合は7d。
func (c *Client) PriceHistory(ctx context.Context, symbol, rng string) ([]PricePoint, error) {
	sym, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	q := url.Values{"range": {orDefault(rng, DefaultPriceRange)}}
	path := "/price-history/" + url.PathEscape(sym) + "/?" + q.Encode()

	var points []PricePoint
	if err := c.get(ctx, path, &points); err != nil {
		return nil, err
	}
	return points, nil
}

// OHLC は銘柄のローソク足を取得する。intervalとrangeが空の場合は1hと24h。
func (c *Client) OHLC(ctx context.Context, symbol, interval, rng string) ([]Candle, error) {
	sym, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	q := url.Values{
		"interval": {orDefault(interval, DefaultOHLCInterval)},
		"range":    {orDefault(rng, DefaultOHLCRange)},
	}
	path := "/ohlc/" + url.PathEscape(sym) + "/?" + q.Encode()

	var candles []Candle
	if err := c.get(ctx, path, &candles); err != nil {
		return nil, err
	}
	return candles, nil
}

// Heatmap は各銘柄の最新の騰落率を取得し、シンボル順に並べて返す。
func (c *Client) Heatmap(ctx context.Context, rng string) ([]HeatmapEntry, error) {
	q := url.Values{"range": {orDefault(rng, DefaultHeatmapRange)}}
	path := "/heatmap/?" + q.Encode()

	var bySymbol map[string]HeatmapEntry
	if err := c.get(ctx, path, &bySymbol); err != nil {
		return nil, err
	}

	entries := make([]HeatmapEntry, 0, len(bySymbol))
	for symbol, e := range bySymbol {
		if e.Symbol == "" {
			e.Symbol = symbol
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Symbol < entries[j].Symbol
	})
	return entries, nil
}

// Indicators は銘柄のテクニカル指標を取得する。
func (c *Client) Indicators(ctx context.Context, symbol string) (*Indicators, error) {
	sym, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	path := "/indicators/" + url.PathEscape(sym) + "/"

	var ind Indicators
	if err := c.get(ctx, path, &ind); err != nil {
		return nil, err
	}
	return &ind, nil
}

// get はGETを送り、2xx以外をステータス付きの*model.APIErrorに変換する。
func (c *Client) get(ctx context.Context, path string, out any) error {
	status, err := c.fetcher.GetJSON(ctx, path, out)
	if err == nil {
		return nil
	}
	if status != 0 && (status < 200 || status >= 300) {
		return fmt.Errorf("%w: %v", model.NewBackendRequestFailedError(stripQuery(path), status), err)
	}
	return err
}

// normalizeSymbol はシンボルを大文字に揃える。
func normalizeSymbol(symbol string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" {
		return "", model.NewMissingFieldsError("symbol")
	}
	return sym, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func stripQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
