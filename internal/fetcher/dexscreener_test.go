package fetcher

import (
	"context"
	"errors"
	"testing"
	"time"
)

func dexPairFixture(symbol, price string, volume float64, changes map[string]float64) map[string]any {
	return map[string]any{
		"chainId":     "solana",
		"dexId":       "raydium",
		"baseToken":   map[string]string{"address": "So11111111111111111111111111111111111111112", "symbol": symbol},
		"priceUsd":    price,
		"priceChange": changes,
		"volume":      map[string]float64{"h24": volume},
		"fdv":         5e9,
	}
}

func TestDexScreenerPicksHighestVolumePair(t *testing.T) {
	mint := "So11111111111111111111111111111111111111112"
	srv, rec := routeServer(t, map[string]any{
		"/latest/dex/tokens/" + mint: map[string]any{
			"pairs": []any{
				dexPairFixture("SOL", "150.10", 1000, map[string]float64{"h24": 1}),
				dexPairFixture("SOL", "151.00", 90000, map[string]float64{"h24": 4}),
				dexPairFixture("SOL", "", 1e9, nil),
			},
		},
	})
	dex := NewDexScreener(HTTPOptions{BaseURL: srv.URL}, noopLogger())

	quote, err := dex.FetchPrice(context.Background(), mint)
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	if quote.PriceUSD != 151.0 {
		t.Fatalf("应选择成交量最大且有价格的交易对, 实际 %v", quote.PriceUSD)
	}
	if quote.Change24hPct == nil || *quote.Change24hPct != 4 {
		t.Fatal("应返回 h24 涨跌幅")
	}
	if reqs := rec.all(); len(reqs) != 1 || reqs[0].Path != "/latest/dex/tokens/"+mint {
		t.Fatalf("地址输入应走 tokens 接口: %+v", reqs)
	}
}

func TestDexScreenerSearchFiltersBaseSymbol(t *testing.T) {
	srv, rec := routeServer(t, map[string]any{
		"/latest/dex/search": map[string]any{
			"pairs": []any{
				dexPairFixture("WIFX", "9", 1e9, nil),
				dexPairFixture("wif", "2.5", 10, nil),
			},
		},
	})
	dex := NewDexScreener(HTTPOptions{BaseURL: srv.URL}, noopLogger())

	quote, err := dex.FetchPrice(context.Background(), "wif")
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	if quote.PriceUSD != 2.5 {
		t.Fatalf("应忽略不同 base symbol 的交易对, 实际 %v", quote.PriceUSD)
	}
	if reqs := rec.all(); reqs[0].Query.Get("q") != "wif" {
		t.Fatal("应使用 search 接口")
	}
}

func TestDexScreenerNoPairsIsNotFound(t *testing.T) {
	srv, _ := routeServer(t, map[string]any{"/latest/dex/search": map[string]any{"pairs": nil}})
	dex := NewDexScreener(HTTPOptions{BaseURL: srv.URL}, noopLogger())

	if _, err := dex.FetchPrice(context.Background(), "nothing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("无交易对应返回 ErrNotFound, 实际 %v", err)
	}
}

func TestDexScreenerSnapshotRebuildsSeries(t *testing.T) {
	srv, _ := routeServer(t, map[string]any{
		"/latest/dex/search": map[string]any{
			"pairs": []any{dexPairFixture("BONK", "100", 5, map[string]float64{"m5": 0, "h1": 25, "h6": -50, "h24": 100})},
		},
	})
	dex := NewDexScreener(HTTPOptions{BaseURL: srv.URL}, noopLogger())
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	dex.now = func() time.Time { return now }

	snap, err := dex.FetchMarketSnapshot(context.Background(), "bonk", 90)
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	want := []float64{50, 200, 80, 100, 100}
	if len(snap.Series) != len(want) {
		t.Fatalf("期望 %d 个点, 实际 %d", len(want), len(snap.Series))
	}
	for i, p := range snap.Series {
		if p.Price != want[i] {
			t.Fatalf("第 %d 个点期望 %v, 实际 %v", i, want[i], p.Price)
		}
	}
	if !snap.Series[0].Time.Equal(now.Add(-24 * time.Hour)) {
		t.Fatal("最早的点应为 24h 前")
	}
	if snap.MarketCap == nil || *snap.MarketCap != 5e9 {
		t.Fatal("缺少 marketCap 时应回退到 fdv")
	}
}
