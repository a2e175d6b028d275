package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"market-signal-engine/internal/market"
	"market-signal-engine/internal/monitor"
	"market-signal-engine/internal/service"
)

// SimulateAlert 用给定价格走一遍告警流程：注册、一次轮询、投递到已配置的通道。
func (a *App) SimulateAlert(ctx context.Context, opts AlertOptions, price decimal.Decimal) error {
	target, dir, err := opts.parse()
	if err != nil {
		return err
	}
	if !price.IsPositive() {
		return errors.New("模拟价格必须为正数")
	}

	sink := a.newSink(nil)
	source := &staticSource{price: price}
	mon := monitor.New(source, sink, monitor.Options{}, a.Logger)
	svc := service.New(service.Options{Source: source, Monitor: mon}, a.Logger)

	id, err := svc.RegisterAlert(ctx, opts.Token, target, dir)
	if err != nil {
		return withSuggestion(err)
	}

	bucket := time.Now().UTC().Truncate(a.Config.Scheduler.Interval)
	if err := svc.ProcessBucket(ctx, bucket); err != nil {
		return err
	}

	alert, _ := svc.Alert(id)
	if alert.State != monitor.Triggered {
		fmt.Fprintf(a.Out, "alert %s not triggered: %s is not %s %s\n", id, price.String(), dir, target.String())
		return nil
	}
	fmt.Fprintf(a.Out, "alert %s triggered at %s and delivered to %v\n", id, price.String(), a.Config.Alerting.Channels)
	return nil
}

// staticSource answers every lookup with a fixed price.
type staticSource struct {
	price decimal.Decimal
}

func (s *staticSource) FetchPrice(_ context.Context, symbol string) (market.PriceQuote, error) {
	return market.PriceQuote{
		Symbol:     symbol,
		PriceUSD:   s.price.InexactFloat64(),
		AsOf:       time.Now().UTC(),
		Provenance: market.Provenance{Provider: "simulated"},
	}, nil
}

func (s *staticSource) FetchMarketSnapshot(ctx context.Context, symbol string, _ int) (market.MarketSnapshot, error) {
	quote, _ := s.FetchPrice(ctx, symbol)
	return market.MarketSnapshot{
		Symbol:     symbol,
		Series:     []market.PricePoint{{Time: quote.AsOf, Price: quote.PriceUSD}},
		Provenance: quote.Provenance,
	}, nil
}

var _ service.MarketSource = (*staticSource)(nil)
