package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/skalibog/stratcoord/internal/config"
	"github.com/skalibog/stratcoord/pkg/logger"
	"github.com/skalibog/stratcoord/pkg/models"
)

var ErrNotFilled = errors.New("заявка не исполнена")

// BinanceClient шлюз к фьючерсам USDⓈ-M Binance
type BinanceClient struct {
	futures    *futures.Client
	quoteAsset string
	specs      map[string]config.SymbolSpec
	timeout    time.Duration
	fillWait   *backoff.Backoff
	fillTries  int
}

// NewBinanceClient создает новый клиент Binance
func NewBinanceClient(cfg config.ExchangeConfig, quoteAsset string, specs map[string]config.SymbolSpec) *BinanceClient {
	// тестовая сеть выбирается глобально до создания клиента
	futures.UseTestnet = cfg.Testnet
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)

	if quoteAsset == "" {
		quoteAsset = "USDT"
	}
	timeout := config.Seconds(cfg.RequestTimeoutSeconds)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	logger.Info("Создан клиент Binance Futures", zap.Bool("testnet", cfg.Testnet), zap.String("quote", quoteAsset))
	return &BinanceClient{
		futures:    client,
		quoteAsset: quoteAsset,
		specs:      specs,
		timeout:    timeout,
		fillWait:   &backoff.Backoff{Min: 200 * time.Millisecond, Max: 2 * time.Second, Factor: 2},
		fillTries:  5,
	}
}

func (c *BinanceClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// Candles получает исторические свечи
func (c *BinanceClient) Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	klines, err := c.futures.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения свечей %s %s: %w", symbol, interval, err)
	}

	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, models.Candle{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  time.UnixMilli(k.OpenTime),
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			CloseTime: time.UnixMilli(k.CloseTime),
		})
	}
	return candles, nil
}

// ServerTime возвращает время сервера биржи
func (c *BinanceClient) ServerTime(ctx context.Context) (time.Time, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	ms, err := c.futures.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("ошибка получения времени сервера: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// Balance возвращает баланс расчетной валюты
func (c *BinanceClient) Balance(ctx context.Context) (models.Balance, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	balances, err := c.futures.NewGetBalanceService().Do(ctx)
	if err != nil {
		return models.Balance{}, fmt.Errorf("ошибка получения баланса: %w", err)
	}
	for _, b := range balances {
		if b.Asset != c.quoteAsset {
			continue
		}
		return models.Balance{
			Asset:         b.Asset,
			Total:         parseFloat(b.Balance),
			Available:     parseFloat(b.AvailableBalance),
			UnrealizedPnL: parseFloat(b.CrossUnPnl),
		}, nil
	}
	return models.Balance{Asset: c.quoteAsset}, nil
}

// Positions возвращает открытые позиции счета
func (c *BinanceClient) Positions(ctx context.Context) ([]models.PositionInfo, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	risks, err := c.futures.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения позиций: %w", err)
	}

	var out []models.PositionInfo
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := models.Long
		if amt < 0 {
			side = models.Short
		}
		lev, _ := strconv.Atoi(r.Leverage)
		out = append(out, models.PositionInfo{
			Symbol:        r.Symbol,
			Side:          side,
			Size:          math.Abs(amt),
			EntryPrice:    parseFloat(r.EntryPrice),
			MarkPrice:     parseFloat(r.MarkPrice),
			UnrealizedPnL: parseFloat(r.UnRealizedProfit),
			Leverage:      lev,
		})
	}
	return out, nil
}

// PlaceOrder отправляет рыночную заявку. При открытии выставляет плечо и защитные стоп-заявки,
// при закрытии снимает оставшиеся заявки по символу.
func (c *BinanceClient) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	if req.Quantity <= 0 {
		return models.OrderResult{}, fmt.Errorf("некорректный объем заявки %s: %v", req.Symbol, req.Quantity)
	}

	if !req.ReduceOnly && req.Leverage > 0 {
		lctx, cancel := c.withTimeout(ctx)
		_, err := c.futures.NewChangeLeverageService().Symbol(req.Symbol).Leverage(req.Leverage).Do(lctx)
		cancel()
		if err != nil {
			return models.OrderResult{}, fmt.Errorf("ошибка установки плеча %d для %s: %w", req.Leverage, req.Symbol, err)
		}
	}

	side := orderSide(req.Side, req.ReduceOnly)
	svc := c.futures.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(c.formatQuantity(req.Symbol, req.Quantity))
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}

	octx, cancel := c.withTimeout(ctx)
	resp, err := svc.Do(octx)
	cancel()
	if err != nil {
		return models.OrderResult{}, fmt.Errorf("ошибка размещения заявки %s %s: %w", req.Symbol, side, err)
	}

	result := models.OrderResult{
		OrderID:     strconv.FormatInt(resp.OrderID, 10),
		Symbol:      req.Symbol,
		Status:      string(resp.Status),
		AvgPrice:    parseFloat(resp.AvgPrice),
		ExecutedQty: parseFloat(resp.ExecutedQuantity),
		Timestamp:   time.UnixMilli(resp.UpdateTime),
	}
	if result.AvgPrice <= 0 {
		if result, err = c.waitFill(ctx, req.Symbol, resp.OrderID); err != nil {
			return result, err
		}
	}

	if req.ReduceOnly {
		c.cancelOpenOrders(ctx, req.Symbol)
	} else {
		c.placeProtection(ctx, req)
	}

	logger.Info("Заявка исполнена",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(side)),
		zap.Float64("qty", result.ExecutedQty),
		zap.Float64("price", result.AvgPrice),
		zap.String("order_id", result.OrderID))
	return result, nil
}

// waitFill опрашивает заявку, пока биржа не вернет среднюю цену исполнения
func (c *BinanceClient) waitFill(ctx context.Context, symbol string, orderID int64) (models.OrderResult, error) {
	b := *c.fillWait
	b.Reset()

	for i := 0; i < c.fillTries; i++ {
		select {
		case <-ctx.Done():
			return models.OrderResult{}, ctx.Err()
		case <-time.After(b.Duration()):
		}

		qctx, cancel := c.withTimeout(ctx)
		order, err := c.futures.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(qctx)
		cancel()
		if err != nil {
			logger.Warn("Ошибка запроса статуса заявки", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		if price := parseFloat(order.AvgPrice); price > 0 {
			return models.OrderResult{
				OrderID:     strconv.FormatInt(order.OrderID, 10),
				Symbol:      symbol,
				Status:      string(order.Status),
				AvgPrice:    price,
				ExecutedQty: parseFloat(order.ExecutedQuantity),
				Timestamp:   time.UnixMilli(order.UpdateTime),
			}, nil
		}
	}
	return models.OrderResult{}, fmt.Errorf("%w: %s #%d", ErrNotFilled, symbol, orderID)
}

// placeProtection выставляет стоп-лосс и тейк-профит на всю позицию
func (c *BinanceClient) placeProtection(ctx context.Context, req models.OrderRequest) {
	exit := orderSide(req.Side, true)
	place := func(typ futures.OrderType, price float64) {
		if price <= 0 {
			return
		}
		pctx, cancel := c.withTimeout(ctx)
		defer cancel()
		_, err := c.futures.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(exit).
			Type(typ).
			StopPrice(c.formatPrice(req.Symbol, price)).
			ClosePosition(true).
			Do(pctx)
		if err != nil {
			logger.Error("Не удалось выставить защитную заявку",
				zap.String("symbol", req.Symbol), zap.String("type", string(typ)),
				zap.Float64("price", price), zap.Error(err))
		}
	}
	place(futures.OrderTypeStopMarket, req.StopLoss)
	place(futures.OrderTypeTakeProfitMarket, req.TakeProfit)
}

func (c *BinanceClient) cancelOpenOrders(ctx context.Context, symbol string) {
	cctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.futures.NewCancelAllOpenOrdersService().Symbol(symbol).Do(cctx); err != nil {
		logger.Warn("Не удалось снять открытые заявки", zap.String("symbol", symbol), zap.Error(err))
	}
}

func orderSide(side models.PositionSide, closing bool) futures.SideType {
	buy := side == models.Long
	if closing {
		buy = !buy
	}
	if buy {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

// formatQuantity округляет объем вниз до шага лота
func (c *BinanceClient) formatQuantity(symbol string, qty float64) string {
	return roundToStep(qty, c.specs[symbol].LotSize, true)
}

// formatPrice округляет цену до шага цены инструмента
func (c *BinanceClient) formatPrice(symbol string, price float64) string {
	return roundToStep(price, c.specs[symbol].PriceTick, false)
}

func roundToStep(v, step float64, down bool) string {
	d := decimal.NewFromFloat(v)
	if step <= 0 {
		return d.Round(8).String()
	}
	s := decimal.NewFromFloat(step)
	n := d.Div(s)
	if down {
		n = n.Floor()
	} else {
		n = n.Round(0)
	}
	return n.Mul(s).String()
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
