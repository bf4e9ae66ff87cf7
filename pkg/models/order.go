package models

import "time"

// OrderRequest заявка на открытие или закрытие позиции.
// Side задает сторону позиции, а не направление сделки: закрытие long продает.
type OrderRequest struct {
	Symbol     string
	Side       PositionSide
	Quantity   float64
	ReduceOnly bool
	Leverage   int
	StopLoss   float64
	TakeProfit float64
	ClientID   string
}

// OrderResult результат исполнения рыночной заявки
type OrderResult struct {
	OrderID     string
	Symbol      string
	Status      string
	AvgPrice    float64
	ExecutedQty float64
	Timestamp   time.Time
}

// PositionInfo позиция на стороне биржи
type PositionInfo struct {
	Symbol        string
	Side          PositionSide
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      int
}

// Balance баланс счета в расчетной валюте
type Balance struct {
	Asset         string
	Total         float64
	Available     float64
	UnrealizedPnL float64
}
