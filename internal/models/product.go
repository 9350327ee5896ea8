package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RawRecord is one (date, product, quantity) row as retrieved from storage.
// Date and quantity are kept as text so that parsing stays explicit.
type RawRecord struct {
	Date        string `json:"date" db:"date"`
	ProductName string `json:"product_name" db:"product_name"`
	Quantity    string `json:"quantity" db:"quantity"`
}

// NormalizedRecord is a RawRecord with a canonical product name and parsed fields
type NormalizedRecord struct {
	Date        time.Time
	ProductName string
	Quantity    decimal.Decimal
}

// SeriesPoint is the summed quantity of one product on one calendar day
type SeriesPoint struct {
	Date     time.Time `json:"date"`
	Quantity float64   `json:"quantity"`
}

// ProductSeries is the chronological quantity history of a single product.
// Points are sorted ascending by date, one per distinct date; days without
// records are absent rather than zero.
type ProductSeries struct {
	Product string        `json:"product"`
	Points  []SeriesPoint `json:"points"`
}

// Len returns the number of distinct dated observations
func (s ProductSeries) Len() int {
	return len(s.Points)
}

// SaleRecord is a persisted row of product_inf
type SaleRecord struct {
	ID          int64           `json:"id" db:"id"`
	UserID      int64           `json:"user_id" db:"user_id"`
	SaleID      int64           `json:"sale_id" db:"sale_id"`
	Date        time.Time       `json:"date" db:"date"`
	ProductName string          `json:"product_name" db:"product_name"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	Price       decimal.Decimal `json:"price" db:"price"`
	TotalPrice  decimal.Decimal `json:"total_price" db:"total_price"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// SalesSummary aggregates the stored rows matched by a listing filter.
// TopSale is nil when nothing matched.
type SalesSummary struct {
	TotalEarnings decimal.Decimal `json:"total_earnings"`
	TopSale       *SaleRecord     `json:"product_with_highest_sale"`
}

// SaleLine is one product line submitted with a sale
type SaleLine struct {
	Date        string          `json:"date"`
	ProductName string          `json:"product_name"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	TotalPrice  decimal.Decimal `json:"total_price"`
}

// ToSaleRecord validates the line and converts it to a SaleRecord.
// A zero total price is derived from quantity and price.
func (l *SaleLine) ToSaleRecord(userID, saleID int64) (*SaleRecord, error) {
	date, err := ParseDate(l.Date)
	if err != nil {
		return nil, err
	}

	if l.ProductName == "" {
		return nil, &ValidationError{Field: "product_name", Value: l.ProductName, Message: "product name is required"}
	}

	if !l.Quantity.IsPositive() {
		return nil, &ValidationError{Field: "quantity", Value: l.Quantity.String(), Message: "quantity must be positive"}
	}

	if l.Price.IsNegative() {
		return nil, &ValidationError{Field: "price", Value: l.Price.String(), Message: "price must not be negative"}
	}

	total := l.TotalPrice
	if total.IsZero() {
		total = l.Quantity.Mul(l.Price)
	}

	return &SaleRecord{
		UserID:      userID,
		SaleID:      saleID,
		Date:        date,
		ProductName: l.ProductName,
		Quantity:    l.Quantity,
		Price:       l.Price,
		TotalPrice:  total,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// dateLayouts are the accepted textual date formats, most specific first.
// database/sql renders DATE and TIMESTAMP columns scanned into a string as RFC3339Nano.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"20060102",
}

// ParseDate parses a calendar date and truncates it to midnight UTC
func ParseDate(value string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}

	return time.Time{}, &ValidationError{
		Field:   "date",
		Value:   value,
		Message: "invalid date format, expected YYYY-MM-DD",
	}
}

// OutcomeKind discriminates the three per-product forecast outcomes
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeInsufficientData
	OutcomeFailed
)

// InsufficientDataMessage is reported for products with too few observations
const InsufficientDataMessage = "Insufficient data for forecasting"

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeInsufficientData:
		return "insufficient_data"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the forecast of one product: a value, the insufficient-data
// marker, or a failure reason. Construct it with Forecasted, InsufficientData
// or Failed.
type Outcome struct {
	Kind   OutcomeKind
	Value  float64
	Reason string
}

// Forecasted returns a successful outcome
func Forecasted(value float64) Outcome {
	return Outcome{Kind: OutcomeOK, Value: value}
}

// InsufficientData returns the insufficient-data outcome
func InsufficientData() Outcome {
	return Outcome{Kind: OutcomeInsufficientData, Reason: InsufficientDataMessage}
}

// Failed returns a failed outcome carrying reason
func Failed(reason string) Outcome {
	return Outcome{Kind: OutcomeFailed, Reason: reason}
}

// OK reports whether the outcome carries a forecast value
func (o Outcome) OK() bool {
	return o.Kind == OutcomeOK
}

// MarshalJSON renders a value as a number and every other outcome as a string
func (o Outcome) MarshalJSON() ([]byte, error) {
	if o.Kind == OutcomeOK {
		return json.Marshal(o.Value)
	}
	return json.Marshal(o.Reason)
}

// UnmarshalJSON reverses MarshalJSON
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var value float64
	if err := json.Unmarshal(data, &value); err == nil {
		*o = Forecasted(value)
		return nil
	}

	var reason string
	if err := json.Unmarshal(data, &reason); err != nil {
		return fmt.Errorf("outcome must be a number or a string: %w", err)
	}
	if reason == InsufficientDataMessage {
		*o = InsufficientData()
	} else {
		*o = Failed(reason)
	}
	return nil
}

// ForecastResult maps canonical product names to their outcome
type ForecastResult map[string]Outcome

// ForecastResponse is the success payload of a forecast call
type ForecastResponse struct {
	Products ForecastResult `json:"products"`
}

// ForecastErrorResponse is the payload of a forecast call that failed before
// any product was processed
type ForecastErrorResponse struct {
	Error string `json:"error"`
}

// ValidationError represents a data validation error
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsTransient returns false as validation errors are permanent
func (e *ValidationError) IsTransient() bool {
	return false
}

// SeriesSummary describes the aggregated history of one product
type SeriesSummary struct {
	Product       string    `json:"product"`
	Observations  int       `json:"observations"`
	FirstDate     time.Time `json:"first_date"`
	LastDate      time.Time `json:"last_date"`
	SpanDays      int       `json:"span_days"`
	MissingDays   int       `json:"missing_days"`
	TotalQuantity float64   `json:"total_quantity"`
	MeanQuantity  float64   `json:"mean_quantity"`
	Forecastable  bool      `json:"forecastable"`
}
