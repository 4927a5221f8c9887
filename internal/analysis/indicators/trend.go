package indicators

import (
	"fmt"

	"ibis-agent/internal/models"
)

// SMA calculates the Simple Moving Average.
type SMA struct {
	period int
}

// NewSMA creates a new SMA indicator.
func NewSMA(period int) *SMA {
	return &SMA{period: period}
}

func (s *SMA) Name() string {
	return fmt.Sprintf("SMA_%d", s.period)
}

func (s *SMA) Period() int {
	return s.period
}

func (s *SMA) Calculate(candles []models.Candle) ([]float64, error) {
	if s.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(candles) < s.period {
		return nil, ErrInsufficientData
	}

	n := len(candles)
	result := make([]float64, n)
	closes := series(candles, closeOf)

	var window float64
	for i := 0; i < n; i++ {
		window += closes[i]
		if i >= s.period {
			window -= closes[i-s.period]
		}
		if i >= s.period-1 {
			result[i] = window / float64(s.period)
		}
	}

	return result, nil
}

// EMA calculates the Exponential Moving Average.
type EMA struct {
	period int
}

// NewEMA creates a new EMA indicator.
func NewEMA(period int) *EMA {
	return &EMA{period: period}
}

func (e *EMA) Name() string {
	return fmt.Sprintf("EMA_%d", e.period)
}

func (e *EMA) Period() int {
	return e.period
}

func (e *EMA) Calculate(candles []models.Candle) ([]float64, error) {
	if e.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(candles) < e.period {
		return nil, ErrInsufficientData
	}

	closes := series(candles, closeOf)
	return emaSeries(closes, e.period), nil
}

// emaSeries seeds with an SMA over the first period values.
func emaSeries(values []float64, period int) []float64 {
	n := len(values)
	result := make([]float64, n)
	multiplier := 2.0 / float64(period+1)

	result[period-1] = mean(values[:period])
	for i := period; i < n; i++ {
		result[i] = (values[i]-result[i-1])*multiplier + result[i-1]
	}
	return result
}

// MACD calculates Moving Average Convergence Divergence.
type MACD struct {
	fastPeriod   int
	slowPeriod   int
	signalPeriod int
}

// NewMACD creates a new MACD indicator.
func NewMACD(fastPeriod, slowPeriod, signalPeriod int) *MACD {
	return &MACD{
		fastPeriod:   fastPeriod,
		slowPeriod:   slowPeriod,
		signalPeriod: signalPeriod,
	}
}

func (m *MACD) Name() string {
	return fmt.Sprintf("MACD_%d_%d_%d", m.fastPeriod, m.slowPeriod, m.signalPeriod)
}

func (m *MACD) Period() int {
	return m.slowPeriod + m.signalPeriod
}

func (m *MACD) Calculate(candles []models.Candle) (map[string][]float64, error) {
	if m.fastPeriod <= 0 || m.slowPeriod <= 0 || m.signalPeriod <= 0 {
		return nil, ErrInvalidPeriod
	}
	if m.fastPeriod >= m.slowPeriod {
		return nil, ErrInvalidPeriod
	}
	if len(candles) < m.Period() {
		return nil, ErrInsufficientData
	}

	n := len(candles)
	closes := series(candles, closeOf)

	fast := emaSeries(closes, m.fastPeriod)
	slow := emaSeries(closes, m.slowPeriod)

	macdLine := make([]float64, n)
	for i := m.slowPeriod - 1; i < n; i++ {
		macdLine[i] = fast[i] - slow[i]
	}

	// Signal is an EMA of the MACD line from its first valid value.
	signal := make([]float64, n)
	valid := macdLine[m.slowPeriod-1:]
	signalValid := emaSeries(valid, m.signalPeriod)
	copy(signal[m.slowPeriod-1:], signalValid)

	histogram := make([]float64, n)
	for i := m.Period() - 1; i < n; i++ {
		histogram[i] = macdLine[i] - signal[i]
	}

	return map[string][]float64{
		"macd":      macdLine,
		"signal":    signal,
		"histogram": histogram,
	}, nil
}
