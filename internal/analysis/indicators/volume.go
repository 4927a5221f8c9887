package indicators

import (
	"fmt"

	"ibis-agent/internal/models"
)

// OBV calculates On-Balance Volume.
type OBV struct{}

// NewOBV creates a new OBV indicator.
func NewOBV() *OBV {
	return &OBV{}
}

func (o *OBV) Name() string {
	return "OBV"
}

func (o *OBV) Period() int {
	return 2
}

func (o *OBV) Calculate(candles []models.Candle) ([]float64, error) {
	if len(candles) < 2 {
		return nil, ErrInsufficientData
	}

	n := len(candles)
	result := make([]float64, n)
	closes := series(candles, closeOf)
	vols := series(candles, volumeOf)

	for i := 1; i < n; i++ {
		switch {
		case closes[i] > closes[i-1]:
			result[i] = result[i-1] + vols[i]
		case closes[i] < closes[i-1]:
			result[i] = result[i-1] - vols[i]
		default:
			result[i] = result[i-1]
		}
	}

	return result, nil
}

// VWAP calculates the Volume Weighted Average Price over the full
// candle window.
type VWAP struct{}

// NewVWAP creates a new VWAP indicator.
func NewVWAP() *VWAP {
	return &VWAP{}
}

func (v *VWAP) Name() string {
	return "VWAP"
}

func (v *VWAP) Period() int {
	return 1
}

func (v *VWAP) Calculate(candles []models.Candle) ([]float64, error) {
	if len(candles) < 1 {
		return nil, ErrInsufficientData
	}

	n := len(candles)
	result := make([]float64, n)

	var cumPV, cumVol float64
	for i := 0; i < n; i++ {
		tp := typicalPrice(candles[i])
		cumPV += tp * candles[i].Volume
		cumVol += candles[i].Volume
		if cumVol == 0 {
			result[i] = tp
		} else {
			result[i] = cumPV / cumVol
		}
	}

	return result, nil
}

// VolumeSMA calculates a moving average of volume, used to detect
// volume surges.
type VolumeSMA struct {
	period int
}

// NewVolumeSMA creates a new volume SMA indicator.
func NewVolumeSMA(period int) *VolumeSMA {
	return &VolumeSMA{period: period}
}

func (v *VolumeSMA) Name() string {
	return fmt.Sprintf("VolumeSMA_%d", v.period)
}

func (v *VolumeSMA) Period() int {
	return v.period
}

func (v *VolumeSMA) Calculate(candles []models.Candle) ([]float64, error) {
	if v.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(candles) < v.period {
		return nil, ErrInsufficientData
	}

	n := len(candles)
	result := make([]float64, n)
	vols := series(candles, volumeOf)

	var window float64
	for i := 0; i < n; i++ {
		window += vols[i]
		if i >= v.period {
			window -= vols[i-v.period]
		}
		if i >= v.period-1 {
			result[i] = window / float64(v.period)
		}
	}

	return result, nil
}
