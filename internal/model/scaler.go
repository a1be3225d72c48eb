package model

// FeatureScaler standardizes a raw count using parameters fitted offline.
type FeatureScaler struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// Transform returns (x - Mean) / Std. A zero Std leaves the value centered but unscaled.
func (s FeatureScaler) Transform(x float64) float64 {
	if s.Std == 0 {
		return x - s.Mean
	}
	return (x - s.Mean) / s.Std
}
