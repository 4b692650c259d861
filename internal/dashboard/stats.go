package dashboard

import (
	"math"
	"sort"
)

// Descriptive summarizes a result sample.
type Descriptive struct {
	N        int     `json:"n"`
	Media    float64 `json:"media"`
	Mediana  float64 `json:"mediana"`
	StdDev   float64 `json:"desviacion_estandar"`
	Varianza float64 `json:"varianza"`
	Min      float64 `json:"minimo"`
	Max      float64 `json:"maximo"`
	P25      float64 `json:"p25"`
	P75      float64 `json:"p75"`
	P95      float64 `json:"p95"`
	P99      float64 `json:"p99"`

	CI95Low  float64 `json:"ic95_inferior"`
	CI95High float64 `json:"ic95_superior"`

	JarqueBera float64 `json:"jarque_bera"`
	Normal     *bool   `json:"normalidad,omitempty"`
}

// Describe computes the descriptive summary of values. It returns a
// zero summary when the sample is empty.
func Describe(values []float64) Descriptive {
	n := len(values)
	if n == 0 {
		return Descriptive{}
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)

	var m2, m3, m4 float64
	for _, v := range sorted {
		d := v - mean
		m2 += d * d
		m3 += d * d * d
		m4 += d * d * d * d
	}
	variance := 0.0
	if n > 1 {
		variance = m2 / float64(n-1)
	}
	std := math.Sqrt(variance)

	d := Descriptive{
		N:        n,
		Media:    mean,
		Mediana:  percentile(sorted, 50),
		StdDev:   std,
		Varianza: variance,
		Min:      sorted[0],
		Max:      sorted[n-1],
		P25:      percentile(sorted, 25),
		P75:      percentile(sorted, 75),
		P95:      percentile(sorted, 95),
		P99:      percentile(sorted, 99),
	}

	if n > 1 && std > 0 {
		half := 1.96 * std / math.Sqrt(float64(n))
		d.CI95Low = mean - half
		d.CI95High = mean + half
	} else {
		d.CI95Low = mean
		d.CI95High = mean
	}

	if n >= 20 && m2 > 0 {
		pm2 := m2 / float64(n)
		skew := (m3 / float64(n)) / math.Pow(pm2, 1.5)
		kurt := (m4 / float64(n)) / (pm2 * pm2)
		jb := float64(n) / 6 * (skew*skew + (kurt-3)*(kurt-3)/4)
		d.JarqueBera = jb
		// 5.991 is the chi-squared critical value at alpha 0.05, df 2
		normal := jb < 5.991
		d.Normal = &normal
	}
	return d
}

// percentile returns the p-th percentile of sorted values using linear
// interpolation between the closest ranks.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
