package homomorphic

import (
	"math"

	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// AccuracyReport 近似结果相对误差统计
type AccuracyReport struct {
	MeanRelErr float64
	MaxRelErr  float64
	StdDev     float64
}

// Accuracy 计算 got 相对 want 的误差
func Accuracy(got, want []float64) (AccuracyReport, error) {
	if len(got) != len(want) || len(got) == 0 {
		return AccuracyReport{}, xerrors.Errorf("长度不匹配: %d/%d", len(got), len(want))
	}

	rel := make([]float64, len(got))
	for i := range got {
		denom := math.Abs(want[i])
		if denom == 0 {
			denom = 1
		}
		rel[i] = math.Abs(got[i]-want[i]) / denom
	}

	mean, std := stat.MeanStdDev(rel, nil)
	if len(rel) == 1 {
		std = 0
	}
	return AccuracyReport{MeanRelErr: mean, MaxRelErr: floats.Max(rel), StdDev: std}, nil
}
