package homomorphic

import (
	"math"

	"FogMPC/pkg/config"
	"FogMPC/pkg/fhe"

	"golang.org/x/xerrors"
)

// SqrtParams 近似开方参数
// Bound 输入的公开上界 N（输入为 0 或不小于 1 的整数），Iterations 固定迭代次数，
// Tolerance 允许的最大相对误差
type SqrtParams struct {
	Bound      float64
	Iterations int
	Tolerance  float64
}

// SqrtParamsFrom 从配置读取。未配置上界时取坐标范围内距离平方的最大值 8·M²
func SqrtParamsFrom(cfg config.SqrtConfig, game config.GameConfig) SqrtParams {
	bound := cfg.Bound
	if bound <= 0 {
		m := float64(game.MaxCoordinate)
		bound = 8 * m * m
	}
	return SqrtParams{Bound: bound, Iterations: cfg.Iterations, Tolerance: cfg.Tolerance}
}

type sqrtStep struct {
	a, b float64
}

// schedule 每次迭代的系数以及 [1, Bound] 上保证的最大相对误差。
//
// 记 t = y·sqrt(z)，迭代 y' = y·(a − b·z·y²) 即 t' = t·(a − b·t²)。
// t 落在 [lo, hi] 时取 a = b·(hi² + hi·lo + lo²)，使 t' 在两端取值相同，
// 再选 b 让新区间以 1 为中心。初始 y0 = 1，t0 ∈ [sqrt(1/Bound), 1]。
func (p SqrtParams) schedule() ([]sqrtStep, float64) {
	lo, hi := math.Sqrt(1/p.Bound), 1.0
	steps := make([]sqrtStep, p.Iterations)
	for i := range steps {
		s := hi*hi + hi*lo + lo*lo
		edge := lo * (hi*hi + hi*lo)
		peak := 2.0 / 3.0 * s * math.Sqrt(s/3)
		b := 2 / (edge + peak)
		steps[i] = sqrtStep{a: b * s, b: b}
		lo, hi = b*edge, b*peak
	}
	return steps, hi - 1
}

// MaxRelErr 参数在 [1, Bound] 上保证的最大相对误差（不含CKKS自身的近似误差）
func (p SqrtParams) MaxRelErr() float64 {
	_, e := p.schedule()
	return e
}

// Validate 参数能否在 [1, Bound] 上收敛到 Tolerance 以内
func (p SqrtParams) Validate() error {
	if p.Bound < 1 || p.Iterations < 1 || p.Tolerance <= 0 {
		return xerrors.Errorf("开方参数无效: %+v", p)
	}
	if e := p.MaxRelErr(); e > p.Tolerance {
		return xerrors.Errorf("%d 次迭代在上界 %.0f 内的误差 %.2e 超过 %.2e", p.Iterations, p.Bound, e, p.Tolerance)
	}
	return nil
}

// SqrtCost 开方的噪声消耗与层级需求
func SqrtCost(m config.NoiseModel, p SqrtParams) (cost, levels int) {
	// 第一次迭代 y1 = a0 − b0·z 只需一次常量乘与一次常量加
	perIteration := 2*m.MulCost + m.AddCost
	return 2*m.ScalarCost + (p.Iterations-1)*perIteration + m.MulCost, 2 * p.Iterations
}

// ApproxSqrt 在CKKS通道上近似求 sqrt(v)，v 必须不超过公开上界 p.Bound。
//
// 令 z = v/Bound ∈ [0, 1]，从 y0 = 1 出发做带缩放系数的逆平方根迭代，
// y 收敛到 1/sqrt(z)，结果为 sqrt(Bound)·z·y = (v/sqrt(Bound))·y。
// 参数在上界内达不到 Tolerance 时直接拒绝。
func ApproxSqrt(eval *fhe.Evaluator, v *fhe.Ciphertext, p SqrtParams) (*fhe.Ciphertext, error) {
	if eval.Scheme() != fhe.CKKS {
		return nil, xerrors.Errorf("近似开方只在CKKS通道上进行")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	cost, levels := SqrtCost(eval.Model(), p)
	if err := eval.Require(cost, levels, v); err != nil {
		return nil, err
	}

	steps, _ := p.schedule()

	// y1 = a0 − b0·z
	first, err := eval.MulFloat(v, -steps[0].b/p.Bound)
	if err != nil {
		return nil, err
	}
	y, err := eval.AddFloat(first, steps[0].a)
	if err != nil {
		return nil, err
	}
	for i, st := range steps[1:] {
		zb, err := eval.MulFloat(v, -st.b/p.Bound)
		if err != nil {
			return nil, err
		}
		if y, err = scaledStep(eval, y, zb, st.a); err != nil {
			return nil, xerrors.Errorf("第%d次迭代: %w", i+2, err)
		}
	}

	scaled, err := eval.MulFloat(v, 1/math.Sqrt(p.Bound))
	if err != nil {
		return nil, err
	}
	return eval.Mul(scaled, y)
}

// scaledStep y' = a·y + (−b·z)·y·y²，深度2
func scaledStep(eval *fhe.Evaluator, y, zb *fhe.Ciphertext, a float64) (*fhe.Ciphertext, error) {
	zy, err := eval.Mul(zb, y)
	if err != nil {
		return nil, err
	}
	sq, err := eval.Mul(y, y)
	if err != nil {
		return nil, err
	}
	cube, err := eval.Mul(zy, sq)
	if err != nil {
		return nil, err
	}
	lin, err := eval.MulFloat(y, a)
	if err != nil {
		return nil, err
	}
	return eval.Add(cube, lin)
}
