// Package homomorphic 只作用于密文句柄的纯函数：位移、距离平方与定点近似开方。
// 每个组合运算在求值前按噪声模型做整体预检，预算或层级不足时返回
// ErrNoiseBudgetExceeded，不产生任何中间密文。
package homomorphic

import (
	"FogMPC/pkg/config"
	"FogMPC/pkg/errs"
	"FogMPC/pkg/fhe"

	"golang.org/x/xerrors"
)

// Add 同态加法
func Add(eval *fhe.Evaluator, a, b *fhe.Ciphertext) (*fhe.Ciphertext, error) {
	return eval.Add(a, b)
}

// AddPosition 位置加位移，两个坐标一起预检，要么都成功要么都不变
func AddPosition(eval *fhe.Evaluator, pos, delta *fhe.EncryptedPosition) (*fhe.EncryptedPosition, error) {
	if pos.KeyID() != delta.KeyID() {
		return nil, xerrors.Errorf("位置密钥 %s, 位移密钥 %s: %w", pos.KeyID(), delta.KeyID(), errs.ErrOwnerMismatch)
	}
	if err := eval.Require(eval.Model().AddCost, 0, pos.X, pos.Y, delta.X, delta.Y); err != nil {
		return nil, err
	}

	x, err := eval.Add(pos.X, delta.X)
	if err != nil {
		return nil, err
	}
	y, err := eval.Add(pos.Y, delta.Y)
	if err != nil {
		return nil, err
	}
	return &fhe.EncryptedPosition{Owner: pos.Owner, X: x, Y: y}, nil
}

// SquaredDistanceCost 距离平方的噪声消耗：减法、乘法、加法串联
func SquaredDistanceCost(m config.NoiseModel) int {
	return m.AddCost + m.MulCost + m.AddCost
}

// SquaredDistance (ax-bx)^2 + (ay-by)^2，消耗一个层级。
// BGV 通道结果精确，CKKS 通道为近似值
func SquaredDistance(eval *fhe.Evaluator, a, b *fhe.EncryptedPosition) (*fhe.Ciphertext, error) {
	if err := eval.Require(SquaredDistanceCost(eval.Model()), 1, a.X, a.Y, b.X, b.Y); err != nil {
		return nil, err
	}

	dx, err := eval.Sub(a.X, b.X)
	if err != nil {
		return nil, err
	}
	dy, err := eval.Sub(a.Y, b.Y)
	if err != nil {
		return nil, err
	}
	if dx, err = eval.Mul(dx, dx); err != nil {
		return nil, err
	}
	if dy, err = eval.Mul(dy, dy); err != nil {
		return nil, err
	}
	return eval.Add(dx, dy)
}
