// Package visibility 在网络密钥下同态计算"是否在视野内"的加密谓词。
//
// 谓词 P = r · ∏_{k∈S} (d² − k)，其中 S 为不超过 R² 且能写成两平方和的整数集合，
// r 在 [1, t−1] 中均匀随机。MOVE 把累加后的坐标限制在 [−M, M] 内，
// 故 d² ≤ 8M² < t，不会在 Z_t 中回绕：P 解密为 0 当且仅当 d² ∈ S，
// 即 d² ≤ R²；不可见时 P 为 Z_t 中的随机非零元，解密方看不到 d²。
// 坐标越界的密文（例如 d² = t 时 d² ≡ 0）会被误判为可见，调用方必须维持该上界。
package visibility

import (
	"crypto/rand"
	"encoding/binary"
	"math/bits"

	"FogMPC/pkg/fhe"
	"FogMPC/pkg/homomorphic"

	"golang.org/x/xerrors"
)

// Gate 可见性判定
type Gate struct {
	ctx  *fhe.Context
	eval *fhe.Evaluator
}

// NewGate eval 必须持有网络密钥的重线性化密钥
func NewGate(ctx *fhe.Context, eval *fhe.Evaluator) *Gate {
	return &Gate{ctx: ctx, eval: eval}
}

// SumsOfTwoSquares 返回 {a²+b² ≤ limit}，升序
func SumsOfTwoSquares(limit int) []int {
	if limit < 0 {
		return nil
	}
	seen := make([]bool, limit+1)
	for a := 0; a*a <= limit; a++ {
		for b := a; a*a+b*b <= limit; b++ {
			seen[a*a+b*b] = true
		}
	}
	out := make([]int, 0, len(seen))
	for k, ok := range seen {
		if ok {
			out = append(out, k)
		}
	}
	return out
}

// Depth 连乘树深度，含距离平方的一次乘法
func Depth(viewRange int) int {
	return 1 + bits.Len(uint(len(SumsOfTwoSquares(viewRange*viewRange))-1))
}

// Cost 可见性谓词的噪声消耗
func (g *Gate) Cost(viewRange int) int {
	m := g.eval.Model()
	factors := Depth(viewRange) - 1
	return homomorphic.SquaredDistanceCost(m) + m.ScalarCost + factors*m.MulCost + m.ScalarCost
}

// Evaluate 计算 observer 与 target 之间的加密可见性谓词，本身不解密任何东西
func (g *Gate) Evaluate(observer, target *fhe.EncryptedPosition, viewRange int) (*fhe.Ciphertext, error) {
	if viewRange < 0 {
		return nil, xerrors.Errorf("视野范围不能为负: %d", viewRange)
	}
	if observer.KeyID() != target.KeyID() {
		return nil, xerrors.Errorf("观察者与目标不在同一密钥下: %s/%s", observer.KeyID(), target.KeyID())
	}
	if err := g.eval.Require(g.Cost(viewRange), Depth(viewRange), observer.X, observer.Y, target.X, target.Y); err != nil {
		return nil, err
	}

	d2, err := homomorphic.SquaredDistance(g.eval, observer, target)
	if err != nil {
		return nil, err
	}

	squares := SumsOfTwoSquares(viewRange * viewRange)
	factors := make([]*fhe.Ciphertext, len(squares))
	for i, k := range squares {
		if factors[i], err = g.eval.AddInt(d2, -int64(k)); err != nil {
			return nil, err
		}
	}

	product, err := g.productTree(factors)
	if err != nil {
		return nil, err
	}

	r, err := g.mask()
	if err != nil {
		return nil, err
	}
	return g.eval.MulInt(product, r)
}

// productTree 两两相乘的平衡树，深度 ⌈log2 n⌉
func (g *Gate) productTree(layer []*fhe.Ciphertext) (*fhe.Ciphertext, error) {
	for len(layer) > 1 {
		next := make([]*fhe.Ciphertext, 0, (len(layer)+1)/2)
		for i := 0; i+1 < len(layer); i += 2 {
			p, err := g.eval.Mul(layer[i], layer[i+1])
			if err != nil {
				return nil, err
			}
			next = append(next, p)
		}
		if len(layer)%2 == 1 {
			next = append(next, layer[len(layer)-1])
		}
		layer = next
	}
	return layer[0], nil
}

// mask 在 [1, t−1] 中均匀采样
func (g *Gate) mask() (int64, error) {
	t := g.ctx.PlaintextModulus()
	limit := ^uint64(0) - ^uint64(0)%(t-1)
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, xerrors.Errorf("采样掩码失败: %v", err)
		}
		if v := binary.LittleEndian.Uint64(buf[:]); v < limit {
			return int64(v%(t-1)) + 1, nil
		}
	}
}

// IsVisible 解释解密后的谓词
func IsVisible(predicate int64) bool {
	return predicate == 0
}
