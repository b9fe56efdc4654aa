package fhe

import (
	"math"
	"sync"

	"FogMPC/pkg/config"
	"FogMPC/pkg/errs"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
	"golang.org/x/xerrors"
)

// Evaluator 预算求值器。所有同态运算都经过这里：先按噪声模型计算结果的消耗，
// 超出容量或层级不足时直接返回 ErrNoiseBudgetExceeded，不做任何求值。
// 可被多个 goroutine 并发使用。
type Evaluator struct {
	ctx    *Context
	scheme Scheme
	keyID  string // 持有重线性化密钥的密钥，空表示只支持线性运算
	model  config.NoiseModel
	pool   sync.Pool
}

// NewEvaluator 为某个密钥构造求值器。keys.RLK 为空时只支持加法与标量运算
func (c *Context) NewEvaluator(keys *KeySet) *Evaluator {
	var evk rlwe.EvaluationKeySet
	if keys.RLK != nil {
		evk = rlwe.NewMemEvaluationKeySet(keys.RLK)
	}

	e := &Evaluator{ctx: c, scheme: keys.Scheme, model: c.Model(keys.Scheme)}
	if keys.RLK != nil {
		e.keyID = keys.ID
	}
	switch keys.Scheme {
	case CKKS:
		base := ckks.NewEvaluator(c.CKKS, evk)
		e.pool.New = func() any { return base.ShallowCopy() }
	default:
		base := bgv.NewEvaluator(c.BGV, evk)
		e.pool.New = func() any { return base.ShallowCopy() }
	}
	return e
}

// LinearEvaluator 不绑定密钥的求值器，只用于加法与标量运算
func (c *Context) LinearEvaluator(s Scheme) *Evaluator {
	return c.NewEvaluator(&KeySet{Scheme: s})
}

// Model 噪声模型
func (e *Evaluator) Model() config.NoiseModel {
	return e.model
}

// Scheme 求值器所属方案
func (e *Evaluator) Scheme() Scheme {
	return e.scheme
}

// Require 预检：inputs 在额外消耗 cost 噪声、levels 个层级后是否仍可用
func (e *Evaluator) Require(cost, levels int, inputs ...*Ciphertext) error {
	noise, level := 0, math.MaxInt
	for _, in := range inputs {
		noise = max(noise, in.Noise)
		level = min(level, in.Level())
	}
	if noise+cost > e.model.Capacity {
		return xerrors.Errorf("需要噪声 %d，剩余 %d: %w", cost, e.model.Capacity-noise, errs.ErrNoiseBudgetExceeded)
	}
	if level < levels {
		return xerrors.Errorf("需要 %d 层，剩余 %d 层: %w", levels, level, errs.ErrNoiseBudgetExceeded)
	}
	return nil
}

// Add a + b
func (e *Evaluator) Add(a, b *Ciphertext) (*Ciphertext, error) {
	out, err := e.binary(a, b, e.model.AddCost, 0)
	if err != nil {
		return nil, err
	}
	err = e.with(func(bgvEval *bgv.Evaluator, ckksEval *ckks.Evaluator) (err error) {
		if bgvEval != nil {
			out.Value, err = bgvEval.AddNew(a.Value, b.Value)
		} else {
			out.Value, err = ckksEval.AddNew(a.Value, b.Value)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Sub a - b
func (e *Evaluator) Sub(a, b *Ciphertext) (*Ciphertext, error) {
	out, err := e.binary(a, b, e.model.AddCost, 0)
	if err != nil {
		return nil, err
	}
	err = e.with(func(bgvEval *bgv.Evaluator, ckksEval *ckks.Evaluator) (err error) {
		if bgvEval != nil {
			out.Value, err = bgvEval.SubNew(a.Value, b.Value)
		} else {
			out.Value, err = ckksEval.SubNew(a.Value, b.Value)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Mul a * b，重线性化后重缩放，消耗一个层级
func (e *Evaluator) Mul(a, b *Ciphertext) (*Ciphertext, error) {
	if e.keyID == "" || a.KeyID != e.keyID {
		return nil, xerrors.Errorf("密钥 %s 没有重线性化密钥: %w", a.KeyID, errs.ErrMissingKey)
	}
	out, err := e.binary(a, b, e.model.MulCost, 1)
	if err != nil {
		return nil, err
	}
	err = e.with(func(bgvEval *bgv.Evaluator, ckksEval *ckks.Evaluator) (err error) {
		if bgvEval != nil {
			if out.Value, err = bgvEval.MulRelinNew(a.Value, b.Value); err != nil {
				return err
			}
			return bgvEval.Rescale(out.Value, out.Value)
		}
		if out.Value, err = ckksEval.MulRelinNew(a.Value, b.Value); err != nil {
			return err
		}
		return ckksEval.Rescale(out.Value, out.Value)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddInt a + k（整数常量，两种方案均精确）
func (e *Evaluator) AddInt(a *Ciphertext, k int64) (*Ciphertext, error) {
	out, err := e.unary(a, e.model.ScalarCost, 0)
	if err != nil {
		return nil, err
	}
	err = e.with(func(bgvEval *bgv.Evaluator, ckksEval *ckks.Evaluator) (err error) {
		if bgvEval != nil {
			// 原地运算保留 a 的元数据（重缩放后的 scale）
			out.Value = a.Value.CopyNew()
			return bgvEval.Add(out.Value, e.ctx.ReduceInt(k), out.Value)
		}
		out.Value, err = ckksEval.AddNew(a.Value, k)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MulInt a * k，不消耗层级
func (e *Evaluator) MulInt(a *Ciphertext, k int64) (*Ciphertext, error) {
	out, err := e.unary(a, e.model.ScalarCost, 0)
	if err != nil {
		return nil, err
	}
	err = e.with(func(bgvEval *bgv.Evaluator, ckksEval *ckks.Evaluator) (err error) {
		if bgvEval != nil {
			out.Value = a.Value.CopyNew()
			return bgvEval.Mul(out.Value, e.ctx.ReduceInt(k), out.Value)
		}
		out.Value, err = ckksEval.MulNew(a.Value, k)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddFloat a + v，仅CKKS
func (e *Evaluator) AddFloat(a *Ciphertext, v float64) (*Ciphertext, error) {
	if e.scheme != CKKS {
		return nil, xerrors.Errorf("实数常量只能用于CKKS通道")
	}
	out, err := e.unary(a, e.model.ScalarCost, 0)
	if err != nil {
		return nil, err
	}
	err = e.with(func(_ *bgv.Evaluator, ckksEval *ckks.Evaluator) (err error) {
		out.Value, err = ckksEval.AddNew(a.Value, v)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MulFloat a * v，仅CKKS，常量按当前层模数放大后重缩放，消耗一个层级
func (e *Evaluator) MulFloat(a *Ciphertext, v float64) (*Ciphertext, error) {
	if e.scheme != CKKS {
		return nil, xerrors.Errorf("实数常量只能用于CKKS通道")
	}
	out, err := e.unary(a, e.model.ScalarCost, 1)
	if err != nil {
		return nil, err
	}
	err = e.with(func(_ *bgv.Evaluator, ckksEval *ckks.Evaluator) (err error) {
		if out.Value, err = ckksEval.MulNew(a.Value, v); err != nil {
			return err
		}
		return ckksEval.Rescale(out.Value, out.Value)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// binary 校验两个操作数并预先计算结果的噪声
func (e *Evaluator) binary(a, b *Ciphertext, cost, levels int) (*Ciphertext, error) {
	if a.Scheme != e.scheme || b.Scheme != e.scheme {
		return nil, xerrors.Errorf("方案不匹配: %s/%s, 求值器 %s", a.Scheme, b.Scheme, e.scheme)
	}
	if a.KeyID != b.KeyID {
		return nil, xerrors.Errorf("密钥 %s 与 %s: %w", a.KeyID, b.KeyID, errs.ErrOwnerMismatch)
	}
	if err := e.Require(cost, levels, a, b); err != nil {
		return nil, err
	}
	return &Ciphertext{
		Scheme:   e.scheme,
		KeyID:    a.KeyID,
		Noise:    max(a.Noise, b.Noise) + cost,
		Capacity: e.model.Capacity,
	}, nil
}

func (e *Evaluator) unary(a *Ciphertext, cost, levels int) (*Ciphertext, error) {
	if a.Scheme != e.scheme {
		return nil, xerrors.Errorf("方案不匹配: %s, 求值器 %s", a.Scheme, e.scheme)
	}
	if err := e.Require(cost, levels, a); err != nil {
		return nil, err
	}
	return &Ciphertext{Scheme: e.scheme, KeyID: a.KeyID, Noise: a.Noise + cost, Capacity: e.model.Capacity}, nil
}

// with 从池中取出一个浅拷贝求值器执行 f
func (e *Evaluator) with(f func(*bgv.Evaluator, *ckks.Evaluator) error) error {
	eval := e.pool.Get()
	defer e.pool.Put(eval)

	var err error
	switch ev := eval.(type) {
	case *bgv.Evaluator:
		err = f(ev, nil)
	case *ckks.Evaluator:
		err = f(nil, ev)
	}
	if err != nil {
		return xerrors.Errorf("同态运算失败: %v", err)
	}
	return nil
}
