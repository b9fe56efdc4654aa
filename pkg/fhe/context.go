// Package fhe 封装 BGV(精确整数通道) 与 CKKS(近似实数通道) 参数、密钥、
// 带显式噪声预算的密文以及所有同态运算必须经过的预算求值器
package fhe

import (
	"FogMPC/pkg/config"

	"github.com/tuneinsight/lattigo/v6/ring"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
	"golang.org/x/xerrors"
)

// Scheme 密文所在的同态方案
type Scheme int

const (
	// BGV 精确整数运算，位置、距离平方与可见性谓词
	BGV Scheme = iota
	// CKKS 近似实数运算，近似开方
	CKKS
)

func (s Scheme) String() string {
	if s == CKKS {
		return "ckks"
	}
	return "bgv"
}

// Context 一组固定的同态参数及对应的噪声模型
type Context struct {
	BGV       bgv.Parameters
	CKKS      ckks.Parameters
	Noise     config.NoiseModel
	CKKSNoise config.NoiseModel
}

// NewContext 由配置构造同态参数
func NewContext(cfg config.FHEConfig) (*Context, error) {
	bgvParams, err := bgv.NewParametersFromLiteral(bgv.ParametersLiteral{
		LogN:             cfg.BGV.LogN,
		LogQ:             cfg.BGV.LogQ,
		LogP:             cfg.BGV.LogP,
		PlaintextModulus: cfg.BGV.PlaintextModulus,
	})
	if err != nil {
		return nil, xerrors.Errorf("创建BGV参数失败: %v", err)
	}

	ckksParams, err := ckks.NewParametersFromLiteral(ckks.ParametersLiteral{
		LogN:            cfg.CKKS.LogN,
		LogQ:            cfg.CKKS.LogQ,
		LogP:            cfg.CKKS.LogP,
		LogDefaultScale: cfg.CKKS.LogDefaultScale,
		RingType:        ring.Standard,
	})
	if err != nil {
		return nil, xerrors.Errorf("创建CKKS参数失败: %v", err)
	}

	return &Context{
		BGV:       bgvParams,
		CKKS:      ckksParams,
		Noise:     cfg.Noise,
		CKKSNoise: cfg.CKKSNoise,
	}, nil
}

// Model 返回方案对应的噪声模型
func (c *Context) Model(s Scheme) config.NoiseModel {
	if s == CKKS {
		return c.CKKSNoise
	}
	return c.Noise
}

// PlaintextModulus BGV 明文模数 t
func (c *Context) PlaintextModulus() uint64 {
	return c.BGV.PlaintextModulus()
}

// MaxLevel 方案的最大模数层级
func (c *Context) MaxLevel(s Scheme) int {
	if s == CKKS {
		return c.CKKS.MaxLevel()
	}
	return c.BGV.MaxLevel()
}

// ReduceInt 将有符号整数映射到 Z_t
func (c *Context) ReduceInt(v int64) uint64 {
	t := int64(c.PlaintextModulus())
	r := v % t
	if r < 0 {
		r += t
	}
	return uint64(r)
}

// CenterInt 将 Z_t 中的值映射回 (-t/2, t/2]
func (c *Context) CenterInt(v uint64) int64 {
	t := c.PlaintextModulus()
	v %= t
	if v > t/2 {
		return int64(v) - int64(t)
	}
	return int64(v)
}
