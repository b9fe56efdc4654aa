package fhe

import (
	"math"

	"FogMPC/pkg/core/identity"
	"FogMPC/pkg/errs"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
	"golang.org/x/xerrors"
)

// EncryptInt 在BGV通道上用公钥加密整数（置于第0个槽）
func (c *Context) EncryptInt(ks *KeySet, v int64) (*Ciphertext, error) {
	if ks == nil || ks.PK == nil || ks.Scheme != BGV {
		return nil, xerrors.Errorf("需要BGV公钥: %w", errs.ErrMissingKey)
	}

	values := make([]uint64, c.BGV.MaxSlots())
	values[0] = c.ReduceInt(v)

	pt := bgv.NewPlaintext(c.BGV, c.BGV.MaxLevel())
	if err := bgv.NewEncoder(c.BGV).Encode(values, pt); err != nil {
		return nil, xerrors.Errorf("BGV编码失败: %v", err)
	}
	ct, err := rlwe.NewEncryptor(c.BGV, ks.PK).EncryptNew(pt)
	if err != nil {
		return nil, xerrors.Errorf("BGV加密失败: %v", err)
	}
	return c.wrap(ct, BGV, ks.ID), nil
}

// EncryptFloat 在CKKS通道上用公钥加密实数（置于第0个槽）
func (c *Context) EncryptFloat(ks *KeySet, v float64) (*Ciphertext, error) {
	if ks == nil || ks.PK == nil || ks.Scheme != CKKS {
		return nil, xerrors.Errorf("需要CKKS公钥: %w", errs.ErrMissingKey)
	}

	values := make([]float64, c.CKKS.MaxSlots())
	values[0] = v

	pt := ckks.NewPlaintext(c.CKKS, c.CKKS.MaxLevel())
	if err := ckks.NewEncoder(c.CKKS).Encode(values, pt); err != nil {
		return nil, xerrors.Errorf("CKKS编码失败: %v", err)
	}
	ct, err := rlwe.NewEncryptor(c.CKKS, ks.PK).EncryptNew(pt)
	if err != nil {
		return nil, xerrors.Errorf("CKKS加密失败: %v", err)
	}
	return c.wrap(ct, CKKS, ks.ID), nil
}

// EncryptPosition 加密一对坐标。CKKS 密钥下按实数编码，其余按BGV整数编码
func (c *Context) EncryptPosition(ks *KeySet, owner identity.Identity, x, y int64) (*EncryptedPosition, error) {
	encrypt := c.EncryptInt
	if ks != nil && ks.Scheme == CKKS {
		encrypt = func(ks *KeySet, v int64) (*Ciphertext, error) {
			return c.EncryptFloat(ks, float64(v))
		}
	}
	cx, err := encrypt(ks, x)
	if err != nil {
		return nil, err
	}
	cy, err := encrypt(ks, y)
	if err != nil {
		return nil, err
	}
	return &EncryptedPosition{Owner: owner, X: cx, Y: cy}, nil
}

// DecryptInt 用私钥解密BGV密文。预算耗尽的密文返回 ErrTooMuchNoise
func (c *Context) DecryptInt(ks *KeySet, ct *Ciphertext) (int64, error) {
	if !ks.CanDecrypt(ct) {
		return 0, xerrors.Errorf("密文密钥 %s: %w", ct.KeyID, errs.ErrMissingKey)
	}
	if ct.Exhausted() {
		return 0, xerrors.Errorf("噪声 %d/%d: %w", ct.Noise, ct.Capacity, errs.ErrTooMuchNoise)
	}
	pt := rlwe.NewDecryptor(c.BGV, ks.SK).DecryptNew(ct.Value)
	return c.DecodeInt(pt)
}

// DecodeInt 解码BGV明文第0个槽，结果取中心代表元
func (c *Context) DecodeInt(pt *rlwe.Plaintext) (int64, error) {
	values := make([]uint64, c.BGV.MaxSlots())
	if err := bgv.NewEncoder(c.BGV).Decode(pt, values); err != nil {
		return 0, xerrors.Errorf("BGV解码失败: %v", err)
	}
	return c.CenterInt(values[0]), nil
}

// DecryptFloat 用私钥解密CKKS密文
func (c *Context) DecryptFloat(ks *KeySet, ct *Ciphertext) (float64, error) {
	if !ks.CanDecrypt(ct) {
		return 0, xerrors.Errorf("密文密钥 %s: %w", ct.KeyID, errs.ErrMissingKey)
	}
	if ct.Exhausted() {
		return 0, xerrors.Errorf("噪声 %d/%d: %w", ct.Noise, ct.Capacity, errs.ErrTooMuchNoise)
	}
	pt := rlwe.NewDecryptor(c.CKKS, ks.SK).DecryptNew(ct.Value)

	values := make([]float64, c.CKKS.MaxSlots())
	if err := ckks.NewEncoder(c.CKKS).Decode(pt, values); err != nil {
		return 0, xerrors.Errorf("CKKS解码失败: %v", err)
	}
	if math.IsNaN(values[0]) || math.IsInf(values[0], 0) {
		return 0, xerrors.Errorf("解码结果无效: %w", errs.ErrTooMuchNoise)
	}
	return values[0], nil
}

// DecryptPosition 解密一对坐标
func (c *Context) DecryptPosition(ks *KeySet, pos *EncryptedPosition) (x, y int64, err error) {
	if x, err = c.DecryptInt(ks, pos.X); err != nil {
		return 0, 0, err
	}
	if y, err = c.DecryptInt(ks, pos.Y); err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

// Fresh 以新鲜预算包装外部得到的密文（如网络密钥下的加密结果）
func (c *Context) Fresh(ct *rlwe.Ciphertext, s Scheme, keyID string) *Ciphertext {
	return c.wrap(ct, s, keyID)
}

func (c *Context) wrap(ct *rlwe.Ciphertext, s Scheme, keyID string) *Ciphertext {
	return &Ciphertext{Value: ct, Scheme: s, KeyID: keyID, Capacity: c.Model(s).Capacity}
}
