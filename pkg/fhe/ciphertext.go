package fhe

import (
	"FogMPC/pkg/core/identity"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
)

// Ciphertext lattigo 密文 + 加密密钥标识 + 已消耗的噪声预算
type Ciphertext struct {
	Value    *rlwe.Ciphertext
	Scheme   Scheme
	KeyID    string
	Noise    int
	Capacity int
}

// Remaining 剩余噪声预算
func (c *Ciphertext) Remaining() int {
	return c.Capacity - c.Noise
}

// Exhausted 噪声已超出预算，解密结果不可信
func (c *Ciphertext) Exhausted() bool {
	return c.Noise > c.Capacity
}

// Level 当前模数层级
func (c *Ciphertext) Level() int {
	return c.Value.Level()
}

// CopyNew 深拷贝
func (c *Ciphertext) CopyNew() *Ciphertext {
	if c == nil {
		return nil
	}
	out := *c
	out.Value = c.Value.CopyNew()
	return &out
}

// EncryptedPosition 某个身份的加密坐标，x 与 y 在同一密钥下
type EncryptedPosition struct {
	Owner identity.Identity
	X     *Ciphertext
	Y     *Ciphertext
}

// KeyID 位置所用加密密钥
func (p *EncryptedPosition) KeyID() string {
	return p.X.KeyID
}

// Noise 两个坐标中较大的噪声消耗
func (p *EncryptedPosition) Noise() int {
	return max(p.X.Noise, p.Y.Noise)
}

// CopyNew 深拷贝
func (p *EncryptedPosition) CopyNew() *EncryptedPosition {
	if p == nil {
		return nil
	}
	return &EncryptedPosition{Owner: p.Owner, X: p.X.CopyNew(), Y: p.Y.CopyNew()}
}
