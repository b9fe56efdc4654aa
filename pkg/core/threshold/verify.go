package threshold

import (
	"crypto/ecdsa"
	"encoding/binary"

	"FogMPC/pkg/core/identity"
	"FogMPC/pkg/fhe"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/multiparty"
	"golang.org/x/xerrors"
)

// digest 签名内容：请求ID、仪式ID、参与方编号、活跃集合、密文摘要与份额摘要
func digest(c *Contribution, ct *rlwe.Ciphertext) ([]byte, error) {
	raw, err := ct.MarshalBinary()
	if err != nil {
		return nil, xerrors.Errorf("密文序列化失败: %v", err)
	}
	buf := make([]byte, 0, 128)
	buf = append(buf, c.RequestID...)
	buf = append(buf, 0)
	buf = append(buf, c.CeremonyID...)
	buf = append(buf, 0)
	buf = binary.BigEndian.AppendUint32(buf, uint32(c.Index))
	for _, i := range c.Active {
		buf = binary.BigEndian.AppendUint32(buf, uint32(i))
	}
	buf = append(buf, crypto.Keccak256(raw)...)
	buf = append(buf, crypto.Keccak256(c.Share)...)
	return crypto.Keccak256(buf), nil
}

// Sign 参与方对部分解密签名
func Sign(c *Contribution, ct *rlwe.Ciphertext, signer *identity.KeyPair) error {
	h, err := digest(c, ct)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(h, signer.Private)
	if err != nil {
		return xerrors.Errorf("签名失败: %v", err)
	}
	c.Signature = sig
	return nil
}

// Verify 校验部分解密的来源、绑定关系与形状，失败均返回 ErrInvalidShare
func Verify(ctx *fhe.Context, c *Contribution, requestID, ceremonyID string, index int, active []int, ct *rlwe.Ciphertext, pub *ecdsa.PublicKey) (multiparty.KeySwitchShare, error) {
	var share multiparty.KeySwitchShare
	if c == nil {
		return share, invalid(index, "缺少部分解密")
	}
	if c.RequestID != requestID || c.CeremonyID != ceremonyID || c.Index != index {
		return share, invalid(index, "请求 %s/仪式 %s/编号 %d 不匹配", c.RequestID, c.CeremonyID, c.Index)
	}
	if !equalInts(c.Active, active) {
		return share, invalid(index, "活跃集合 %v 与请求 %v 不一致", c.Active, active)
	}
	if len(c.Signature) != crypto.SignatureLength {
		return share, invalid(index, "签名长度 %d", len(c.Signature))
	}
	h, err := digest(c, ct)
	if err != nil {
		return share, err
	}
	if !crypto.VerifySignature(crypto.FromECDSAPub(pub), h, c.Signature[:crypto.RecoveryIDOffset]) {
		return share, invalid(index, "签名无效")
	}

	share = multiparty.KeySwitchShare{Value: ctx.BGV.RingQ().AtLevel(ct.Level()).NewPoly()}
	if err := share.UnmarshalBinary(c.Share); err != nil {
		return share, invalid(index, "份额格式错误: %v", err)
	}
	if share.Value.Level() != ct.Level() || share.Value.N() != ctx.BGV.N() {
		return share, invalid(index, "份额层级 %d 与密文层级 %d 不符", share.Value.Level(), ct.Level())
	}
	return share, nil
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
