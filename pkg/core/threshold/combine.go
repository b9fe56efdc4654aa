package threshold

import (
	"FogMPC/pkg/fhe"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/multiparty"
	"golang.org/x/xerrors"
)

// Combine 聚合 t 份已校验的部分解密，将密文切换到零密钥后解码。
// 纯函数，不涉及传输；份额数量由调用方保证
func Combine(ctx *fhe.Context, ct *rlwe.Ciphertext, shares []multiparty.KeySwitchShare) (int64, error) {
	if ct == nil || len(shares) == 0 {
		return 0, xerrors.Errorf("无效输入: 密文为空或无份额")
	}
	proto, err := multiparty.NewKeySwitchProtocol(ctx.BGV, smudging)
	if err != nil {
		return 0, xerrors.Errorf("创建密钥切换协议失败: %v", err)
	}

	level := ct.Level()
	agg := proto.AllocateShare(level)
	for i := range shares {
		if err := proto.AggregateShares(shares[i], agg, &agg); err != nil {
			return 0, xerrors.Errorf("聚合份额失败: %v", err)
		}
	}

	out := rlwe.NewCiphertext(ctx.BGV, 1, level)
	*out.MetaData = *ct.MetaData
	proto.KeySwitch(ct, agg, out)

	pt := rlwe.NewDecryptor(ctx.BGV, rlwe.NewSecretKey(ctx.BGV)).DecryptNew(out)
	return ctx.DecodeInt(pt)
}
