// Package delegation 个人FHE私钥的授权共享。授予方用与被授予方的 ECDH 共享密钥
// 加密私钥材料，存入授权存储；被授予方取回后用同一共享密钥解开。
package delegation

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"time"

	"FogMPC/pkg/core/identity"
	"FogMPC/pkg/errs"
	"FogMPC/pkg/fhe"

	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// Context 授权密封使用的密钥派生上下文
func Context(grantor, grantee identity.Identity) string {
	return fmt.Sprintf("fog-delegation-v1|%s|%s", grantor, grantee)
}

// Service 授权服务
type Service struct {
	store     Store
	directory *identity.Directory
}

// New 创建授权服务
func New(store Store, dir *identity.Directory) *Service {
	return &Service{store: store, directory: dir}
}

// ShareKey grantor 把自己的私钥密封给 grantee。own 必须是 grantor 在目录中登记的交换私钥
func (s *Service) ShareKey(ctx context.Context, grantor identity.Identity, own *ecdsa.PrivateKey, key *fhe.SecretKey, grantee identity.Identity) error {
	if grantor == grantee {
		return xerrors.Errorf("不能授权给自己: %s", grantor)
	}
	self, err := s.directory.Lookup(grantor)
	if err != nil {
		return err
	}
	if !self.ExchangeKey.Equal(&own.PublicKey) {
		return xerrors.Errorf("%s 的交换密钥不匹配: %w", grantor, errs.ErrOwnerMismatch)
	}
	peer, err := s.directory.Lookup(grantee)
	if err != nil {
		return err
	}

	info := Context(grantor, grantee)
	secret, err := identity.SharedSecret(own, peer.ExchangeKey, info)
	if err != nil {
		return err
	}
	payload, err := fhe.Encode(key)
	if err != nil {
		return err
	}
	sealed, err := identity.Seal(secret, payload, []byte(info))
	if err != nil {
		return err
	}

	g := &Grant{Grantor: grantor, Grantee: grantee, KeyID: key.ID, Sealed: sealed, CreatedAt: time.Now()}
	if err := s.store.Put(ctx, g); err != nil {
		return err
	}
	log.Info().Str("grantor", string(grantor)).Str("grantee", string(grantee)).Str("key", key.ID).Msg("已授权私钥")
	return nil
}

// FetchKey grantee 取回 grantor 授予的私钥
func (s *Service) FetchKey(ctx context.Context, grantee identity.Identity, own *ecdsa.PrivateKey, grantor identity.Identity) (*fhe.SecretKey, error) {
	g, err := s.store.Get(ctx, grantor, grantee)
	if err != nil {
		return nil, err
	}
	peer, err := s.directory.Lookup(grantor)
	if err != nil {
		return nil, err
	}

	info := Context(grantor, grantee)
	secret, err := identity.SharedSecret(own, peer.ExchangeKey, info)
	if err != nil {
		return nil, err
	}
	payload, err := identity.Open(secret, g.Sealed, []byte(info))
	if err != nil {
		return nil, err
	}
	var key fhe.SecretKey
	if err := fhe.Decode(payload, &key); err != nil {
		return nil, xerrors.Errorf("私钥材料无法解析: %w", errs.ErrDecryptFailure)
	}
	if key.ID != g.KeyID {
		return nil, xerrors.Errorf("私钥标识 %s 与记录 %s 不符: %w", key.ID, g.KeyID, errs.ErrDecryptFailure)
	}
	return &key, nil
}

// Revoke 删除授权记录。已经取回的私钥不受影响，需配合密钥轮换
func (s *Service) Revoke(ctx context.Context, grantor, grantee identity.Identity) error {
	if err := s.store.Delete(ctx, grantor, grantee); err != nil {
		return err
	}
	log.Info().Str("grantor", string(grantor)).Str("grantee", string(grantee)).Msg("已撤销授权")
	return nil
}
