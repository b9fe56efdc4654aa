package identity

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"FogMPC/pkg/errs"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/xerrors"
)

const (
	sharedKeyLen = 16
	sharedMacLen = 16
)

// SharedSecret 由 ECDH 导出双方共享的对称密钥，context 绑定用途
func SharedSecret(own *ecdsa.PrivateKey, peer *ecdsa.PublicKey, context string) ([]byte, error) {
	raw, err := ecies.ImportECDSA(own).GenerateShared(ecies.ImportECDSAPublic(peer), sharedKeyLen, sharedMacLen)
	if err != nil {
		return nil, xerrors.Errorf("ECDH 失败: %v", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, raw, nil, []byte(context)), key); err != nil {
		return nil, xerrors.Errorf("HKDF 失败: %v", err)
	}
	return key, nil
}

// Seal 使用共享密钥加密，输出为 nonce || ciphertext
func Seal(secret, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(secret)
	if err != nil {
		return nil, xerrors.Errorf("初始化AEAD失败: %v", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, xerrors.Errorf("生成nonce失败: %v", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open 解密 Seal 的输出，密钥错误或数据被篡改时返回 ErrDecryptFailure
func Open(secret, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(secret)
	if err != nil {
		return nil, xerrors.Errorf("初始化AEAD失败: %v", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, xerrors.Errorf("密文过短(%d字节): %w", len(sealed), errs.ErrDecryptFailure)
	}

	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, xerrors.Errorf("认证失败: %w", errs.ErrDecryptFailure)
	}
	return plaintext, nil
}

// Envelope 发送给某个公钥持有者的一次性密封消息
type Envelope struct {
	Ephemeral []byte `json:"ephemeral"`
	Sealed    []byte `json:"sealed"`
}

// SealTo 生成临时密钥对并对接收方公钥加密
func SealTo(recipient *ecdsa.PublicKey, context string, plaintext []byte) (*Envelope, error) {
	eph, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	secret, err := SharedSecret(eph.Private, recipient, context)
	if err != nil {
		return nil, err
	}
	sealed, err := Seal(secret, plaintext, []byte(context))
	if err != nil {
		return nil, err
	}
	return &Envelope{Ephemeral: crypto.FromECDSAPub(eph.Public()), Sealed: sealed}, nil
}

// OpenEnvelope 接收方用私钥打开 SealTo 的输出
func OpenEnvelope(own *ecdsa.PrivateKey, context string, env *Envelope) ([]byte, error) {
	eph, err := ParsePublic(env.Ephemeral)
	if err != nil {
		return nil, err
	}
	secret, err := SharedSecret(own, eph, context)
	if err != nil {
		return nil, err
	}
	return Open(secret, env.Sealed, []byte(context))
}
