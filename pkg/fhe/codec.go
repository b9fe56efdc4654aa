// 序列化与编码工具
// 密文、密钥、协议份额与字节流、Base64字符串之间的转换，便于网络传输和落盘
package fhe

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/xerrors"
)

// Encode 将结构体（密文、密钥、协议份额等）gob 序列化为字节流。
// lattigo 对象实现了 BinaryMarshaler，gob 会直接使用其二进制格式
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, xerrors.Errorf("序列化失败: %v", err)
	}
	return buf.Bytes(), nil
}

// Decode 将字节流反序列化到 v（指针）
func Decode(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewBuffer(data)).Decode(v); err != nil {
		return xerrors.Errorf("反序列化失败: %v", err)
	}
	return nil
}

// EncodeToBase64 序列化后编码为Base64字符串
func EncodeToBase64(v interface{}) (string, error) {
	data, err := Encode(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeFromBase64 解码Base64字符串并反序列化到 v
func DecodeFromBase64(s string, v interface{}) error {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return xerrors.Errorf("Base64解码失败: %v", err)
	}
	return Decode(data, v)
}

// Digest 密文内容摘要，用于把签名绑定到具体密文
func (c *Ciphertext) Digest() ([]byte, error) {
	raw, err := c.Value.MarshalBinary()
	if err != nil {
		return nil, xerrors.Errorf("密文序列化失败: %v", err)
	}
	return crypto.Keccak256(raw), nil
}
