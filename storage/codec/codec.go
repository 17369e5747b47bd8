package codec

import (
	"crypto/aes"
	"encoding/hex"

	"github.com/pkg/errors"
	"golang.org/x/crypto/xts"

	"github.com/zhukovaskychina/xkv/storage/basic"
)

// 编解码器标识，记录在元数据页中
const (
	CodecPlain uint8 = 0
	CodecXTS   uint8 = 1
)

// PageCodec 页级编解码，输入输出长度都是一整页
type PageCodec interface {
	ID() uint8
	EncodePage(id basic.PageId, dst, src []byte) error
	DecodePage(id basic.PageId, dst, src []byte) error
}

// Plain 不做任何变换
type Plain struct{}

func (Plain) ID() uint8 { return CodecPlain }

func (Plain) EncodePage(_ basic.PageId, dst, src []byte) error {
	if err := checkLen(dst, src); err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

func (Plain) DecodePage(_ basic.PageId, dst, src []byte) error {
	if err := checkLen(dst, src); err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// XTS AES-XTS 整页加密，页号作为扇区号
type XTS struct {
	cipher *xts.Cipher
}

// NewXTS key 为32字节(AES-128)或64字节(AES-256)
func NewXTS(key []byte) (*XTS, error) {
	if len(key) != 32 && len(key) != 64 {
		return nil, errors.Errorf("xts key must be 32 or 64 bytes, got %d", len(key))
	}
	c, err := xts.NewCipher(aes.NewCipher, key)
	if err != nil {
		return nil, errors.Wrap(err, "create xts cipher")
	}
	return &XTS{cipher: c}, nil
}

// NewXTSFromHex 从十六进制串构造
func NewXTSFromHex(keyHex string) (*XTS, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, errors.Wrap(err, "decode cipher key")
	}
	return NewXTS(key)
}

func (c *XTS) ID() uint8 { return CodecXTS }

func (c *XTS) EncodePage(id basic.PageId, dst, src []byte) error {
	if err := checkLen(dst, src); err != nil {
		return err
	}
	c.cipher.Encrypt(dst, src, uint64(id))
	return nil
}

func (c *XTS) DecodePage(id basic.PageId, dst, src []byte) error {
	if err := checkLen(dst, src); err != nil {
		return err
	}
	c.cipher.Decrypt(dst, src, uint64(id))
	return nil
}

func checkLen(dst, src []byte) error {
	if len(src) != basic.PageSize || len(dst) != basic.PageSize {
		return errors.Errorf("codec works on whole pages, got src=%d dst=%d", len(src), len(dst))
	}
	return nil
}
