package core

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"

	"filevault/pkg/storage"
)

var errBadPadding = errors.New("invalid PKCS#7 padding")

// Encryptor is a reversible, keyed byte transform with the same stream
// contract as Compressor.
type Encryptor interface {
	Algorithm() storage.EncryptionAlgorithm
	Encrypt(data io.Reader) (*bytes.Reader, error)
	Decrypt(data io.Reader) (*bytes.Reader, error)
}

// NoneEncryptor copies its input unchanged.
type NoneEncryptor struct{}

func (NoneEncryptor) Algorithm() storage.EncryptionAlgorithm { return storage.EncryptionNone }

func (NoneEncryptor) Encrypt(data io.Reader) (*bytes.Reader, error) {
	return materialize(data)
}

func (NoneEncryptor) Decrypt(data io.Reader) (*bytes.Reader, error) {
	return materialize(data)
}

// AESEncryptor encrypts with AES in CBC mode using PKCS#7 padding. The key
// selects AES-128, AES-192 or AES-256; the IV must be one block long.
type AESEncryptor struct {
	block cipher.Block
	iv    []byte
}

func NewAESEncryptor(key, iv []byte) (*AESEncryptor, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("%w: IV must be %d bytes, got %d", storage.ErrInvalidArgument, block.BlockSize(), len(iv))
	}
	return &AESEncryptor{
		block: block,
		iv:    bytes.Clone(iv),
	}, nil
}

func (*AESEncryptor) Algorithm() storage.EncryptionAlgorithm { return storage.EncryptionAES }

func (e *AESEncryptor) Encrypt(data io.Reader) (*bytes.Reader, error) {
	plain, err := io.ReadAll(data)
	if err != nil {
		return nil, fmt.Errorf("read plaintext: %w", err)
	}

	size := e.block.BlockSize()
	pad := size - len(plain)%size
	buf := make([]byte, len(plain)+pad)
	copy(buf, plain)
	for i := len(plain); i < len(buf); i++ {
		buf[i] = byte(pad)
	}

	cipher.NewCBCEncrypter(e.block, e.iv).CryptBlocks(buf, buf)
	return bytes.NewReader(buf), nil
}

func (e *AESEncryptor) Decrypt(data io.Reader) (*bytes.Reader, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, fmt.Errorf("read ciphertext: %w", err)
	}

	size := e.block.BlockSize()
	if len(buf) == 0 || len(buf)%size != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(buf))
	}

	cipher.NewCBCDecrypter(e.block, e.iv).CryptBlocks(buf, buf)

	pad := int(buf[len(buf)-1])
	if pad == 0 || pad > size {
		return nil, errBadPadding
	}
	for _, b := range buf[len(buf)-pad:] {
		if int(b) != pad {
			return nil, errBadPadding
		}
	}
	return bytes.NewReader(buf[:len(buf)-pad]), nil
}
