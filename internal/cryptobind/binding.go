// Package cryptobind adapta las primitivas simétricas que el callback
// entrega al engine TLS. El paquete no define criptografía propia: sólo
// valida longitudes y construye contextos sobre crypto/aes, crypto/cipher
// y crypto/hmac.
package cryptobind

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"hash"
)

var (
	// ErrBadKeyLength indica un secreto con tamaño inválido para el
	// algoritmo. Si aparece con claves salidas del store es corrupción
	// o mismatch de configuración, no churn normal.
	ErrBadKeyLength = errors.New("cryptobind: invalid key length")
	// ErrBadIVLength indica un IV con tamaño distinto al del cipher.
	ErrBadIVLength = errors.New("cryptobind: invalid iv length")
)

// Binder construye contextos de cifrado/descifrado/autenticación para
// una clave e IV dados. Cada Bind falla únicamente por longitudes
// inválidas; las primitivas en sí se asumen correctas.
type Binder interface {
	BindEncrypt(key, iv []byte) (cipher.BlockMode, error)
	BindDecrypt(key, iv []byte) (cipher.BlockMode, error)
	BindAuth(key []byte) (hash.Hash, error)

	// IVSize es el largo de IV que el engine debe generar/parsear.
	IVSize() int
}

// AESCBCHMAC es el perfil recomendado por rfc5077: AES-256-CBC para el
// estado de sesión y HMAC-SHA256 sobre el ticket.
type AESCBCHMAC struct{}

func NewAESCBCHMAC() AESCBCHMAC { return AESCBCHMAC{} }

func (AESCBCHMAC) IVSize() int { return aes.BlockSize }

func (b AESCBCHMAC) BindEncrypt(key, iv []byte) (cipher.BlockMode, error) {
	blk, err := b.newBlock(key, iv)
	if err != nil {
		return nil, err
	}
	return cipher.NewCBCEncrypter(blk, iv), nil
}

func (b AESCBCHMAC) BindDecrypt(key, iv []byte) (cipher.BlockMode, error) {
	blk, err := b.newBlock(key, iv)
	if err != nil {
		return nil, err
	}
	return cipher.NewCBCDecrypter(blk, iv), nil
}

func (AESCBCHMAC) BindAuth(key []byte) (hash.Hash, error) {
	if len(key) != sha256.Size {
		return nil, ErrBadKeyLength
	}
	return hmac.New(sha256.New, key), nil
}

func (AESCBCHMAC) newBlock(key, iv []byte) (cipher.Block, error) {
	if len(key) != 32 {
		return nil, ErrBadKeyLength
	}
	if len(iv) != aes.BlockSize {
		return nil, ErrBadIVLength
	}
	return aes.NewCipher(key)
}
