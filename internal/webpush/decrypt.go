package webpush

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrTruncated   = errors.New("webpush: message truncated")
	ErrRecordSize  = errors.New("webpush: invalid record size")
	ErrPadding     = errors.New("webpush: invalid record padding")
	ErrDecryptFail = errors.New("webpush: decryption failed")
)

const (
	saltSize   = 16
	headerSize = saltSize + 4 + 1
	tagSize    = 16
)

// Decrypt opens an aes128gcm-encoded push message addressed to the holder of
// priv and auth. The message header must carry the sender's public key as key id.
func Decrypt(body []byte, priv *ecdh.PrivateKey, auth []byte) ([]byte, error) {
	if priv == nil || len(auth) == 0 {
		return nil, errors.New("webpush: missing subscription keys")
	}
	if len(body) < headerSize {
		return nil, ErrTruncated
	}
	salt := body[:saltSize]
	rs := binary.BigEndian.Uint32(body[saltSize : saltSize+4])
	idLen := int(body[saltSize+4])
	if rs <= tagSize+1 {
		return nil, ErrRecordSize
	}
	if len(body) < headerSize+idLen {
		return nil, ErrTruncated
	}
	senderPub, err := ParsePublicKey(body[headerSize : headerSize+idLen])
	if err != nil {
		return nil, fmt.Errorf("webpush: sender key: %w", err)
	}
	records := body[headerSize+idLen:]
	if len(records) == 0 {
		return nil, ErrTruncated
	}

	shared, err := priv.ECDH(senderPub)
	if err != nil {
		return nil, fmt.Errorf("webpush: ecdh: %w", err)
	}

	// RFC 8291 section 3.4: key_info = "WebPush: info" || 0x00 || ua_public || as_public
	keyInfo := make([]byte, 0, 14+2*PublicKeySize)
	keyInfo = append(keyInfo, "WebPush: info\x00"...)
	keyInfo = append(keyInfo, priv.PublicKey().Bytes()...)
	keyInfo = append(keyInfo, senderPub.Bytes()...)
	ikm, err := derive(shared, auth, keyInfo, 32)
	if err != nil {
		return nil, err
	}
	cek, err := derive(ikm, salt, []byte("Content-Encoding: aes128gcm\x00"), 16)
	if err != nil {
		return nil, err
	}
	baseNonce, err := derive(ikm, salt, []byte("Content-Encoding: nonce\x00"), 12)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	for seq := uint64(0); len(records) > 0; seq++ {
		n := min(int(rs), len(records))
		rec := records[:n]
		records = records[n:]
		last := len(records) == 0

		plain, err := gcm.Open(nil, recordNonce(baseNonce, seq), rec, nil)
		if err != nil {
			return nil, ErrDecryptFail
		}
		data, err := unpad(plain, last)
		if err != nil {
			return nil, err
		}
		out.Write(data)
	}
	return out.Bytes(), nil
}

func derive(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("webpush: hkdf: %w", err)
	}
	return out, nil
}

// recordNonce XORs the record sequence number into the low 48 bits of the base nonce.
func recordNonce(base []byte, seq uint64) []byte {
	nonce := bytes.Clone(base)
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	for i := 0; i < 6; i++ {
		nonce[len(nonce)-6+i] ^= s[2+i]
	}
	return nonce
}

// unpad strips trailing zero padding and the delimiter: 0x02 ends the last
// record, 0x01 any other.
func unpad(plain []byte, last bool) ([]byte, error) {
	i := len(plain) - 1
	for i >= 0 && plain[i] == 0 {
		i--
	}
	if i < 0 {
		return nil, ErrPadding
	}
	want := byte(0x01)
	if last {
		want = 0x02
	}
	if plain[i] != want {
		return nil, ErrPadding
	}
	return plain[:i], nil
}
