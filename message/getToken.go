package message

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"hash/crc64"
)

type Token []byte

func (t Token) String() string {
	return base64.StdEncoding.EncodeToString(t)
}

// Hash returns the token as a value usable as a map key.
func (t Token) Hash() string {
	return string(t)
}

// GetToken generates a random token of MaxTokenSize bytes.
func GetToken() (Token, error) {
	b := make(Token, MaxTokenSize)
	_, err := rand.Read(b)
	// Note that err == nil only if we read len(b) bytes.
	if err != nil {
		return nil, err
	}
	return b, nil
}

var crc64Table = crc64.MakeTable(crc64.ISO)

// CalcETag calculates an ETag from payload via CRC64.
func CalcETag(payload []byte) []byte {
	if payload == nil {
		return nil
	}
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, crc64.Checksum(payload, crc64Table))
	return b
}
