// Package coding picks the SMS data coding of a text, splits it into parts
// and encodes it for the wire.
package coding

import (
	"errors"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

type DataCoding byte

const (
	GSM7 DataCoding = 0x00
	UCS2 DataCoding = 0x08
)

//goland:noinspection ALL
var (
	ErrNotRepresentable = errors.New("coding: character not representable")
	ErrInvalidEncoding  = errors.New("coding: invalid encoded input")
	ErrUnknownCoding    = errors.New("coding: unknown data coding")
)

var ucs2 = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

func (c DataCoding) String() string {
	switch c {
	case GSM7:
		return "gsm7"
	case UCS2:
		return "ucs2"
	}
	return fmt.Sprintf("0x%02X", byte(c))
}

// BestCoding returns GSM7 when every character fits the GSM 03.38 tables and
// UCS2 otherwise.
func BestCoding(text string) DataCoding {
	if IsGSM7(text) {
		return GSM7
	}
	return UCS2
}

// Encode returns text as unpacked GSM7 septets or big endian UTF-16.
func Encode(text string, c DataCoding) ([]byte, error) {
	switch c {
	case GSM7:
		return encodeUnpackedGSM7(text)
	case UCS2:
		b, err := ucs2.NewEncoder().Bytes([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotRepresentable, err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCoding, c)
}

func Decode(b []byte, c DataCoding) (string, error) {
	switch c {
	case GSM7:
		return decodeUnpackedGSM7(b)
	case UCS2:
		if len(b)%2 != 0 {
			return "", fmt.Errorf("%w: odd ucs2 length %d", ErrInvalidEncoding, len(b))
		}
		out, err := ucs2.NewDecoder().Bytes(b)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
		}
		return string(out), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownCoding, c)
}
