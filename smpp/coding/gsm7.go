package coding

import (
	"fmt"
)

const escape = 0x1B

// GSM 03.38 default alphabet, indexed by septet value. 0x1B is the escape
// to the extension table.
const gsm7Alphabet = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞ\x1bÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?" +
	"¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà"

// gsm7ExtReverseMap maps extension codes (following 0x1B) to runes.
var gsm7ExtReverseMap = map[byte]rune{
	0x0A: '\f',
	0x14: '^',
	0x28: '{',
	0x29: '}',
	0x2F: '\\',
	0x3C: '[',
	0x3D: '~',
	0x3E: ']',
	0x40: '|',
	0x65: '€',
}

var (
	gsm7ReverseMap = make(map[byte]rune, 128)
	gsm7Basic      = make(map[rune]byte, 128)
	gsm7Extended   = make(map[rune]byte, len(gsm7ExtReverseMap))
)

func init() {
	var i byte
	for _, r := range gsm7Alphabet {
		if i != escape {
			gsm7ReverseMap[i] = r
			gsm7Basic[r] = i
		}
		i++
	}
	for code, r := range gsm7ExtReverseMap {
		gsm7Extended[r] = code
	}
}

// septets returns how many septets r takes in GSM7, 0 when it cannot be
// represented.
func septets(r rune) int {
	if _, ok := gsm7Basic[r]; ok {
		return 1
	}
	if _, ok := gsm7Extended[r]; ok {
		return 2
	}
	return 0
}

// IsGSM7 reports whether every rune of text is in the GSM 03.38 default or
// extension table.
func IsGSM7(text string) bool {
	for _, r := range text {
		if septets(r) == 0 {
			return false
		}
	}
	return true
}

// encodeUnpackedGSM7 writes one septet per byte, extension characters are
// prefixed with the escape septet.
func encodeUnpackedGSM7(text string) ([]byte, error) {
	out := make([]byte, 0, len(text))
	for i, r := range text {
		if b, ok := gsm7Basic[r]; ok {
			out = append(out, b)
			continue
		}
		if b, ok := gsm7Extended[r]; ok {
			out = append(out, escape, b)
			continue
		}
		return nil, fmt.Errorf("%w: %q at offset %d", ErrNotRepresentable, r, i)
	}
	return out, nil
}

func decodeUnpackedGSM7(input []byte) (string, error) {
	result := make([]rune, 0, len(input))
	for i := 0; i < len(input); i++ {
		b := input[i]
		if b == escape {
			if i+1 >= len(input) {
				return "", fmt.Errorf("%w: escape at end of input", ErrInvalidEncoding)
			}
			i++
			r, ok := gsm7ExtReverseMap[input[i]]
			if !ok {
				return "", fmt.Errorf("%w: extension code 0x%X", ErrInvalidEncoding, input[i])
			}
			result = append(result, r)
			continue
		}
		r, ok := gsm7ReverseMap[b]
		if !ok {
			return "", fmt.Errorf("%w: byte 0x%X", ErrInvalidEncoding, b)
		}
		result = append(result, r)
	}
	return string(result), nil
}
