package coding

// Splitter returns the number of bits a rune takes on the air interface.
type Splitter func(rune) int

var (
	gsm7Splitter Splitter = func(r rune) int { return 7 * septets(r) }
	ucs2Splitter Splitter = func(r rune) int {
		if (r <= 0xD7FF) || ((r >= 0xE000) && (r <= 0xFFFF)) {
			return 16
		}
		return 32
	}
)

const (
	singleLimitBits = 140 * 8
	// 6 byte concatenation UDH leaves 1072 bits per part: 153 septets or
	// 67 UCS2 characters.
	gsm7MultipartLimitBits = 153 * 7
	ucs2MultipartLimitBits = 67 * 16
)

// Bits returns the encoded size of input in bits.
func (fn Splitter) Bits(input string) (n int) {
	for _, point := range input {
		n += fn(point)
	}
	return n
}

// Split cuts input into segments of at most limit bits without breaking a
// character, so an escaped GSM7 pair or a surrogate pair stays whole.
func (fn Splitter) Split(input string, limit int) (segments []string) {
	points := []rune(input)
	var start, length int
	for i := 0; i < len(points); i++ {
		size := fn(points[i])
		if length+size > limit && i > start {
			segments = append(segments, string(points[start:i]))
			start, length = i, 0
		}
		length += size
	}
	if start < len(points) {
		segments = append(segments, string(points[start:]))
	}
	return
}

func splitterFor(c DataCoding) (Splitter, int) {
	if c == UCS2 {
		return ucs2Splitter, ucs2MultipartLimitBits
	}
	return gsm7Splitter, gsm7MultipartLimitBits
}

// SplitWith splits text into the segments needed to send it with coding c.
// A text that fits one message is returned as is, an empty text is one empty
// segment.
func SplitWith(text string, c DataCoding) []string {
	sp, multipart := splitterFor(c)
	if sp.Bits(text) <= singleLimitBits {
		return []string{text}
	}
	return sp.Split(text, multipart)
}

// Split splits text using its best coding.
func Split(text string) []string {
	return SplitWith(text, BestCoding(text))
}

// CountParts returns how many messages text is sent as.
func CountParts(text string) int {
	return len(Split(text))
}
