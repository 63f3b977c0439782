package packet

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// DomainPacket separates packet digests from any other SHA-256 use.
// The version suffix leaves room for changing the rendering later.
const DomainPacket = "gridrepl/packet/v1"

// Canonical renders p as canonical JSON: keys ordered by UTF-16 code units,
// strings NFC-normalised and not HTML-escaped, integers only, payload as
// standard base64. Two packets with the same content always render to the
// same bytes, regardless of which node produced them.
func (p Packet) Canonical() ([]byte, error) {
	fields := map[string]any{
		"entry":            p.Entry,
		"expected_version": p.ExpectedVersion,
		"key":              uint64(p.Key),
		"kind":             p.Kind.String(),
		"payload":          base64.StdEncoding.EncodeToString(p.Payload),
		"source":           string(p.Source),
		"ts":               p.Timestamp,
		"txn":              string(p.Txn),
	}
	return marshalCanonicalObject(fields)
}

// Digest returns the hex SHA-256 of the canonical rendering.
func (p Packet) Digest() (string, error) {
	canonical, err := p.Canonical()
	if err != nil {
		return "", fmt.Errorf("packet digest: %w", err)
	}
	return hashWithDomain(DomainPacket, canonical), nil
}

// MustDigest is like Digest but panics on error.
// Use only in tests or when the packet is known to be valid.
func MustDigest(p Packet) string {
	d, err := p.Digest()
	if err != nil {
		panic(err)
	}
	return d
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func marshalCanonicalObject(obj map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := marshalCanonicalString(k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')

		vb, err := marshalCanonicalValue(obj[k])
		if err != nil {
			return nil, fmt.Errorf("value for key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalCanonicalValue(v any) ([]byte, error) {
	switch val := v.(type) {
	case string:
		return marshalCanonicalString(val)
	case int64:
		return []byte(strconv.FormatInt(val, 10)), nil
	case uint64:
		return []byte(strconv.FormatUint(val, 10)), nil
	case bool:
		return []byte(strconv.FormatBool(val)), nil
	case nil:
		return nil, fmt.Errorf("null is forbidden in canonical JSON")
	default:
		return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

// marshalCanonicalString writes s NFC-normalised. Only the quote, the
// backslash and control characters are escaped; HTML characters and
// U+2028/U+2029 stay literal, as RFC 8785 requires.
func marshalCanonicalString(s string) ([]byte, error) {
	const hexDigits = "0123456789abcdef"

	if !utf8.ValidString(s) {
		return nil, fmt.Errorf("invalid UTF-8 in string %q", s)
	}

	var buf bytes.Buffer
	buf.WriteByte('"')
	for _, r := range norm.NFC.String(s) {
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r < 0x20:
			buf.WriteString(`\u00`)
			buf.WriteByte(hexDigits[r>>4])
			buf.WriteByte(hexDigits[r&0xF])
		default:
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
	return buf.Bytes(), nil
}

// compareUTF16 orders strings by UTF-16 code units instead of UTF-8 bytes.
func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}
