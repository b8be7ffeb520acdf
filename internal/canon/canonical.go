package canon

import (
	"bytes"
	"encoding/json"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// labelKey is the root-level routing label excluded from canonical content.
const labelKey = "tag"

// maxDecimalExponent bounds the exponent expanded through exact decimal
// rendering. Larger magnitudes fall through to float formatting.
const maxDecimalExponent = 400

// Canonical serializes v in canonical form: compact, object keys sorted by
// byte order, root-level "tag" removed, and numbers normalized.
func Canonical(v Value) []byte {
	var buf bytes.Buffer
	if v.Kind == KindObject {
		writeObject(&buf, v.Members, true)
		return buf.Bytes()
	}
	writeValue(&buf, v)
	return buf.Bytes()
}

func writeValue(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindObject:
		writeObject(buf, v.Members, false)
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.Items {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeValue(buf, item)
		}
		buf.WriteByte(']')
	case KindString:
		writeString(buf, v.Text)
	case KindNumber:
		buf.WriteString(NormalizeNumber(v.Text))
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.Bool))
	default:
		buf.WriteString("null")
	}
}

func writeObject(buf *bytes.Buffer, members []Member, root bool) {
	sorted := make([]Member, 0, len(members))
	for _, m := range members {
		if root && m.Key == labelKey {
			continue
		}
		sorted = append(sorted, m)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	buf.WriteByte('{')
	for i, m := range sorted {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, m.Key)
		buf.WriteByte(':')
		writeValue(buf, m.Value)
	}
	buf.WriteByte('}')
}

func writeString(buf *bytes.Buffer, s string) {
	var scratch bytes.Buffer
	enc := json.NewEncoder(&scratch)
	enc.SetEscapeHTML(false)
	// Encoding a string cannot fail.
	_ = enc.Encode(s)
	buf.Write(bytes.TrimSuffix(scratch.Bytes(), []byte{'\n'}))
}

// NormalizeNumber renders a JSON number literal in its most exact form:
// integer literals as exact integers, other finite decimals as exact
// decimals with at least one fractional digit, then shortest float64
// formatting, and finally the literal itself.
func NormalizeNumber(literal string) string {
	if isIntegerLiteral(literal) {
		var i big.Int
		if _, ok := i.SetString(literal, 10); ok {
			return i.String()
		}
	}
	if exponentMagnitude(literal) <= maxDecimalExponent {
		var r big.Rat
		if _, ok := r.SetString(literal); ok {
			if s, ok := exactDecimal(&r); ok {
				return s
			}
		}
	}
	if f, err := strconv.ParseFloat(literal, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		// Underflow parses as zero; keep the literal for non-zero mantissas.
		if f != 0 || !hasNonZeroDigit(literal) {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
	}
	return literal
}

func isIntegerLiteral(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".eE")
}

func hasNonZeroDigit(s string) bool {
	if idx := strings.IndexAny(s, "eE"); idx >= 0 {
		s = s[:idx]
	}
	return strings.ContainsAny(s, "123456789")
}

func exponentMagnitude(s string) int {
	idx := strings.IndexAny(s, "eE")
	if idx < 0 {
		return 0
	}
	exp, err := strconv.Atoi(strings.TrimPrefix(s[idx+1:], "+"))
	if err != nil {
		return math.MaxInt
	}
	if exp < 0 {
		exp = -exp
	}
	return exp
}

// exactDecimal renders r with the fewest fractional digits that represent it
// exactly. It reports false when r has no finite decimal expansion.
func exactDecimal(r *big.Rat) (string, bool) {
	den := new(big.Int).Set(r.Denom())
	twos := int(den.TrailingZeroBits())
	den.Rsh(den, uint(twos))

	five := big.NewInt(5)
	fives := 0
	var q, m big.Int
	for {
		q.QuoRem(den, five, &m)
		if m.Sign() != 0 {
			break
		}
		den.Set(&q)
		fives++
	}
	if den.Cmp(big.NewInt(1)) != 0 {
		return "", false
	}
	scale := max(twos, fives, 1)
	return r.FloatString(scale), true
}
