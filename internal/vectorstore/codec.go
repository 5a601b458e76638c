package vectorstore

import (
	"encoding/binary"
	"math"
	"sort"
	"strings"
)

// EncodeVector serializes a float32 vector to the little-endian blob
// RediSearch expects for FLOAT32 vector fields.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector reverses EncodeVector.
func DecodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// tag values need escaping for RediSearch query syntax.
var tagEscaper = strings.NewReplacer(
	",", "\\,", ".", "\\.", "<", "\\<", ">", "\\>", "{", "\\{", "}", "\\}",
	"[", "\\[", "]", "\\]", "\"", "\\\"", "'", "\\'", ":", "\\:", ";", "\\;",
	"!", "\\!", "@", "\\@", "#", "\\#", "$", "\\$", "%", "\\%", "^", "\\^",
	"&", "\\&", "*", "\\*", "(", "\\(", ")", "\\)", "-", "\\-", "+", "\\+",
	"=", "\\=", "~", "\\~", " ", "\\ ", "|", "\\|", "/", "\\/",
)

// buildKNNQuery renders a dialect-2 KNN query with an optional conjunction
// of tag equality filters, e.g.
//
//	(@workflow_name:{Default} @ticker:{AAPL})=>[KNN 5 @embedding $vec AS vector_distance]
func buildKNNQuery(vectorField string, k int, filter map[string]string) string {
	pre := "*"
	if len(filter) > 0 {
		keys := make([]string, 0, len(filter))
		for f := range filter {
			keys = append(keys, f)
		}
		sort.Strings(keys)
		clauses := make([]string, 0, len(keys))
		for _, f := range keys {
			clauses = append(clauses, "@"+f+":{"+tagEscaper.Replace(filter[f])+"}")
		}
		pre = "(" + strings.Join(clauses, " ") + ")"
	}
	var b strings.Builder
	b.WriteString(pre)
	b.WriteString("=>[KNN ")
	b.WriteString(itoa(k))
	b.WriteString(" @")
	b.WriteString(vectorField)
	b.WriteString(" $vec AS ")
	b.WriteString(distanceField)
	b.WriteString("]")
	return b.String()
}

func itoa(n int) string {
	if n <= 0 {
		return "1"
	}
	var digits [20]byte
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[i:])
}
