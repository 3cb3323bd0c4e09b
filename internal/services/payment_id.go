package services

import (
	"crypto/rand"
	"math/big"
	mrand "math/rand/v2"
	"strings"
	"time"
)

const (
	base36Alphabet  = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	paymentIDSuffix = 8
)

// PaymentIDGenerator builds traceable payment identifiers of the form
// PAY-<yyMMddHHmmss>-<user>-<plan>-<random>. The random suffix makes two calls with
// identical inputs differ, so an id is never usable as an idempotency key.
type PaymentIDGenerator struct{}

func NewPaymentIDGenerator() *PaymentIDGenerator {
	return &PaymentIDGenerator{}
}

func (g *PaymentIDGenerator) Generate(userID, planID string, ts time.Time) string {
	var b strings.Builder
	b.Grow(3 + 1 + 12 + 1 + 6 + 1 + 4 + 1 + paymentIDSuffix)

	b.WriteString("PAY-")
	b.WriteString(ts.UTC().Format("060102150405"))
	b.WriteByte('-')
	b.WriteString(fragment(userID, 6))
	b.WriteByte('-')
	b.WriteString(fragment(planID, 4))
	b.WriteByte('-')
	b.WriteString(randomBase36(paymentIDSuffix))
	return b.String()
}

// fragment keeps the first n alphanumerics of s, upper-cased and padded with X.
func fragment(s string, n int) string {
	out := make([]byte, 0, n)
	for i := 0; i < len(s) && len(out) < n; i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'A' && c <= 'Z':
			out = append(out, c)
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		}
	}
	for len(out) < n {
		out = append(out, 'X')
	}
	return string(out)
}

func randomBase36(n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(base36Alphabet)))
	for i := range out {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto source unavailable; generation must not fail
			out[i] = base36Alphabet[mrand.IntN(len(base36Alphabet))]
			continue
		}
		out[i] = base36Alphabet[v.Int64()]
	}
	return string(out)
}
