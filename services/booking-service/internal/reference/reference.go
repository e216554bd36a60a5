package reference

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const (
	fallbackPrefix = "APT"
	prefixLen      = 4
	suffixLen      = 6
)

var suffixEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Generator mints human-displayable appointment references of the form
// PREFIX-<base36 millis>-<random>, e.g. PASS-LRK3Z9QD-7GQ2MA.
type Generator struct {
	now     func() time.Time
	entropy io.Reader
}

func NewGenerator() *Generator {
	return &Generator{now: time.Now, entropy: rand.Reader}
}

// NewReference derives the prefix from serviceID. Uniqueness is enforced by
// storage; callers retry with a fresh value on collision.
func (g *Generator) NewReference(serviceID string) (string, error) {
	var buf [4]byte
	if _, err := io.ReadFull(g.entropy, buf[:]); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	suffix := suffixEncoding.EncodeToString(buf[:])[:suffixLen]
	stamp := strings.ToUpper(strconv.FormatInt(g.now().UnixMilli(), 36))
	return Prefix(serviceID) + "-" + stamp + "-" + suffix, nil
}

// Prefix is the first four letters or digits of serviceID, upper-cased.
func Prefix(serviceID string) string {
	var b strings.Builder
	for _, r := range serviceID {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
		if b.Len() == prefixLen {
			break
		}
	}
	if b.Len() == 0 {
		return fallbackPrefix
	}
	return b.String()
}
