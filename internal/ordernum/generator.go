package ordernum

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultPrefix is used when no prefix is configured.
const DefaultPrefix = "ORD"

const (
	maxAttempts = 5
	randomLen   = 8
	dateLayout  = "20060102"
	alphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var (
	// ErrInvalidFormat signals a string that is not a well formed order number.
	ErrInvalidFormat = errors.New("invalid order number format")
	// ErrInvalidPrefix signals a prefix outside [A-Z][A-Z0-9]{0,9}.
	ErrInvalidPrefix = errors.New("invalid order number prefix")

	prefixPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,9}$`)
	numberPattern = regexp.MustCompile(`^([A-Z][A-Z0-9]{0,9})-([0-9]{8})-([0-9a-f]{4})-([A-Z0-9]{8})(?:-([0-9A-Z]{1,16}))?$`)
)

// Checker reports whether a candidate number is already taken for a tenant.
type Checker interface {
	OrderNumberExists(ctx context.Context, tenantID, number string) (bool, error)
}

// Generator mints order numbers of the form PREFIX-YYYYMMDD-hhhh-XXXXXXXX.
type Generator struct {
	prefix  string
	checker Checker
	now     func() time.Time
	random  func(n int) (string, error)
	logf    func(format string, args ...any)
}

// NewGenerator constructs a Generator. An empty prefix selects DefaultPrefix.
// A nil checker skips the uniqueness check.
func NewGenerator(prefix string, checker Checker, logf func(format string, args ...any)) (*Generator, error) {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !prefixPattern.MatchString(prefix) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPrefix, prefix)
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Generator{
		prefix:  prefix,
		checker: checker,
		now:     time.Now,
		random:  randomAlnum,
		logf:    logf,
	}, nil
}

// Prefix returns the configured prefix.
func (g *Generator) Prefix() string {
	return g.prefix
}

// Generate returns a number not yet used by tenantID. After five colliding
// candidates it appends a base-36 timestamp to the last one.
func (g *Generator) Generate(ctx context.Context, tenantID string) (string, error) {
	if strings.TrimSpace(tenantID) == "" {
		return "", errors.New("tenant id is required")
	}
	now := g.now().UTC()
	base := g.prefix + "-" + now.Format(dateLayout) + "-" + TenantHash(tenantID) + "-"

	var candidate string
	for attempt := 0; attempt < maxAttempts; attempt++ {
		suffix, err := g.random(randomLen)
		if err != nil {
			return "", fmt.Errorf("random suffix: %w", err)
		}
		candidate = base + suffix
		if g.checker == nil {
			return candidate, nil
		}
		exists, err := g.checker.OrderNumberExists(ctx, tenantID, candidate)
		if err != nil {
			return "", fmt.Errorf("check order number: %w", err)
		}
		if !exists {
			return candidate, nil
		}
	}

	g.logf("order number: %d collisions for tenant %s, falling back to timestamp suffix", maxAttempts, tenantID)
	return candidate + "-" + strings.ToUpper(strconv.FormatInt(now.UnixNano(), 36)), nil
}

// TenantHash returns the 4-hex-digit tenant fingerprint embedded in numbers.
func TenantHash(tenantID string) string {
	return fmt.Sprintf("%04x", uint16(xxhash.Sum64String(tenantID)))
}

// IsValidFormat reports whether number is well formed and carries a real date.
func IsValidFormat(number string) bool {
	_, err := ExtractDate(number)
	return err == nil
}

// ExtractDate returns the UTC calendar date embedded in number.
func ExtractDate(number string) (time.Time, error) {
	m := numberPattern.FindStringSubmatch(strings.TrimSpace(number))
	if m == nil {
		return time.Time{}, ErrInvalidFormat
	}
	date, err := time.Parse(dateLayout, m[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return date, nil
}

func randomAlnum(n int) (string, error) {
	// 252 is the largest multiple of len(alphabet) below 256.
	const limit = 252
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
