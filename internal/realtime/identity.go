package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

const (
	DefaultClientIDMin int64 = 1000
	DefaultClientIDMax int64 = 999999
)

var (
	ErrEmptyClientID      = errors.New("client id is empty")
	ErrIdentityExhausted  = errors.New("no free numeric client id left in range")
	ErrInvalidClientRange = errors.New("invalid numeric client id range")
)

// ClientID is an identifier supplied by a client at connect time. It keeps
// the form it arrived in: a positive integer or an opaque string token.
type ClientID struct {
	raw     string
	numeric int64
}

// ParseClientID classifies raw as numeric when it is a positive integer and as
// a string token otherwise.
func ParseClientID(raw string) (ClientID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ClientID{}, ErrEmptyClientID
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
		return ClientID{raw: raw, numeric: n}, nil
	}
	return ClientID{raw: raw}, nil
}

// IsNumeric reports whether the id was supplied in integer form.
func (id ClientID) IsNumeric() bool { return id.numeric > 0 }

// Numeric returns the integer form when the id was supplied as one.
func (id ClientID) Numeric() (int64, bool) { return id.numeric, id.numeric > 0 }

func (id ClientID) String() string {
	if id.IsNumeric() {
		return strconv.FormatInt(id.numeric, 10)
	}
	return id.raw
}

// MarshalJSON keeps the original form: a JSON number for integer ids and a
// JSON string for tokens.
func (id ClientID) MarshalJSON() ([]byte, error) {
	if id.IsNumeric() {
		return json.Marshal(id.numeric)
	}
	return json.Marshal(id.raw)
}

func (id *ClientID) UnmarshalJSON(data []byte) error {
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}
	parsed, err := ParseClientID(raw)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// IdentityResolver turns client-supplied ids into unique numeric ids. It is
// not safe for concurrent use; the Hub calls it under its lock.
type IdentityResolver struct {
	min, max int64
	rng      *rand.Rand
}

func NewIdentityResolver(min, max int64, rng *rand.Rand) (*IdentityResolver, error) {
	if min <= 0 || max < min {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidClientRange, min, max)
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &IdentityResolver{min: min, max: max, rng: rng}, nil
}

// Resolve returns the numeric id for id. Integer ids map to themselves; the
// caller rejects them if already taken. String ids get a random alias drawn
// from the configured range that inUse reports as free.
func (r *IdentityResolver) Resolve(id ClientID, inUse func(int64) bool, used int) (int64, error) {
	if n, ok := id.Numeric(); ok {
		return n, nil
	}
	size := r.max - r.min + 1
	if int64(used) >= size {
		return 0, ErrIdentityExhausted
	}
	// Random probing first, then a linear scan so a nearly full range still
	// terminates.
	for range 64 {
		candidate := r.min + r.rng.Int64N(size)
		if !inUse(candidate) {
			return candidate, nil
		}
	}
	start := r.rng.Int64N(size)
	for i := int64(0); i < size; i++ {
		candidate := r.min + (start+i)%size
		if !inUse(candidate) {
			return candidate, nil
		}
	}
	return 0, ErrIdentityExhausted
}
