// Package lifecycle implements the time-to-live grammar used by
// spec.lifecycle.timeToLive and the derivation of absolute expiration times.
package lifecycle

import (
	"fmt"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

var unitSeconds = map[byte]int64{
	's': 1,
	'm': 60,
	'h': 3600,
	'd': 86400,
}

// ParseTTL parses a duration of the form (<integer><unit>)+ where unit is
// one of d, h, m, s. Repeated units are summed. Floats, signs, whitespace
// and bare integers are rejected.
func ParseTTL(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	var total int64
	i := 0
	for i < len(s) {
		start := i
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if i == start {
			return 0, fmt.Errorf("invalid duration %q: expected digit at position %d", s, i)
		}
		if i == len(s) {
			return 0, fmt.Errorf("invalid duration %q: missing unit", s)
		}
		secs, ok := unitSeconds[s[i]]
		if !ok {
			return 0, fmt.Errorf("invalid duration %q: unknown unit %q", s, string(s[i]))
		}
		var value int64
		for _, c := range s[start:i] {
			value = value*10 + int64(c-'0')
			if value > 1<<40 {
				return 0, fmt.Errorf("invalid duration %q: value out of range", s)
			}
		}
		total += value * secs
		i++
	}
	return time.Duration(total) * time.Second, nil
}

// ExpirationFromTTL computes the absolute expiration instant for an object
// created at creation with the given timeToLive string.
func ExpirationFromTTL(creation metav1.Time, ttl string) (metav1.Time, error) {
	d, err := ParseTTL(ttl)
	if err != nil {
		return metav1.Time{}, err
	}
	return metav1.NewTime(creation.Add(d)), nil
}
