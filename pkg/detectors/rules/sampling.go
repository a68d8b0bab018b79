package rules

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type limitKind int

const (
	limitAll limitKind = iota
	limitSqrt
	limitLog2
	limitCount
	limitShare
)

// FeatureLimit sets how many of a tree's features are drawn as split
// candidates at each node. The zero value considers every feature.
type FeatureLimit struct {
	kind  limitKind
	count int
	share float64
}

// AllFeatures considers every feature at each split.
func AllFeatures() FeatureLimit { return FeatureLimit{kind: limitAll} }

// SqrtFeatures considers floor(sqrt(F)) features at each split.
func SqrtFeatures() FeatureLimit { return FeatureLimit{kind: limitSqrt} }

// Log2Features considers floor(log2(F)) features at each split.
func Log2Features() FeatureLimit { return FeatureLimit{kind: limitLog2} }

// FeatureCount considers n features at each split, or all when fewer exist.
func FeatureCount(n int) FeatureLimit { return FeatureLimit{kind: limitCount, count: n} }

// FeatureShare considers floor(f*F) features at each split, f in (0, 1].
func FeatureShare(f float64) FeatureLimit { return FeatureLimit{kind: limitShare, share: f} }

// ParseFeatureLimit reads "all", "auto" or "sqrt", "log2", an integer count
// or a fraction containing a decimal point.
func ParseFeatureLimit(s string) (FeatureLimit, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "all", "none":
		return AllFeatures(), nil
	case "auto", "sqrt":
		return SqrtFeatures(), nil
	case "log2":
		return Log2Features(), nil
	}

	var l FeatureLimit
	if strings.ContainsAny(s, ".eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return FeatureLimit{}, fmt.Errorf("%w: max features %q", ErrInvalidConfiguration, s)
		}
		l = FeatureShare(f)
	} else {
		n, err := strconv.Atoi(s)
		if err != nil {
			return FeatureLimit{}, fmt.Errorf("%w: max features %q", ErrInvalidConfiguration, s)
		}
		l = FeatureCount(n)
	}
	if err := l.validate(); err != nil {
		return FeatureLimit{}, err
	}
	return l, nil
}

func (l FeatureLimit) String() string {
	switch l.kind {
	case limitSqrt:
		return "sqrt"
	case limitLog2:
		return "log2"
	case limitCount:
		return strconv.Itoa(l.count)
	case limitShare:
		return strconv.FormatFloat(l.share, 'f', -1, 64)
	default:
		return "all"
	}
}

func (l FeatureLimit) validate() error {
	switch l.kind {
	case limitCount:
		if l.count < 1 {
			return fmt.Errorf("%w: max features count must be >= 1, got %d", ErrInvalidConfiguration, l.count)
		}
	case limitShare:
		if !(l.share > 0 && l.share <= 1) {
			return fmt.Errorf("%w: max features fraction must be in (0, 1], got %v", ErrInvalidConfiguration, l.share)
		}
	}
	return nil
}

// resolve returns the number of candidates out of n features, in [1, n].
func (l FeatureLimit) resolve(n int) int {
	k := n
	switch l.kind {
	case limitSqrt:
		k = int(math.Sqrt(float64(n)))
	case limitLog2:
		if n > 0 {
			k = int(math.Log2(float64(n)))
		}
	case limitCount:
		k = l.count
	case limitShare:
		k = int(l.share * float64(n))
	}
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	return k
}
