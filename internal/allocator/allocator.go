package allocator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pitabwire/onboarding/model"
)

// CodeIndex exposes the record sets that hold supplier codes: application
// supplier codes, supplier company ids, and supplier codes. Implementations
// must read through the caller's transaction.
type CodeIndex interface {
	// MaxCode returns the lexicographically greatest code of exactly length
	// characters that starts with prefix and has a numeric suffix, across
	// all three record sets. It returns "" when none exists.
	MaxCode(ctx context.Context, prefix string, length int) (string, error)

	// CodeExists reports whether code is already used by any supplier or
	// application.
	CodeExists(ctx context.Context, code string) (bool, error)
}

// Allocation is the code chosen for a binding.
type Allocation struct {
	Code          string
	Prefix        string
	AutoGenerated bool
}

// Allocate returns requested when it is valid for prefixes, otherwise the
// next free code under the first prefix. An invalid requested code fails
// before anything is written.
func Allocate(ctx context.Context, idx CodeIndex, prefixes []string, requested string) (Allocation, error) {
	if len(prefixes) == 0 {
		return Allocation{}, model.NewIllegalStateError("no supplier code prefixes to allocate from")
	}

	if strings.TrimSpace(requested) != "" {
		code, prefix, err := ValidateRequested(ctx, idx, prefixes, requested)
		if err != nil {
			return Allocation{}, err
		}
		return Allocation{Code: code, Prefix: prefix}, nil
	}

	code, err := Next(ctx, idx, prefixes[0])
	if err != nil {
		return Allocation{}, err
	}
	return Allocation{Code: code, Prefix: prefixes[0], AutoGenerated: true}, nil
}

// Next mints the next unused code for prefix.
func Next(ctx context.Context, idx CodeIndex, prefix string) (string, error) {
	maxCode, err := idx.MaxCode(ctx, prefix, CodeLength)
	if err != nil {
		return "", fmt.Errorf("scan codes for prefix %s: %w", prefix, err)
	}
	return NextAfter(prefix, maxCode)
}

// NextAfter computes the code following maxCode under prefix. An empty
// maxCode starts the sequence at 1.
func NextAfter(prefix, maxCode string) (string, error) {
	width := CodeLength - len(prefix)
	if width <= 0 {
		return "", model.NewIllegalStateError(
			fmt.Sprintf("prefix %q leaves no room for a sequence number", prefix),
		)
	}

	next := int64(1)
	if maxCode != "" {
		if !strings.HasPrefix(maxCode, prefix) || len(maxCode) != CodeLength {
			return "", model.NewIllegalStateError(
				fmt.Sprintf("code %q does not belong to prefix %s", maxCode, prefix),
			)
		}
		n, err := strconv.ParseInt(maxCode[len(prefix):], 10, 64)
		if err != nil {
			return "", model.NewIllegalStateError(
				fmt.Sprintf("code %q has a non-numeric sequence", maxCode),
			)
		}
		next = n + 1
	}

	if next >= pow10(width) {
		return "", model.NewSequenceExhaustedError(prefix)
	}
	return fmt.Sprintf("%s%0*d", prefix, width, next), nil
}

// CheckFormat validates an operator-supplied code against the allowed
// prefixes and the fixed length. It returns the trimmed code and the prefix
// it matched.
func CheckFormat(prefixes []string, requested string) (string, string, error) {
	code := strings.TrimSpace(requested)
	matched := ""
	for _, p := range prefixes {
		if strings.HasPrefix(code, p) {
			matched = p
			break
		}
	}
	if matched == "" {
		return "", "", model.NewInvalidCodeError(
			fmt.Sprintf("Supplier code must start with one of: %s", strings.Join(prefixes, ", ")),
			prefixes,
		)
	}
	if len(code) != CodeLength {
		return "", "", model.NewInvalidCodeError(
			fmt.Sprintf("Supplier code must be exactly %d characters", CodeLength),
			prefixes,
		)
	}
	return code, matched, nil
}

// ValidateRequested runs CheckFormat and then rejects codes already in use.
func ValidateRequested(ctx context.Context, idx CodeIndex, prefixes []string, requested string) (string, string, error) {
	code, prefix, err := CheckFormat(prefixes, requested)
	if err != nil {
		return "", "", err
	}
	exists, err := idx.CodeExists(ctx, code)
	if err != nil {
		return "", "", fmt.Errorf("check supplier code %s: %w", code, err)
	}
	if exists {
		return "", "", model.NewConflictError(
			fmt.Sprintf("Supplier code %s already exists", code),
		).With("supplier_code", code)
	}
	return code, prefix, nil
}

func pow10(n int) int64 {
	v := int64(1)
	for range n {
		v *= 10
	}
	return v
}
