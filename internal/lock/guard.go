package lock

import (
	"context"
	"fmt"
	"sort"
)

// Guard wraps fn so every call runs under the lock named by key(arg).
func Guard[A, R any](e *Executor, opts Options, key func(A) string, fn func(context.Context, A) (R, error)) func(context.Context, A) (R, error) {
	return func(ctx context.Context, arg A) (R, error) {
		k := key(arg)
		if k == "" {
			var zero R
			return zero, fmt.Errorf("%w: key resolved to empty string", ErrInvalidLockKey)
		}
		return Execute(ctx, e, k, opts, func(ctx context.Context) (R, error) {
			return fn(ctx, arg)
		})
	}
}

// GuardMulti wraps fn so every call runs under all locks named by keys(arg).
// Keys are deduplicated and sorted before acquisition; every caller thus
// acquires in the same global order and no circular wait can form.
func GuardMulti[A, R any](e *Executor, opts Options, keys func(A) []string, fn func(context.Context, A) (R, error)) func(context.Context, A) (R, error) {
	return func(ctx context.Context, arg A) (R, error) {
		var result R
		ordered, err := SortedKeys(keys(arg))
		if err != nil {
			return result, err
		}
		err = e.RunMulti(ctx, ordered, opts, func(ctx context.Context) error {
			var err error
			result, err = fn(ctx, arg)
			return err
		})
		return result, err
	}
}

// SortedKeys validates, deduplicates and sorts lock keys.
func SortedKeys(keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no keys resolved", ErrInvalidLockKey)
	}

	seen := make(map[string]struct{}, len(keys))
	ordered := make([]string, 0, len(keys))
	for i, k := range keys {
		if k == "" {
			return nil, fmt.Errorf("%w: key %d resolved to empty string", ErrInvalidLockKey, i)
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)
	return ordered, nil
}

// StaticKey returns a key function ignoring its argument.
func StaticKey[A any](key string) func(A) string {
	return func(A) string { return key }
}
