package errs

import (
    "errors"
    "fmt"
    "testing"
)

func TestFromString_MapsWrappedSentinels(t *testing.T) {
    cases := []struct {
        in   error
        want error
    }{
        {fmt.Errorf("registry: get %q: %w", "a", ErrNotAvailable), ErrNotAvailable},
        {fmt.Errorf("%w: waiting for transaction 5", ErrTimeout), ErrTimeout},
        {fmt.Errorf("plugin acl: %w", ErrRejected), ErrRejected},
    }
    for _, c := range cases {
        got := FromString(c.in.Error())
        if !errors.Is(got, c.want) {
            t.Fatalf("FromString(%q) = %v, want wrap of %v", c.in.Error(), got, c.want)
        }
        if got.Error() != c.in.Error() {
            t.Fatalf("message changed: %q vs %q", got.Error(), c.in.Error())
        }
    }
}

func TestFromString_Unknown(t *testing.T) {
    if FromString("") != nil {
        t.Fatalf("empty message must map to nil")
    }
    err := FromString("disk on fire")
    for _, s := range all {
        if errors.Is(err, s) {
            t.Fatalf("unexpected match with %v", s)
        }
    }
}

func TestFromString_KeepsEveryKind(t *testing.T) {
    in := fmt.Errorf("consistency: location-exists on arm: %w: %w", ErrConsistency, fmt.Errorf("location %q: %w", "x", ErrNotAvailable))
    got := FromString(in.Error())
    if !errors.Is(got, ErrConsistency) || !errors.Is(got, ErrNotAvailable) {
        t.Fatalf("FromString(%q) lost a kind: %v", in.Error(), got)
    }
    if errors.Is(got, ErrTimeout) {
        t.Fatalf("unexpected timeout match")
    }
}
