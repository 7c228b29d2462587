package discovery

import (
    "context"
    "testing"

    "github.com/google/go-cmp/cmp"
)

func TestSplitCSV(t *testing.T) {
    cases := []struct {
        in   string
        want []string
    }{
        {"", nil},
        {"  ", nil},
        {"a:1", []string{"a:1"}},
        {" b:2 , a:1 ", []string{"b:2", "a:1"}},
        {",,a:1, ,b:2,", []string{"a:1", "b:2"}},
    }
    for _, c := range cases {
        if d := cmp.Diff(c.want, SplitCSV(c.in)); d != "" {
            t.Fatalf("SplitCSV(%q) mismatch (-want +got):\n%s", c.in, d)
        }
    }
}

func TestNormalize(t *testing.T) {
    got := Normalize([]string{"c:3", " a:1", "c:3", "", "b:2 "})
    if d := cmp.Diff([]string{"a:1", "b:2", "c:3"}, got); d != "" {
        t.Fatalf("mismatch (-want +got):\n%s", d)
    }
    if Normalize([]string{" ", ""}) != nil { t.Fatalf("expected nil for blank input") }
}

func TestFunc(t *testing.T) {
    d := Func(func(context.Context) ([]string, error) { return []string{"x:1"}, nil })
    got, err := d.Seeds(context.Background())
    if err != nil || len(got) != 1 { t.Fatalf("Func: %v %v", got, err) }
}
