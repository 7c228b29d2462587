package static

import (
    "context"

    "github.com/amirimatin/go-registry/pkg/discovery"
)

type seeds []string

func (s seeds) Seeds(context.Context) ([]string, error) { return append([]string(nil), s...), nil }

// New returns a Discovery that always yields the given seeds, normalized.
func New(list ...string) discovery.Discovery { return seeds(discovery.Normalize(list)) }

// Parse is New over a comma separated list.
func Parse(csv string) discovery.Discovery { return New(discovery.SplitCSV(csv)...) }
