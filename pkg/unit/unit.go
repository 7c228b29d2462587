// Package unit is the demo domain served by registryctl: named units (rooms,
// robots, sensors) placed in a location hierarchy, each with a unique frame
// id derived from its label.
package unit

import (
    "context"
    "fmt"
    "log"
    "time"

    "github.com/amirimatin/go-registry/pkg/codec"
    "github.com/amirimatin/go-registry/pkg/consistency"
    "github.com/amirimatin/go-registry/pkg/entry"
    "github.com/amirimatin/go-registry/pkg/errs"
    "github.com/amirimatin/go-registry/pkg/registry"
)

// Config is one registered unit. LocationID names the unit it is placed in.
type Config struct {
    ID         string            `json:"id,omitempty"`
    Label      string            `json:"label"`
    LocationID string            `json:"locationId,omitempty"`
    FrameID    string            `json:"frameId,omitempty"`
    Meta       map[string]string `json:"meta,omitempty"`
}

// Accessor reads and sets Config ids.
type Accessor struct{}

func (Accessor) ID(c Config) (string, bool)         { return c.ID, c.ID != "" }
func (Accessor) WithID(c Config, id string) Config { c.ID = id; return c }

// Clone copies c including its Meta map.
func Clone(c Config) Config {
    if c.Meta != nil {
        m := make(map[string]string, len(c.Meta))
        for k, v := range c.Meta { m[k] = v }
        c.Meta = m
    }
    return c
}

// LocationExists fails every unit whose location is not registered, including
// a unit placed in itself.
type LocationExists struct{}

func (LocationExists) Name() string { return "location-exists" }
func (LocationExists) Reset()       {}

func (h LocationExists) ProcessEntry(_ context.Context, id string, e *entry.Entry[Config], entries consistency.View[Config], _ consistency.Registry) error {
    loc := e.Payload().LocationID
    if loc == "" { return nil }
    if loc == id {
        return consistency.CouldNotPerform(h.Name(), id, fmt.Errorf("unit is its own location: %w", errs.ErrVerificationFailed))
    }
    if !entries.Contains(loc) {
        return consistency.CouldNotPerform(h.Name(), id, fmt.Errorf("location %q: %w", loc, errs.ErrNotAvailable))
    }
    return nil
}

// FrameIDs derives frame ids from labels, prefixing the location's frame id
// on collisions.
func FrameIDs() *consistency.FrameIDHandler[Config] {
    return &consistency.FrameIDHandler[Config]{
        Label:       func(c Config) string { return c.Label },
        FrameID:     func(c Config) string { return c.FrameID },
        WithFrameID: func(c Config, f string) Config { c.FrameID = f; return c },
        ParentFrameID: func(_ context.Context, c Config, entries consistency.View[Config]) (string, error) {
            if c.LocationID == "" { return "", nil }
            loc, err := entries.Get(c.LocationID)
            if err != nil { return "", err }
            return loc.Payload().FrameID, nil
        },
    }
}

// Handlers is the unit consistency pipeline in order.
func Handlers() []consistency.Handler[Config] {
    return []consistency.Handler[Config]{LocationExists{}, FrameIDs()}
}

// Codec is the file and wire codec for units.
func Codec() codec.Codec[Config] { return codec.JSON[Config]{} }

// Options returns registry options for a unit registry stored in dir.
func Options(name, dir string, logger *log.Logger) registry.Options[Config] {
    return registry.Options[Config]{
        Name:        name,
        Dir:         dir,
        Codec:       Codec(),
        Accessor:    Accessor{},
        Clone:       Clone,
        Handlers:    Handlers(),
        LockTimeout: 10 * time.Second,
        Logger:      logger,
    }
}
