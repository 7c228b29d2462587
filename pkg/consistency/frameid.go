package consistency

import (
    "context"
    "errors"
    "strings"
    "sync"
    "unicode"

    "github.com/amirimatin/go-registry/pkg/entry"
)

// FrameIDHandler derives a unique frame id from each entry's label. The
// candidate is the normalized label; when another entry already claimed it in
// the current sweep, the parent's frame id is prepended.
type FrameIDHandler[M any] struct {
    Label       func(M) string
    FrameID     func(M) string
    WithFrameID func(M, string) M
    // ParentFrameID resolves the frame id of the entry's parent, e.g. its
    // location.
    ParentFrameID func(ctx context.Context, m M, entries View[M]) (string, error)

    mu      sync.Mutex
    claimed map[string]string
}

func (h *FrameIDHandler[M]) Name() string { return "frame-id" }

func (h *FrameIDHandler[M]) Reset() {
    h.mu.Lock()
    h.claimed = nil
    h.mu.Unlock()
}

func (h *FrameIDHandler[M]) ProcessEntry(ctx context.Context, id string, e *entry.Entry[M], entries View[M], _ Registry) error {
    p := e.Payload()
    cand := NormalizeFrameID(h.Label(p))
    if cand == "" {
        return nil
    }
    h.mu.Lock()
    if h.claimed == nil { h.claimed = map[string]string{} }
    owner, taken := h.claimed[cand]
    h.mu.Unlock()

    if taken && owner != id {
        if h.ParentFrameID == nil {
            return CouldNotPerform(h.Name(), id, errors.New("frame id "+cand+" taken and no parent lookup"))
        }
        parent, err := h.ParentFrameID(ctx, p, entries)
        if err != nil {
            return CouldNotPerform(h.Name(), id, err)
        }
        if parent == "" {
            return CouldNotPerform(h.Name(), id, errors.New("frame id "+cand+" taken and parent has no frame id"))
        }
        cand = parent + "_" + cand
        h.mu.Lock()
        owner, taken = h.claimed[cand]
        h.mu.Unlock()
        if taken && owner != id {
            return CouldNotPerform(h.Name(), id, errors.New("frame id "+cand+" taken by "+owner))
        }
    }
    h.mu.Lock()
    h.claimed[cand] = id
    h.mu.Unlock()

    if h.FrameID(p) == cand {
        return nil
    }
    if err := e.Replace(ctx, h.WithFrameID(p, cand)); err != nil {
        return CouldNotPerform(h.Name(), id, err)
    }
    return Modified(h.Name(), id, "frame id set to "+cand)
}

// NormalizeFrameID lowercases label and turns whitespace runs into '_'.
func NormalizeFrameID(label string) string {
    var b strings.Builder
    space := false
    for _, r := range strings.TrimSpace(label) {
        if unicode.IsSpace(r) {
            if !space { b.WriteByte('_') }
            space = true
            continue
        }
        space = false
        b.WriteRune(unicode.ToLower(r))
    }
    return b.String()
}
