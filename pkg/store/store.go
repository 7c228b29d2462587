// Package store persists registry payloads as one file per entry.
package store

import (
    "bytes"
    "errors"
    "fmt"
    "io/fs"
    "log"
    "os"
    "path/filepath"
    "sort"
    "strconv"
    "strings"

    "github.com/cespare/xxhash/v2"
    "github.com/natefinch/atomic"

    "github.com/amirimatin/go-registry/pkg/codec"
    "github.com/amirimatin/go-registry/pkg/entry"
    "github.com/amirimatin/go-registry/pkg/errs"
    "github.com/amirimatin/go-registry/pkg/internal/logutil"
)

// CorruptSuffix is appended to files set aside by a recovering load.
const CorruptSuffix = ".corrupt"

// TransactionFile holds the last committed transaction id. It has no codec
// extension so loads never mistake it for an entry.
const TransactionFile = "TRANSACTION"

type Options[M any] struct {
    Dir      string
    Codec    codec.Codec[M]
    Accessor entry.Accessor[M]
    Logger   *log.Logger
}

func (o Options[M]) Validate() error {
    if o.Dir == "" { return errors.New("store: Dir is required") }
    if o.Codec == nil { return errors.New("store: Codec is required") }
    if o.Accessor == nil { return errors.New("store: Accessor is required") }
    return nil
}

type FileStore[M any] struct {
    dir    string
    codec  codec.Codec[M]
    acc    entry.Accessor[M]
    logger *log.Logger
}

func New[M any](opts Options[M]) (*FileStore[M], error) {
    if err := opts.Validate(); err != nil { return nil, err }
    return &FileStore[M]{dir: filepath.Clean(opts.Dir), codec: opts.Codec, acc: opts.Accessor, logger: opts.Logger}, nil
}

func (s *FileStore[M]) Dir() string { return s.dir }

// Ensure checks the directory, creating it when create is set.
func (s *FileStore[M]) Ensure(create bool) error {
    fi, err := os.Stat(s.dir)
    switch {
    case err == nil && fi.IsDir():
        return nil
    case err == nil:
        return fmt.Errorf("store: %s is not a directory: %w", s.dir, errs.ErrInvalidState)
    case errors.Is(err, fs.ErrNotExist) && create:
        return os.MkdirAll(s.dir, 0o755)
    case errors.Is(err, fs.ErrNotExist):
        return fmt.Errorf("store: %s does not exist: %w", s.dir, errs.ErrNotAvailable)
    }
    return err
}

// FileName maps id to a file name. Characters outside [A-Za-z0-9._-] become
// '_' and, when anything was replaced, a hash of the raw id is appended so
// distinct ids never share a file.
func (s *FileStore[M]) FileName(id string) string {
    safe := sanitize(id)
    if safe != id {
        safe += "-" + strconv.FormatUint(xxhash.Sum64String(id), 16)
    }
    return safe + s.codec.Ext()
}

func (s *FileStore[M]) Path(id string) string { return filepath.Join(s.dir, s.FileName(id)) }

func (s *FileStore[M]) Exists(id string) bool {
    _, err := os.Stat(s.Path(id))
    return err == nil
}

// Write encodes m and atomically replaces the entry's file.
func (s *FileStore[M]) Write(id string, m M) error {
    b, err := s.codec.Marshal(m)
    if err != nil {
        return fmt.Errorf("store: encode %s: %w", id, err)
    }
    if err := atomic.WriteFile(s.Path(id), bytes.NewReader(b)); err != nil {
        return fmt.Errorf("store: write %s: %w", id, err)
    }
    return nil
}

// Delete removes the entry's file. A missing file is not an error.
func (s *FileStore[M]) Delete(id string) error {
    if err := os.Remove(s.Path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
        return fmt.Errorf("store: delete %s: %w", id, err)
    }
    return nil
}

// Load decodes every entry file in name order. Ids are taken from the
// payloads. Undecodable files, duplicates of an id and misnamed files whose
// proper name is already taken are bad: with recover set they are renamed
// with CorruptSuffix and skipped, otherwise the first one fails the load
// before anything on disk is touched. Of several files holding one id the
// one under the proper name wins. Surviving misnamed files are renamed to
// their proper name last, never onto an existing file.
func (s *FileStore[M]) Load(recover bool) ([]M, error) {
    names, err := s.files()
    if err != nil { return nil, err }

    var (
        kept []loaded[M]
        byID = map[string]int{}
        bad  []string
        why  = map[string]error{}
    )
    reject := func(name string, err error) {
        bad = append(bad, name)
        why[name] = err
    }
    for _, name := range names {
        m, id, err := s.read(filepath.Join(s.dir, name))
        if err != nil {
            reject(name, err)
            continue
        }
        i, dup := byID[id]
        if !dup {
            byID[id] = len(kept)
            kept = append(kept, loaded[M]{name: name, id: id, m: m})
            continue
        }
        if name == s.FileName(id) {
            reject(kept[i].name, fmt.Errorf("id %q is also stored in %s: %w", id, name, errs.ErrInvalidState))
            kept[i] = loaded[M]{name: name, id: id, m: m}
            continue
        }
        reject(name, fmt.Errorf("id %q already loaded from %s: %w", id, kept[i].name, errs.ErrInvalidState))
    }

    var moves []loaded[M]
    out := make([]M, 0, len(kept))
    for _, l := range kept {
        if want := s.FileName(l.id); want != l.name {
            if _, err := os.Lstat(filepath.Join(s.dir, want)); err == nil {
                reject(l.name, fmt.Errorf("id %q belongs in %s, which exists: %w", l.id, want, errs.ErrInvalidState))
                continue
            }
            moves = append(moves, l)
        }
        out = append(out, l.m)
    }

    if len(bad) > 0 && !recover {
        sort.Strings(bad)
        return nil, fmt.Errorf("store: load %s: %w", bad[0], why[bad[0]])
    }
    for _, name := range bad {
        logutil.Warnf(s.logger, "store: setting aside %s: %v", name, why[name])
        p := filepath.Join(s.dir, name)
        if err := os.Rename(p, p+CorruptSuffix); err != nil {
            return nil, fmt.Errorf("store: set aside %s: %w", name, err)
        }
    }
    for _, l := range moves {
        want := filepath.Join(s.dir, s.FileName(l.id))
        if _, err := os.Lstat(want); err == nil {
            return nil, fmt.Errorf("store: rename %s: %s appeared: %w", l.name, want, errs.ErrInvalidState)
        }
        logutil.Warnf(s.logger, "store: renaming %s to %s", l.name, filepath.Base(want))
        if err := os.Rename(filepath.Join(s.dir, l.name), want); err != nil {
            return nil, fmt.Errorf("store: rename %s: %w", l.name, err)
        }
    }
    return out, nil
}

type loaded[M any] struct {
    name, id string
    m        M
}

// SetAside renames the entry's file with CorruptSuffix so later loads skip it.
func (s *FileStore[M]) SetAside(id string) error {
    p := s.Path(id)
    if err := os.Rename(p, p+CorruptSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
        return fmt.Errorf("store: set aside %s: %w", id, err)
    }
    return nil
}

// Reset deletes every entry file.
func (s *FileStore[M]) Reset() error {
    names, err := s.files()
    if err != nil { return err }
    for _, name := range names {
        if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
            return fmt.Errorf("store: reset: %w", err)
        }
    }
    return nil
}

// LoadTransaction returns the stored transaction id, 0 when none was saved.
func (s *FileStore[M]) LoadTransaction() (uint64, error) {
    b, err := os.ReadFile(filepath.Join(s.dir, TransactionFile))
    if errors.Is(err, fs.ErrNotExist) { return 0, nil }
    if err != nil { return 0, fmt.Errorf("store: read transaction id: %w", err) }
    tx, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
    if err != nil { return 0, fmt.Errorf("store: transaction id %q: %w", b, errs.ErrVerificationFailed) }
    return tx, nil
}

// SaveTransaction atomically records tx.
func (s *FileStore[M]) SaveTransaction(tx uint64) error {
    b := strconv.AppendUint(nil, tx, 10)
    if err := atomic.WriteFile(filepath.Join(s.dir, TransactionFile), bytes.NewReader(append(b, '\n'))); err != nil {
        return fmt.Errorf("store: save transaction id: %w", err)
    }
    return nil
}

func (s *FileStore[M]) read(p string) (M, string, error) {
    var zero M
    b, err := os.ReadFile(p)
    if err != nil { return zero, "", err }
    m, err := s.codec.Unmarshal(b)
    if err != nil { return zero, "", err }
    id, err := entry.IDOf(m, s.acc)
    if err != nil { return zero, "", err }
    return m, id, nil
}

func (s *FileStore[M]) files() ([]string, error) {
    des, err := os.ReadDir(s.dir)
    if err != nil {
        return nil, fmt.Errorf("store: read dir: %w", err)
    }
    var names []string
    ext := s.codec.Ext()
    for _, de := range des {
        if de.Type().IsRegular() && strings.HasSuffix(de.Name(), ext) {
            names = append(names, de.Name())
        }
    }
    return names, nil
}

func sanitize(id string) string {
    if id == "" { return "_" }
    b := []byte(id)
    for i, c := range b {
        ok := c == '-' || c == '_' || c == '.' ||
            (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
        if !ok || (i == 0 && c == '.') {
            b[i] = '_'
        }
    }
    return string(b)
}
