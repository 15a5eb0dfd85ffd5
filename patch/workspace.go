// Package patch applies unified diffs to files under a local workspace
// directory. Every path is resolved relative to the workspace root and
// rejected when it would leave it.
package patch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/cespare/xxhash/v2"
	"github.com/go-logr/logr"

	"github.com/PipeOpsHQ/agentcrew/types"
)

var (
	ErrConflict    = errors.New("patch: diff does not apply")
	ErrPathEscapes = errors.New("patch: path escapes workspace")
	ErrBinary      = errors.New("patch: binary diffs are not supported")
	ErrTooLarge    = errors.New("patch: file too large")
)

const defaultMaxFileSize = 5 * 1024 * 1024

type Workspace struct {
	root        string
	maxFileSize int64
	logger      logr.Logger

	mu sync.Mutex
}

type Option func(*Workspace)

func WithLogger(logger logr.Logger) Option {
	return func(w *Workspace) { w.logger = logger }
}

// WithMaxFileSize bounds the size of files the workspace reads or writes.
func WithMaxFileSize(n int64) Option {
	return func(w *Workspace) {
		if n > 0 {
			w.maxFileSize = n
		}
	}
}

// NewWorkspace opens root, creating it when missing.
func NewWorkspace(root string, opts ...Option) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	w := &Workspace{root: abs, maxFileSize: defaultMaxFileSize, logger: logr.Discard()}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *Workspace) Root() string {
	return w.root
}

// Apply applies a single-file unified diff to rel. A diff that starts
// directly at a hunk header gets file headers synthesized for rel; a
// missing file is then treated as a creation.
func (w *Workspace) Apply(ctx context.Context, rel, diff string) (types.FileChange, error) {
	if err := ctx.Err(); err != nil {
		return types.FileChange{}, err
	}
	full, err := w.resolve(rel)
	if err != nil {
		return types.FileChange{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	_, statErr := os.Stat(full)
	exists := statErr == nil
	file, err := parseSingle(rel, diff, exists)
	if err != nil {
		return types.FileChange{}, err
	}
	if file.IsBinary {
		return types.FileChange{}, fmt.Errorf("%w: %s", ErrBinary, rel)
	}
	if target := targetName(file); target != "" && !samePath(target, rel) {
		return types.FileChange{}, fmt.Errorf("%w: diff targets %q, not %q", ErrConflict, target, rel)
	}

	var src []byte
	mode := fs.FileMode(0o644)
	switch {
	case file.IsNew && exists:
		return types.FileChange{}, fmt.Errorf("%w: %s already exists", ErrConflict, rel)
	case !file.IsNew && !exists:
		return types.FileChange{}, fmt.Errorf("%w: %s does not exist", ErrConflict, rel)
	case !file.IsNew:
		info, err := os.Stat(full)
		if err != nil {
			return types.FileChange{}, fmt.Errorf("failed to stat %s: %w", rel, err)
		}
		if info.Size() > w.maxFileSize {
			return types.FileChange{}, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, rel, info.Size())
		}
		mode = info.Mode().Perm()
		if src, err = os.ReadFile(full); err != nil {
			return types.FileChange{}, fmt.Errorf("failed to read %s: %w", rel, err)
		}
	}

	var out bytes.Buffer
	if err := gitdiff.Apply(&out, bytes.NewReader(src), file); err != nil {
		return types.FileChange{}, fmt.Errorf("%w: %s: %v", ErrConflict, rel, err)
	}

	if file.IsDelete {
		if err := os.Remove(full); err != nil {
			return types.FileChange{}, fmt.Errorf("failed to delete %s: %w", rel, err)
		}
		w.logger.V(1).Info("file deleted", "path", rel)
		return types.FileChange{Path: rel, Deleted: true}, nil
	}
	if int64(out.Len()) > w.maxFileSize {
		return types.FileChange{}, fmt.Errorf("%w: patched %s is %d bytes", ErrTooLarge, rel, out.Len())
	}
	if err := writeAtomic(full, out.Bytes(), mode); err != nil {
		return types.FileChange{}, fmt.Errorf("failed to write %s: %w", rel, err)
	}
	w.logger.V(1).Info("patch applied", "path", rel, "created", file.IsNew, "bytes", out.Len())
	return types.FileChange{Path: rel, Created: file.IsNew, Bytes: out.Len()}, nil
}

// ReadFile returns the content of rel. Missing files report an error
// matching fs.ErrNotExist.
func (w *Workspace) ReadFile(ctx context.Context, rel string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full, err := w.resolve(rel)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(full)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", rel, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("failed to read %s: is a directory", rel)
	}
	if info.Size() > w.maxFileSize {
		return "", fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, rel, info.Size())
	}
	raw, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", rel, err)
	}
	return string(raw), nil
}

// Snapshot hashes the current content of paths into a stable reference.
// Order of paths does not matter; missing files hash as absent.
func (w *Workspace) Snapshot(ctx context.Context, paths []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sorted := make([]string, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		clean := path.Clean(filepath.ToSlash(p))
		if _, ok := seen[clean]; ok {
			continue
		}
		seen[clean] = struct{}{}
		sorted = append(sorted, clean)
	}
	sort.Strings(sorted)

	w.mu.Lock()
	defer w.mu.Unlock()

	digest := xxhash.New()
	for _, p := range sorted {
		full, err := w.resolve(p)
		if err != nil {
			return "", err
		}
		_, _ = digest.WriteString(p)
		_, _ = digest.Write([]byte{0})
		raw, err := os.ReadFile(full)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			_, _ = digest.Write([]byte{1})
		case err != nil:
			return "", fmt.Errorf("failed to read %s: %w", p, err)
		default:
			_, _ = digest.Write(raw)
		}
		_, _ = digest.Write([]byte{0})
	}
	return fmt.Sprintf("xxh64:%016x", digest.Sum64()), nil
}

func (w *Workspace) resolve(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathEscapes)
	}
	native := filepath.FromSlash(rel)
	if filepath.IsAbs(native) || filepath.VolumeName(native) != "" {
		return "", fmt.Errorf("%w: %q is absolute", ErrPathEscapes, rel)
	}
	full := filepath.Join(w.root, native)
	inside, err := filepath.Rel(w.root, full)
	if err != nil || inside == "." || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscapes, rel)
	}
	return full, nil
}

func parseSingle(rel, diff string, exists bool) (*gitdiff.File, error) {
	body := strings.TrimLeft(diff, "\r\n")
	if strings.HasPrefix(body, "@@") {
		oldName := "a/" + rel
		if !exists {
			oldName = "/dev/null"
		}
		body = "--- " + oldName + "\n+++ b/" + rel + "\n" + body
	}
	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	files, _, err := gitdiff.Parse(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConflict, rel, err)
	}
	if len(files) != 1 {
		return nil, fmt.Errorf("%w: expected one file in diff for %s, got %d", ErrConflict, rel, len(files))
	}
	return files[0], nil
}

func targetName(f *gitdiff.File) string {
	if f.IsDelete {
		return f.OldName
	}
	return f.NewName
}

// samePath compares a diff header name with rel, accepting the a/ and b/
// prefixes that traditional headers carry.
func samePath(name, rel string) bool {
	want := path.Clean(filepath.ToSlash(rel))
	got := path.Clean(name)
	if got == want {
		return true
	}
	for _, prefix := range []string{"a/", "b/"} {
		if strings.HasPrefix(got, prefix) && strings.TrimPrefix(got, prefix) == want {
			return true
		}
	}
	return false
}

func writeAtomic(full string, data []byte, mode fs.FileMode) error {
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".agentcrew-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, mode); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, full)
}
