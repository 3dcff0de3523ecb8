// Package gitcmd wraps the local git executable. All access to the local
// repository goes through here; writes are content-addressed and therefore
// idempotent, so concurrent callers are safe.
package gitcmd

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/odvcencio/git-remote-dropbox/pkg/gitobj"
)

const presenceCacheSize = 1 << 16

// Runner executes git commands in the current repository (git resolves the
// repository itself, honoring GIT_DIR).
type Runner struct {
	// Object presence is monotone for the lifetime of a session: once an
	// object exists it never disappears, so positive answers are memoized.
	present *lru.Cache[gitobj.Hash, struct{}]
}

// NewRunner creates a Runner.
func NewRunner() (*Runner, error) {
	cache, err := lru.New[gitobj.Hash, struct{}](presenceCacheSize)
	if err != nil {
		return nil, err
	}
	return &Runner{present: cache}, nil
}

// capture runs git with args and returns stdout, folding stderr into the
// error on failure.
func (r *Runner) capture(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("git %s: %s", strings.Join(args, " "), msg)
	}
	return stdout.Bytes(), nil
}

// ok runs git with args and reports whether it exited zero.
func (r *Runner) ok(ctx context.Context, args ...string) bool {
	cmd := exec.CommandContext(ctx, "git", args...)
	return cmd.Run() == nil
}

// RefValue resolves a local ref to its object hash.
func (r *Runner) RefValue(ctx context.Context, ref string) (gitobj.Hash, error) {
	out, err := r.capture(ctx, "rev-parse", ref)
	if err != nil {
		return "", err
	}
	h := gitobj.Hash(strings.TrimSpace(string(out)))
	if !gitobj.ValidHash(h) {
		return "", fmt.Errorf("rev-parse %s: unexpected output %q", ref, out)
	}
	return h, nil
}

// SymbolicRef resolves one level of a local symbolic ref, e.g. HEAD to
// refs/heads/master. Returns "" if the ref is not symbolic or absent.
func (r *Runner) SymbolicRef(ctx context.Context, name string) string {
	out, err := r.capture(ctx, "symbolic-ref", name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// RemoteURL returns the URL configured for the named remote.
func (r *Runner) RemoteURL(ctx context.Context, name string) (string, error) {
	out, err := r.capture(ctx, "remote", "get-url", name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// ObjectExists reports whether the object is present locally.
func (r *Runner) ObjectExists(ctx context.Context, h gitobj.Hash) bool {
	if _, ok := r.present.Get(h); ok {
		return true
	}
	if r.ok(ctx, "cat-file", "-e", string(h)) {
		r.present.Add(h, struct{}{})
		return true
	}
	return false
}

// HistoryExists reports whether the object and everything reachable from it
// are present locally.
func (r *Runner) HistoryExists(ctx context.Context, h gitobj.Hash) bool {
	return r.ok(ctx, "rev-list", "--objects", string(h))
}

// IsAncestor reports whether ancestor is an ancestor of ref, i.e. whether
// ref can be reached from ancestor by fast-forwarding.
func (r *Runner) IsAncestor(ctx context.Context, ancestor, ref gitobj.Hash) bool {
	return r.ok(ctx, "merge-base", "--is-ancestor", string(ancestor), string(ref))
}

// ObjectKind returns the type of a local object.
func (r *Runner) ObjectKind(ctx context.Context, h gitobj.Hash) (gitobj.Kind, error) {
	out, err := r.capture(ctx, "cat-file", "-t", string(h))
	if err != nil {
		return "", err
	}
	return gitobj.ParseKind(string(out))
}

// EncodeObject reads a local object and returns its loose-object encoding,
// ready to be written to the remote objects tree.
func (r *Runner) EncodeObject(ctx context.Context, h gitobj.Hash) ([]byte, error) {
	kind, err := r.ObjectKind(ctx, h)
	if err != nil {
		return nil, err
	}
	content, err := r.capture(ctx, "cat-file", string(kind), string(h))
	if err != nil {
		return nil, err
	}
	return gitobj.Encode(kind, content)
}

// WriteObject decodes a loose object and installs it in the local
// repository, returning the hash git computed for it. A hash produced by
// git that differs from the expected name indicates a corrupt download.
func (r *Runner) WriteObject(ctx context.Context, data []byte) (gitobj.Hash, error) {
	kind, content, err := gitobj.Decode(data)
	if err != nil {
		return "", err
	}
	return r.WriteRawObject(ctx, kind, content)
}

// WriteRawObject installs an uncompressed object payload.
func (r *Runner) WriteRawObject(ctx context.Context, kind gitobj.Kind, content []byte) (gitobj.Hash, error) {
	cmd := exec.CommandContext(ctx, "git", "hash-object", "-w", "--stdin", "-t", string(kind))
	cmd.Stdin = bytes.NewReader(content)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git hash-object: %s", msg)
	}
	h := gitobj.Hash(strings.TrimSpace(stdout.String()))
	if !gitobj.ValidHash(h) {
		return "", fmt.Errorf("git hash-object: unexpected output %q", stdout.String())
	}
	r.present.Add(h, struct{}{})
	return h, nil
}

// ReferencedObjects returns the objects directly referenced by a local
// object.
func (r *Runner) ReferencedObjects(ctx context.Context, h gitobj.Hash) ([]gitobj.Hash, error) {
	kind, err := r.ObjectKind(ctx, h)
	if err != nil {
		return nil, err
	}
	if kind == gitobj.KindBlob {
		return nil, nil
	}
	pretty, err := r.capture(ctx, "cat-file", "-p", string(h))
	if err != nil {
		return nil, err
	}
	return gitobj.Referents(kind, pretty)
}

// RevListMissing yields every object reachable from include but not from
// any of exclude. Exclusions that do not exist locally are dropped: the
// remote may hold refs we have never fetched.
func (r *Runner) RevListMissing(ctx context.Context, include gitobj.Hash, exclude []gitobj.Hash) ([]gitobj.Hash, error) {
	args := []string{"rev-list", "--objects", string(include)}
	for _, h := range exclude {
		if r.ObjectExists(ctx, h) {
			args = append(args, "^"+string(h))
		}
	}
	out, err := r.capture(ctx, args...)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return nil, nil
	}
	lines := strings.Split(trimmed, "\n")
	hashes := make([]gitobj.Hash, 0, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		h := gitobj.Hash(fields[0])
		if !gitobj.ValidHash(h) {
			return nil, fmt.Errorf("rev-list: unexpected line %q", line)
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}
