// Package refstore reads and writes Git references stored as plain files on
// a blob store. Every mutation is conditioned on the store's revision tags,
// which is what linearizes updates across concurrent clients.
package refstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/odvcencio/git-remote-dropbox/pkg/blobstore"
	"github.com/odvcencio/git-remote-dropbox/pkg/gitobj"
)

// ErrRefConflict means a concurrent writer changed or created the ref
// between our read and our write. The caller reports it and must not retry.
var ErrRefConflict = errors.New("ref changed concurrently")

// ErrHeadProtected means the ref is the target of the remote HEAD and may
// not be deleted.
var ErrHeadProtected = errors.New("ref is the current branch")

// Ref is a direct reference with the store revision it was read at.
type Ref struct {
	Name string
	Hash gitobj.Hash
	Rev  string
}

// SymRef is a symbolic reference with the store revision it was read at.
type SymRef struct {
	Target string
	Rev    string
}

// Expect states the precondition for an UpdateRef call.
type Expect struct {
	kind expectKind
	rev  string
}

type expectKind int

const (
	expectAbsent expectKind = iota
	expectRev
	expectAny
)

// Absent requires that the ref does not exist yet.
func Absent() Expect { return Expect{kind: expectAbsent} }

// AtRev requires that the ref is still at the given store revision.
func AtRev(rev string) Expect { return Expect{kind: expectRev, rev: rev} }

// Any accepts whatever is there and overwrites it.
func Any() Expect { return Expect{kind: expectAny} }

// Store reads and writes refs under a repository root path.
type Store struct {
	blobs blobstore.Store
	root  string
	log   *zap.SugaredLogger
}

// New creates a Store rooted at root.
func New(blobs blobstore.Store, root string, log *zap.SugaredLogger) *Store {
	return &Store{blobs: blobs, root: root, log: log}
}

// refPath maps a full ref name to its store path.
func (s *Store) refPath(name string) (string, error) {
	if !strings.HasPrefix(name, "refs/") {
		return "", fmt.Errorf("invalid ref name %q", name)
	}
	return path.Join(s.root, name), nil
}

// ListRefs returns every direct ref present on the remote, sorted by name.
// Files whose contents are not hash-shaped are skipped with a warning; Git
// itself tolerates stray files in a refs tree.
func (s *Store) ListRefs(ctx context.Context) ([]Ref, error) {
	var entries []blobstore.Entry
	err := blobstore.WithRetry(ctx, func() error {
		var err error
		entries, err = s.blobs.List(ctx, path.Join(s.root, "refs"))
		return err
	})
	if blobstore.IsNotFound(err) {
		// Nothing under refs/ yet: the repository is empty or brand new.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}

	prefix := s.root + "/"
	refs := make([]Ref, 0, len(entries))
	for _, e := range entries {
		name := strings.TrimPrefix(e.Path, prefix)
		var data []byte
		var rev string
		err := blobstore.WithRetry(ctx, func() error {
			var err error
			data, rev, err = s.blobs.Get(ctx, e.Path)
			return err
		})
		if blobstore.IsNotFound(err) {
			// Deleted between list and read.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read ref %s: %w", name, err)
		}
		h := gitobj.Hash(strings.TrimSpace(string(data)))
		if !gitobj.ValidHash(h) {
			s.log.Warnf("ignoring ref %s with malformed contents", name)
			continue
		}
		refs = append(refs, Ref{Name: name, Hash: h, Rev: rev})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// Symbolic reads a symbolic ref such as HEAD. Returns nil if it does not
// exist.
func (s *Store) Symbolic(ctx context.Context, name string) (*SymRef, error) {
	var data []byte
	var rev string
	err := blobstore.WithRetry(ctx, func() error {
		var err error
		data, rev, err = s.blobs.Get(ctx, path.Join(s.root, name))
		return err
	})
	if blobstore.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read symbolic ref %s: %w", name, err)
	}
	target := strings.TrimSpace(strings.TrimPrefix(string(data), "ref: "))
	if target == "" {
		return nil, fmt.Errorf("symbolic ref %s is malformed: %q", name, data)
	}
	return &SymRef{Target: target, Rev: rev}, nil
}

// SetSymbolic writes a symbolic ref. With expectRev == "" this is an atomic
// create; otherwise it is a compare-and-swap against that revision. Returns
// ErrRefConflict when a concurrent writer wins.
func (s *Store) SetSymbolic(ctx context.Context, name, target, expectRev string) error {
	data := []byte("ref: " + target + "\n")
	p := path.Join(s.root, name)
	err := blobstore.WithRetry(ctx, func() error {
		var err error
		if expectRev == "" {
			_, err = s.blobs.PutCreate(ctx, p, data)
		} else {
			_, err = s.blobs.PutUpdate(ctx, p, data, expectRev)
		}
		return err
	})
	if blobstore.IsAlreadyExists(err) || blobstore.IsRevMismatch(err) {
		return ErrRefConflict
	}
	if err != nil {
		return fmt.Errorf("write symbolic ref %s: %w", name, err)
	}
	return nil
}

// UpdateRef points name at hash, subject to expect. Returns ErrRefConflict
// when the precondition no longer holds.
func (s *Store) UpdateRef(ctx context.Context, name string, hash gitobj.Hash, expect Expect) error {
	p, err := s.refPath(name)
	if err != nil {
		return err
	}
	data := []byte(string(hash) + "\n")
	err = blobstore.WithRetry(ctx, func() error {
		var err error
		switch expect.kind {
		case expectAbsent:
			_, err = s.blobs.PutCreate(ctx, p, data)
		case expectRev:
			_, err = s.blobs.PutUpdate(ctx, p, data, expect.rev)
		case expectAny:
			_, err = s.blobs.PutOverwrite(ctx, p, data)
		}
		return err
	})
	if blobstore.IsAlreadyExists(err) || blobstore.IsRevMismatch(err) {
		return ErrRefConflict
	}
	if err != nil {
		return fmt.Errorf("write ref %s: %w", name, err)
	}
	return nil
}

// DeleteRef removes name, conditioned on expectRev. The target of the
// remote HEAD is protected: resolving it and refusing up front keeps the
// default branch pointing at a live ref.
func (s *Store) DeleteRef(ctx context.Context, name, expectRev string) error {
	p, err := s.refPath(name)
	if err != nil {
		return err
	}
	head, err := s.Symbolic(ctx, "HEAD")
	if err != nil {
		return err
	}
	if head != nil && head.Target == name {
		return ErrHeadProtected
	}
	err = blobstore.WithRetry(ctx, func() error {
		return s.blobs.Delete(ctx, p, expectRev)
	})
	if blobstore.IsRevMismatch(err) {
		return ErrRefConflict
	}
	if blobstore.IsNotFound(err) {
		// Someone else deleted it first; the ref is gone either way.
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete ref %s: %w", name, err)
	}
	return nil
}
