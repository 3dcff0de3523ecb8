// Package helper implements the git remote-helper protocol over a blob
// store. Git drives the session on stdin/stdout; the helper translates
// list/push/fetch into object transfers and compare-and-swap ref updates.
package helper

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/odvcencio/git-remote-dropbox/pkg/blobstore"
	"github.com/odvcencio/git-remote-dropbox/pkg/gitobj"
	"github.com/odvcencio/git-remote-dropbox/pkg/refstore"
	"github.com/odvcencio/git-remote-dropbox/pkg/transfer"
)

// Git is the local-repository surface the session needs; *gitcmd.Runner
// implements it.
type Git interface {
	transfer.Git
	RefValue(ctx context.Context, ref string) (gitobj.Hash, error)
	SymbolicRef(ctx context.Context, name string) string
	IsAncestor(ctx context.Context, ancestor, ref gitobj.Hash) bool
	RevListMissing(ctx context.Context, include gitobj.Hash, exclude []gitobj.Hash) ([]gitobj.Hash, error)
}

// Options configures a Session.
type Options struct {
	Store    blobstore.Store
	Git      Git
	Root     string // repository root path on the store
	Workers  int    // transfer pool size; 0 selects the default
	Log      *zap.SugaredLogger
	LogLevel zap.AtomicLevel // raised/lowered by "option verbosity"
	Stderr   io.Writer       // progress output
}

// Session is one remote-helper conversation with git.
type Session struct {
	in  *bufio.Scanner
	out *bufio.Writer

	git  Git
	refs *refstore.Store
	eng  *transfer.Engine
	log  *zap.SugaredLogger

	level    zap.AtomicLevel
	stderr   io.Writer
	progress bool

	// remoteRefs is the most recent ListRefs snapshot, keyed by ref name.
	// It is dropped after every mutation so each push request decides
	// against fresh revisions.
	remoteRefs map[string]refstore.Ref
	haveRefs   bool

	// pushed records refs updated in this session so a later push in the
	// same batch excludes their objects from its upload set.
	pushed map[string]gitobj.Hash

	firstPush bool
}

// New creates a Session reading commands from in and answering on out.
func New(in io.Reader, out io.Writer, opts Options) *Session {
	eng := transfer.New(opts.Store, opts.Git, opts.Root, opts.Workers, opts.Log)
	s := &Session{
		in:       bufio.NewScanner(in),
		out:      bufio.NewWriter(out),
		git:      opts.Git,
		refs:     refstore.New(opts.Store, opts.Root, opts.Log),
		eng:      eng,
		log:      opts.Log,
		level:    opts.LogLevel,
		stderr:   opts.Stderr,
		progress: true,
		pushed:   make(map[string]gitobj.Hash),
	}
	return s
}

// Run processes commands until git closes the connection. Errors returned
// here are fatal for the whole session.
func (s *Session) Run(ctx context.Context) error {
	for {
		line, ok := s.readLine()
		if !ok {
			return s.in.Err()
		}
		switch {
		case line == "capabilities":
			s.write("option")
			s.write("push")
			s.write("fetch")
			s.write("")
		case strings.HasPrefix(line, "option "):
			s.doOption(line)
		case line == "list" || strings.HasPrefix(line, "list "):
			if err := s.doList(ctx, line); err != nil {
				return err
			}
		case strings.HasPrefix(line, "push "):
			if err := s.doPushBatch(ctx, line); err != nil {
				return err
			}
		case strings.HasPrefix(line, "fetch "):
			if err := s.doFetchBatch(ctx, line); err != nil {
				return err
			}
		case line == "":
			return nil
		default:
			return fmt.Errorf("unsupported operation: %q", line)
		}
	}
}

func (s *Session) readLine() (string, bool) {
	if !s.in.Scan() {
		return "", false
	}
	return strings.TrimRight(s.in.Text(), "\r\n"), true
}

func (s *Session) write(line string) {
	s.out.WriteString(line)
	s.out.WriteByte('\n')
	s.out.Flush()
}

// doOption handles "option <name> <value>".
func (s *Session) doOption(line string) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 3 {
		s.write("unsupported")
		return
	}
	name, value := fields[1], fields[2]
	switch name {
	case "verbosity":
		n, err := strconv.Atoi(value)
		if err != nil {
			s.write("error invalid verbosity")
			return
		}
		switch {
		case n <= 0:
			s.level.SetLevel(zapcore.ErrorLevel)
		case n == 1:
			s.level.SetLevel(zapcore.InfoLevel)
		default:
			s.level.SetLevel(zapcore.DebugLevel)
		}
		s.write("ok")
	case "progress":
		s.progress = value == "true"
		s.write("ok")
	case "cloning":
		s.write("ok")
	default:
		s.write("unsupported")
	}
}

// snapshot returns the current remote ref map, listing the store if the
// cached copy was invalidated.
func (s *Session) snapshot(ctx context.Context) (map[string]refstore.Ref, error) {
	if s.haveRefs {
		return s.remoteRefs, nil
	}
	refs, err := s.refs.ListRefs(ctx)
	if err != nil {
		return nil, err
	}
	m := make(map[string]refstore.Ref, len(refs))
	for _, r := range refs {
		m[r.Name] = r
	}
	s.remoteRefs = m
	s.haveRefs = true
	return m, nil
}

func (s *Session) invalidate() {
	s.remoteRefs = nil
	s.haveRefs = false
}

// doList handles "list" and "list for-push".
func (s *Session) doList(ctx context.Context, line string) error {
	forPush := strings.Contains(line, "for-push")
	s.invalidate()
	refs, err := s.snapshot(ctx)
	if err != nil {
		return err
	}
	if forPush && len(refs) == 0 {
		s.firstPush = true
	}
	if len(refs) == 0 && !forPush {
		s.log.Info("repository is empty")
	}
	for _, name := range sortedNames(refs) {
		s.write(string(refs[name].Hash) + " " + name)
	}
	if !forPush {
		head, err := s.refs.Symbolic(ctx, "HEAD")
		if err != nil {
			return err
		}
		if head != nil {
			s.write("@" + head.Target + " HEAD")
		} else {
			s.log.Info("no default branch on remote")
		}
	}
	s.write("")
	return nil
}

// doPushBatch consumes a batch of push commands, answering each with
// "ok <dst>" or "error <dst> <reason>".
func (s *Session) doPushBatch(ctx context.Context, line string) error {
	var remoteHead string
	for {
		spec, ok := strings.CutPrefix(line, "push ")
		if !ok {
			return fmt.Errorf("malformed push command: %q", line)
		}
		src, dst, ok := strings.Cut(spec, ":")
		if !ok {
			return fmt.Errorf("malformed push refspec: %q", spec)
		}

		if src == "" {
			if err := s.deleteRef(ctx, dst); err != nil {
				return err
			}
		} else {
			if err := s.pushRef(ctx, src, dst); err != nil {
				return err
			}
			if s.firstPush && (remoteHead == "" || strings.TrimPrefix(src, "+") == s.git.SymbolicRef(ctx, "HEAD")) {
				remoteHead = dst
			}
		}

		line, ok = s.readLine()
		if !ok {
			return s.in.Err()
		}
		if line == "" {
			break
		}
	}

	if s.firstPush {
		s.firstPush = false
		if remoteHead != "" {
			if err := s.refs.SetSymbolic(ctx, "HEAD", remoteHead, ""); err != nil {
				if errors.Is(err, refstore.ErrRefConflict) {
					// Another client bootstrapped concurrently; theirs wins.
					s.log.Info("default branch already set on remote")
				} else {
					s.log.Infof("failed to set default branch on remote: %v", err)
				}
			}
		} else {
			s.log.Info("first push but no branch to set remote HEAD")
		}
	}
	s.write("")
	return nil
}

// deleteRef handles a delete-push ":dst".
func (s *Session) deleteRef(ctx context.Context, dst string) error {
	s.log.Debugf("deleting ref %s", dst)
	refs, err := s.snapshot(ctx)
	if err != nil {
		return err
	}
	rev := ""
	if r, ok := refs[dst]; ok {
		rev = r.Rev
	}
	err = s.refs.DeleteRef(ctx, dst, rev)
	switch {
	case errors.Is(err, refstore.ErrHeadProtected):
		s.write("error " + dst + " refusing to delete the current branch")
		return nil
	case errors.Is(err, refstore.ErrRefConflict):
		s.write("error " + dst + " fetch first")
		return nil
	case err != nil:
		if blobstore.IsAuthError(err) {
			return err
		}
		s.write("error " + dst + " " + err.Error())
		return nil
	}
	s.invalidate()
	delete(s.pushed, dst)
	s.write("ok " + dst)
	return nil
}

// pushRef handles one "[+]src:dst" update: upload every missing object,
// then compare-and-swap the ref.
func (s *Session) pushRef(ctx context.Context, src, dst string) error {
	force := strings.HasPrefix(src, "+")
	src = strings.TrimPrefix(src, "+")

	newHash, err := s.git.RefValue(ctx, src)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", src, err)
	}

	refs, err := s.snapshot(ctx)
	if err != nil {
		return err
	}

	old, exists := refs[dst]
	if exists && !force {
		if !s.git.ObjectExists(ctx, old.Hash) {
			s.write("error " + dst + " fetch first")
			return nil
		}
		if !s.git.IsAncestor(ctx, old.Hash, newHash) {
			s.write("error " + dst + " non-fast-forward")
			return nil
		}
	}

	// Upload the closure before touching the ref: a ref must never name an
	// object the store does not hold.
	exclude := make([]gitobj.Hash, 0, len(refs)+len(s.pushed))
	for _, r := range refs {
		exclude = append(exclude, r.Hash)
	}
	for _, h := range s.pushed {
		exclude = append(exclude, h)
	}
	missing, err := s.git.RevListMissing(ctx, newHash, exclude)
	if err != nil {
		return fmt.Errorf("list objects for %s: %w", src, err)
	}
	if s.progress && s.stderr != nil {
		s.eng.SetProgress(s.stderr)
	} else {
		s.eng.SetProgress(nil)
	}
	if err := s.eng.UploadMissing(ctx, missing); err != nil {
		if blobstore.IsAuthError(err) {
			return err
		}
		s.write("error " + dst + " " + err.Error())
		return nil
	}

	// Even a force push swaps against the revision it observed, so two
	// concurrent force pushes cannot silently lose one.
	expect := refstore.Absent()
	if exists {
		expect = refstore.AtRev(old.Rev)
	}
	s.log.Debugf("writing ref %s -> %s", dst, newHash)
	err = s.refs.UpdateRef(ctx, dst, newHash, expect)
	switch {
	case errors.Is(err, refstore.ErrRefConflict):
		s.write("error " + dst + " fetch first")
		return nil
	case err != nil:
		if blobstore.IsAuthError(err) {
			return err
		}
		s.write("error " + dst + " " + err.Error())
		return nil
	}
	s.invalidate()
	s.pushed[dst] = newHash
	s.write("ok " + dst)
	return nil
}

// doFetchBatch consumes a batch of fetch commands and downloads the union
// of the requested closures.
func (s *Session) doFetchBatch(ctx context.Context, line string) error {
	var roots []gitobj.Hash
	for {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != "fetch" {
			return fmt.Errorf("malformed fetch command: %q", line)
		}
		h := gitobj.Hash(fields[1])
		if !gitobj.ValidHash(h) {
			return fmt.Errorf("malformed fetch hash: %q", fields[1])
		}
		roots = append(roots, h)

		var ok bool
		line, ok = s.readLine()
		if !ok {
			return s.in.Err()
		}
		if line == "" {
			break
		}
	}

	if s.progress && s.stderr != nil {
		s.eng.SetProgress(s.stderr)
	} else {
		s.eng.SetProgress(nil)
	}
	if err := s.eng.DownloadClosure(ctx, roots); err != nil {
		return err
	}
	s.write("")
	return nil
}

func sortedNames(m map[string]refstore.Ref) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
