package helper

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/odvcencio/git-remote-dropbox/pkg/blobstore"
	"github.com/odvcencio/git-remote-dropbox/pkg/gitobj"
)

// fakeGit simulates the local repository for protocol tests: a declared
// object graph, a set of installed objects, local refs, and symbolic refs.
type fakeGit struct {
	mu      sync.Mutex
	objects map[gitobj.Hash]fakeObj
	local   map[gitobj.Hash]bool
	refs    map[string]gitobj.Hash
	symrefs map[string]string
}

type fakeObj struct {
	kind    gitobj.Kind
	content []byte
	refs    []gitobj.Hash
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		objects: make(map[gitobj.Hash]fakeObj),
		local:   make(map[gitobj.Hash]bool),
		refs:    make(map[string]gitobj.Hash),
		symrefs: make(map[string]string),
	}
}

func (g *fakeGit) add(kind gitobj.Kind, content []byte, local bool, refs ...gitobj.Hash) gitobj.Hash {
	h := gitobj.HashBytes(kind, content)
	g.objects[h] = fakeObj{kind: kind, content: content, refs: refs}
	if local {
		g.local[h] = true
	}
	return h
}

// commit builds blob+tree+commit with the given parents, all local.
func (g *fakeGit) commit(msg string, parents ...gitobj.Hash) gitobj.Hash {
	blob := g.add(gitobj.KindBlob, []byte(msg+" contents"), true)
	tree := g.add(gitobj.KindTree, []byte(msg+" tree"), true, blob)
	return g.add(gitobj.KindCommit, []byte(msg), true, append([]gitobj.Hash{tree}, parents...)...)
}

func (g *fakeGit) EncodeObject(ctx context.Context, h gitobj.Hash) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	obj, ok := g.objects[h]
	if !ok || !g.local[h] {
		return nil, fmt.Errorf("object %s not present locally", h)
	}
	return gitobj.Encode(obj.kind, obj.content)
}

func (g *fakeGit) WriteObject(ctx context.Context, data []byte) (gitobj.Hash, error) {
	kind, content, err := gitobj.Decode(data)
	if err != nil {
		return "", err
	}
	return g.WriteRawObject(ctx, kind, content)
}

func (g *fakeGit) WriteRawObject(ctx context.Context, kind gitobj.Kind, content []byte) (gitobj.Hash, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := gitobj.HashBytes(kind, content)
	g.local[h] = true
	return h, nil
}

func (g *fakeGit) ObjectExists(ctx context.Context, h gitobj.Hash) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.local[h]
}

func (g *fakeGit) HistoryExists(ctx context.Context, h gitobj.Hash) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reachableLocked(h, make(map[gitobj.Hash]bool))
}

func (g *fakeGit) reachableLocked(h gitobj.Hash, seen map[gitobj.Hash]bool) bool {
	if seen[h] {
		return true
	}
	seen[h] = true
	if !g.local[h] {
		return false
	}
	for _, ref := range g.objects[h].refs {
		if !g.reachableLocked(ref, seen) {
			return false
		}
	}
	return true
}

func (g *fakeGit) ReferencedObjects(ctx context.Context, h gitobj.Hash) ([]gitobj.Hash, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	obj, ok := g.objects[h]
	if !ok {
		return nil, fmt.Errorf("unknown object %s", h)
	}
	return obj.refs, nil
}

func (g *fakeGit) RefValue(ctx context.Context, ref string) (gitobj.Hash, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.refs[ref]
	if !ok {
		return "", fmt.Errorf("unknown ref %s", ref)
	}
	return h, nil
}

func (g *fakeGit) SymbolicRef(ctx context.Context, name string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.symrefs[name]
}

func (g *fakeGit) IsAncestor(ctx context.Context, ancestor, ref gitobj.Hash) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.walkLocked(ref, ancestor, make(map[gitobj.Hash]bool))
}

func (g *fakeGit) walkLocked(from, target gitobj.Hash, seen map[gitobj.Hash]bool) bool {
	if from == target {
		return true
	}
	if seen[from] {
		return false
	}
	seen[from] = true
	for _, ref := range g.objects[from].refs {
		if g.walkLocked(ref, target, seen) {
			return true
		}
	}
	return false
}

func (g *fakeGit) RevListMissing(ctx context.Context, include gitobj.Hash, exclude []gitobj.Hash) ([]gitobj.Hash, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	excluded := make(map[gitobj.Hash]bool)
	for _, h := range exclude {
		if g.local[h] {
			g.collectLocked(h, excluded)
		}
	}
	reachable := make(map[gitobj.Hash]bool)
	g.collectLocked(include, reachable)
	var out []gitobj.Hash
	for h := range reachable {
		if !excluded[h] {
			out = append(out, h)
		}
	}
	return out, nil
}

func (g *fakeGit) collectLocked(h gitobj.Hash, out map[gitobj.Hash]bool) {
	if out[h] {
		return
	}
	out[h] = true
	for _, ref := range g.objects[h].refs {
		g.collectLocked(ref, out)
	}
}

const testRoot = "/t/repo"

// runSession feeds script to a fresh session against store/git and returns
// the helper's stdout.
func runSession(t *testing.T, store blobstore.Store, git *fakeGit, script string) string {
	t.Helper()
	var out bytes.Buffer
	s := New(strings.NewReader(script), &out, Options{
		Store:    store,
		Git:      git,
		Root:     testRoot,
		Workers:  2,
		Log:      zap.NewNop().Sugar(),
		LogLevel: zap.NewAtomicLevelAt(zapcore.InfoLevel),
	})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("session: %v", err)
	}
	return out.String()
}

func TestCapabilities(t *testing.T) {
	out := runSession(t, blobstore.NewMemStore(), newFakeGit(), "capabilities\n")
	if out != "option\npush\nfetch\n\n" {
		t.Fatalf("capabilities output = %q", out)
	}
}

func TestOptions(t *testing.T) {
	script := "option verbosity 2\noption progress false\noption cloning true\noption followtags true\n"
	out := runSession(t, blobstore.NewMemStore(), newFakeGit(), script)
	if out != "ok\nok\nok\nunsupported\n" {
		t.Fatalf("option output = %q", out)
	}
}

func TestListEmptyRepository(t *testing.T) {
	out := runSession(t, blobstore.NewMemStore(), newFakeGit(), "list\n")
	if out != "\n" {
		t.Fatalf("list output = %q", out)
	}
}

func TestFirstPushBootstrapsHead(t *testing.T) {
	ctx := context.Background()
	git := newFakeGit()
	c1 := git.commit("c1")
	git.refs["refs/heads/master"] = c1
	git.symrefs["HEAD"] = "refs/heads/master"
	store := blobstore.NewMemStore()

	script := "list for-push\npush refs/heads/master:refs/heads/master\n\n"
	out := runSession(t, store, git, script)
	if !strings.Contains(out, "ok refs/heads/master\n") {
		t.Fatalf("push output = %q", out)
	}

	// The ref names the commit and the store holds its whole closure.
	data, _, err := store.Get(ctx, testRoot+"/refs/heads/master")
	if err != nil {
		t.Fatalf("ref not written: %v", err)
	}
	if strings.TrimSpace(string(data)) != string(c1) {
		t.Fatalf("ref = %q, want %s", data, c1)
	}
	for h := range git.objects {
		if _, _, err := store.Get(ctx, gitobj.Path(testRoot, h)); err != nil {
			t.Fatalf("object %s missing from store: %v", h, err)
		}
	}

	head, _, err := store.Get(ctx, testRoot+"/HEAD")
	if err != nil {
		t.Fatalf("HEAD not bootstrapped: %v", err)
	}
	if string(head) != "ref: refs/heads/master\n" {
		t.Fatalf("HEAD = %q", head)
	}
}

func TestListAfterPush(t *testing.T) {
	git := newFakeGit()
	c1 := git.commit("c1")
	git.refs["refs/heads/master"] = c1
	git.symrefs["HEAD"] = "refs/heads/master"
	store := blobstore.NewMemStore()

	runSession(t, store, git, "list for-push\npush refs/heads/master:refs/heads/master\n\n")
	out := runSession(t, store, git, "list\n")

	want := string(c1) + " refs/heads/master\n@refs/heads/master HEAD\n\n"
	if out != want {
		t.Fatalf("list output = %q, want %q", out, want)
	}
}

func TestPushIdempotent(t *testing.T) {
	git := newFakeGit()
	c1 := git.commit("c1")
	git.refs["refs/heads/master"] = c1
	git.symrefs["HEAD"] = "refs/heads/master"
	store := blobstore.NewMemStore()

	runSession(t, store, git, "list for-push\npush refs/heads/master:refs/heads/master\n\n")
	out := runSession(t, store, git, "list for-push\npush refs/heads/master:refs/heads/master\n\n")
	if !strings.Contains(out, "ok refs/heads/master\n") {
		t.Fatalf("second push output = %q", out)
	}
}

func TestPushFastForwardAndReject(t *testing.T) {
	git := newFakeGit()
	c1 := git.commit("c1")
	git.refs["refs/heads/master"] = c1
	git.symrefs["HEAD"] = "refs/heads/master"
	store := blobstore.NewMemStore()
	runSession(t, store, git, "list for-push\npush refs/heads/master:refs/heads/master\n\n")

	// Fast-forward c1 -> c2 succeeds.
	c2 := git.commit("c2", c1)
	git.refs["refs/heads/master"] = c2
	out := runSession(t, store, git, "list for-push\npush refs/heads/master:refs/heads/master\n\n")
	if !strings.Contains(out, "ok refs/heads/master\n") {
		t.Fatalf("fast-forward output = %q", out)
	}

	// A divergent commit is refused without force.
	c3 := git.commit("c3", c1)
	git.refs["refs/heads/master"] = c3
	out = runSession(t, store, git, "list for-push\npush refs/heads/master:refs/heads/master\n\n")
	if !strings.Contains(out, "error refs/heads/master non-fast-forward\n") {
		t.Fatalf("divergent output = %q", out)
	}

	// With force it wins.
	out = runSession(t, store, git, "list for-push\npush +refs/heads/master:refs/heads/master\n\n")
	if !strings.Contains(out, "ok refs/heads/master\n") {
		t.Fatalf("force output = %q", out)
	}
}

func TestDeleteProtectsDefaultBranch(t *testing.T) {
	git := newFakeGit()
	c1 := git.commit("c1")
	git.refs["refs/heads/master"] = c1
	git.refs["refs/heads/develop"] = c1
	git.symrefs["HEAD"] = "refs/heads/master"
	store := blobstore.NewMemStore()
	runSession(t, store, git,
		"list for-push\npush refs/heads/master:refs/heads/master\npush refs/heads/develop:refs/heads/develop\n\n")

	out := runSession(t, store, git, "list for-push\npush :refs/heads/master\n\n")
	if !strings.Contains(out, "error refs/heads/master refusing to delete the current branch\n") {
		t.Fatalf("delete HEAD target output = %q", out)
	}

	out = runSession(t, store, git, "list for-push\npush :refs/heads/develop\n\n")
	if !strings.Contains(out, "ok refs/heads/develop\n") {
		t.Fatalf("delete develop output = %q", out)
	}
}

func TestConcurrentPushOneWins(t *testing.T) {
	// Two clients race distinct commits onto the same branch; the loser is
	// refused and the winner's value survives.
	ctx := context.Background()
	gitA := newFakeGit()
	c1 := gitA.commit("c1")
	gitA.refs["refs/heads/master"] = c1
	gitA.symrefs["HEAD"] = "refs/heads/master"
	store := blobstore.NewMemStore()
	runSession(t, store, gitA, "list for-push\npush refs/heads/master:refs/heads/master\n\n")

	c2a := gitA.commit("c2a", c1)
	gitA.refs["refs/heads/master"] = c2a

	gitB := newFakeGit()
	gitB.objects = gitA.objects
	gitB.local = map[gitobj.Hash]bool{}
	for h := range gitA.local {
		gitB.local[h] = true
	}
	c2b := gitB.commit("c2b", c1)
	gitB.refs["refs/heads/master"] = c2b
	gitB.symrefs["HEAD"] = "refs/heads/master"

	outA := runSession(t, store, gitA, "list for-push\npush refs/heads/master:refs/heads/master\n\n")
	if !strings.Contains(outA, "ok refs/heads/master\n") {
		t.Fatalf("winner output = %q", outA)
	}

	// B arrives second with a commit that does not descend from the
	// winner's head and is refused.
	outB := runSession(t, store, gitB, "list for-push\npush refs/heads/master:refs/heads/master\n\n")
	if !strings.Contains(outB, "error refs/heads/master ") {
		t.Fatalf("loser output = %q", outB)
	}

	data, _, err := store.Get(ctx, testRoot+"/refs/heads/master")
	if err != nil {
		t.Fatalf("ref read: %v", err)
	}
	if strings.TrimSpace(string(data)) != string(c2a) {
		t.Fatalf("final ref = %q, want winner %s", data, c2a)
	}
}

func TestFetchInstallsClosure(t *testing.T) {
	// Push from one repository, fetch into an empty one.
	git := newFakeGit()
	c1 := git.commit("c1")
	git.refs["refs/heads/master"] = c1
	git.symrefs["HEAD"] = "refs/heads/master"
	store := blobstore.NewMemStore()
	runSession(t, store, git, "list for-push\npush refs/heads/master:refs/heads/master\n\n")

	clone := newFakeGit()
	clone.objects = git.objects // knows the graph, has nothing installed
	out := runSession(t, store, clone, "fetch "+string(c1)+" refs/heads/master\n\n")
	if out != "\n" {
		t.Fatalf("fetch output = %q", out)
	}
	for h := range git.objects {
		if !clone.local[h] {
			t.Fatalf("object %s not installed by fetch", h)
		}
	}
}

func TestUnsupportedCommandIsFatal(t *testing.T) {
	var out bytes.Buffer
	s := New(strings.NewReader("export\n"), &out, Options{
		Store:    blobstore.NewMemStore(),
		Git:      newFakeGit(),
		Root:     testRoot,
		Log:      zap.NewNop().Sugar(),
		LogLevel: zap.NewAtomicLevelAt(zapcore.InfoLevel),
	})
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("unknown command did not fail the session")
	}
}
