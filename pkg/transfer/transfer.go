// Package transfer moves Git objects between the local repository and the
// blob store with bounded parallelism. Object writes are content-addressed
// on both sides, so every operation here is idempotent and safe to retry or
// to race with another client.
package transfer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/git-remote-dropbox/pkg/blobstore"
	"github.com/odvcencio/git-remote-dropbox/pkg/gitobj"
)

// DefaultWorkers is the transfer pool size when no override is configured.
const DefaultWorkers = 8

// Git is the slice of the local-repository surface the engine needs.
type Git interface {
	EncodeObject(ctx context.Context, h gitobj.Hash) ([]byte, error)
	WriteObject(ctx context.Context, data []byte) (gitobj.Hash, error)
	WriteRawObject(ctx context.Context, kind gitobj.Kind, content []byte) (gitobj.Hash, error)
	ObjectExists(ctx context.Context, h gitobj.Hash) bool
	HistoryExists(ctx context.Context, h gitobj.Hash) bool
	ReferencedObjects(ctx context.Context, h gitobj.Hash) ([]gitobj.Hash, error)
}

// Engine is a bounded-concurrency object mover for one remote repository.
type Engine struct {
	blobs    blobstore.Store
	git      Git
	root     string
	workers  int
	log      *zap.SugaredLogger
	progress io.Writer // nil disables progress lines
}

// New creates an Engine with the given pool size; workers <= 0 selects
// DefaultWorkers.
func New(blobs blobstore.Store, git Git, root string, workers int, log *zap.SugaredLogger) *Engine {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Engine{blobs: blobs, git: git, root: root, workers: workers, log: log}
}

// SetProgress directs human-readable progress lines to w. A nil writer
// disables them.
func (e *Engine) SetProgress(w io.Writer) {
	e.progress = w
}

// UploadMissing writes every listed object to the store. An object that is
// already present counts as uploaded: its contents are identical because
// the store is content-addressed. The first terminal failure cancels the
// remaining uploads.
func (e *Engine) UploadMissing(ctx context.Context, hashes []gitobj.Hash) error {
	if len(hashes) == 0 {
		return nil
	}

	total := len(hashes)
	var done atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, h := range hashes {
		g.Go(func() error {
			data, err := e.git.EncodeObject(ctx, h)
			if err != nil {
				return err
			}
			path := gitobj.Path(e.root, h)
			e.log.Debugf("writing: %s", path)
			err = blobstore.WithRetry(ctx, func() error {
				_, err := e.blobs.PutCreate(ctx, path, data)
				return err
			})
			if err != nil && !blobstore.IsAlreadyExists(err) {
				return fmt.Errorf("upload object %s: %w", h, err)
			}
			e.reportProgress("Writing objects", int(done.Add(1)), total)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	e.finishProgress("Writing objects", total)
	return nil
}

type downloadResult struct {
	hash      gitobj.Hash
	referents []gitobj.Hash
	err       error
}

// DownloadClosure fetches the transitive closure of roots into the local
// repository. The walk prunes at objects that are present locally together
// with their whole history; an object that is present with partial history
// (a previously aborted fetch) is re-expanded without re-downloading.
func (e *Engine) DownloadClosure(ctx context.Context, roots []gitobj.Hash) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	input := make(chan gitobj.Hash)
	results := make(chan downloadResult)

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.downloadWorker(ctx, input, results)
		}()
	}
	defer wg.Wait()
	defer cancel()

	queue := make([]gitobj.Hash, 0, len(roots))
	queue = append(queue, roots...)
	visited := make(map[gitobj.Hash]struct{})
	pending := 0
	done := 0

	handle := func(res downloadResult) error {
		pending--
		if res.err != nil {
			return res.err
		}
		done++
		queue = append(queue, res.referents...)
		e.reportProgress("Receiving objects", done, done+pending)
		return nil
	}

	// held is the next hash waiting for a free worker; it stays here so a
	// result arriving mid-dispatch cannot lose it.
	var held gitobj.Hash
	haveHeld := false
	for {
		for len(queue) > 0 && !haveHeld {
			h := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			if _, ok := visited[h]; ok {
				continue
			}
			visited[h] = struct{}{}

			if e.git.ObjectExists(ctx, h) {
				if h == gitobj.EmptyTreeHash {
					// git reports the empty tree as present even when the
					// loose object is missing; materialize it so fsck stays
					// clean.
					if _, err := e.git.WriteRawObject(ctx, gitobj.KindTree, nil); err != nil {
						return err
					}
				}
				if !e.git.HistoryExists(ctx, h) {
					// Partial history from an aborted fetch; keep walking.
					e.log.Debugf("missing part of history from %s", h)
					refs, err := e.git.ReferencedObjects(ctx, h)
					if err != nil {
						return err
					}
					queue = append(queue, refs...)
				} else {
					e.log.Debugf("%s already present", h)
				}
				continue
			}
			held = h
			haveHeld = true
		}

		if !haveHeld && pending == 0 {
			break
		}

		if haveHeld {
			select {
			case input <- held:
				pending++
				haveHeld = false
			case res := <-results:
				if err := handle(res); err != nil {
					return err
				}
			}
		} else {
			select {
			case res := <-results:
				if err := handle(res); err != nil {
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if done > 0 {
		e.finishProgress("Receiving objects", done)
	}
	return nil
}

// downloadWorker fetches objects named on input, installs them locally, and
// reports each object's referents on results.
func (e *Engine) downloadWorker(ctx context.Context, input <-chan gitobj.Hash, results chan<- downloadResult) {
	for {
		var h gitobj.Hash
		select {
		case <-ctx.Done():
			return
		case h = <-input:
		}

		res := downloadResult{hash: h}
		res.referents, res.err = e.fetchObject(ctx, h)

		select {
		case results <- res:
		case <-ctx.Done():
			return
		}
	}
}

// fetchObject downloads one object, verifies its name, installs it, and
// returns the objects it references.
func (e *Engine) fetchObject(ctx context.Context, h gitobj.Hash) ([]gitobj.Hash, error) {
	path := gitobj.Path(e.root, h)
	e.log.Debugf("fetching: %s", path)

	var data []byte
	err := blobstore.WithRetry(ctx, func() error {
		var err error
		data, _, err = e.blobs.Get(ctx, path)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("download object %s: %w", h, err)
	}

	written, err := e.git.WriteObject(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("install object %s: %w", h, err)
	}
	if written != h {
		return nil, fmt.Errorf("object %s is corrupt: content hashes to %s", h, written)
	}
	return e.git.ReferencedObjects(ctx, h)
}

func (e *Engine) reportProgress(verb string, done, total int) {
	if e.progress == nil || total == 0 {
		return
	}
	fmt.Fprintf(e.progress, "\r%s: %3d%% (%d/%d)", verb, done*100/total, done, total)
}

func (e *Engine) finishProgress(verb string, done int) {
	if e.progress == nil {
		return
	}
	fmt.Fprintf(e.progress, "\r%s: 100%% (%d/%d), done.\n", verb, done, done)
}
