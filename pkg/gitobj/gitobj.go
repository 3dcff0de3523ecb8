// Package gitobj handles the loose-object encoding Git uses on disk: a
// "type len\0content" envelope, zlib-compressed, addressed by the SHA-1 of
// the uncompressed envelope. The same bytes are stored verbatim on the
// remote, so a remote repository copied into a bare .git directory is a
// valid repository.
package gitobj

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// Hash is a lowercase 40-hex Git object name.
type Hash string

// EmptyTreeHash is the well-known hash of the empty tree. Git treats it as
// always present even when the loose object is missing from the local
// object database.
const EmptyTreeHash Hash = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// Kind is a Git object type.
type Kind string

const (
	KindCommit Kind = "commit"
	KindTree   Kind = "tree"
	KindBlob   Kind = "blob"
	KindTag    Kind = "tag"
)

// ParseKind validates a type name read from `git cat-file -t` or a decoded
// envelope header.
func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.TrimSpace(raw)); k {
	case KindCommit, KindTree, KindBlob, KindTag:
		return k, nil
	default:
		return "", fmt.Errorf("unknown git object type %q", raw)
	}
}

// ValidHash reports whether h is a well-formed 40-hex object name.
func ValidHash(h Hash) bool {
	if len(h) != 40 {
		return false
	}
	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// HashBytes computes the object name of an envelope-less payload.
func HashBytes(kind Kind, content []byte) Hash {
	h := sha1.New()
	fmt.Fprintf(h, "%s %d\x00", kind, len(content))
	h.Write(content)
	return Hash(hex.EncodeToString(h.Sum(nil)))
}

// Path returns the store path of h under root, using Git's two-character
// fan-out layout.
func Path(root string, h Hash) string {
	return path.Join(root, "objects", string(h[:2]), string(h[2:]))
}

// Encode wraps content in the loose-object envelope and zlib-compresses it.
func Encode(kind Kind, content []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := fmt.Fprintf(w, "%s %d\x00", kind, len(content)); err != nil {
		w.Close()
		return nil, fmt.Errorf("encode object: %w", err)
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return nil, fmt.Errorf("encode object: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encode object: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode decompresses a loose object and splits the envelope, validating
// the declared length.
func Decode(data []byte) (Kind, []byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", nil, fmt.Errorf("decode object: %w", err)
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", nil, fmt.Errorf("decode object: %w", err)
	}

	nul := bytes.IndexByte(raw, 0)
	if nul < 0 {
		return "", nil, fmt.Errorf("decode object: invalid envelope (no NUL)")
	}
	header := string(raw[:nul])
	content := raw[nul+1:]

	typ, sizeStr, ok := strings.Cut(header, " ")
	if !ok {
		return "", nil, fmt.Errorf("decode object: invalid header %q", header)
	}
	kind, err := ParseKind(typ)
	if err != nil {
		return "", nil, fmt.Errorf("decode object: %w", err)
	}
	size, err := strconv.Atoi(sizeStr)
	if err != nil {
		return "", nil, fmt.Errorf("decode object: invalid length %q: %w", sizeStr, err)
	}
	if len(content) != size {
		return "", nil, fmt.Errorf("decode object: length mismatch (header=%d, actual=%d)", size, len(content))
	}
	return kind, content, nil
}

// Referents extracts the hashes an object points at, given the object's kind
// and its pretty-printed form (`git cat-file -p` output). Blobs are leaves.
// Gitlink tree entries (mode 160000) are skipped: the commit they name lives
// in another repository.
func Referents(kind Kind, pretty []byte) ([]Hash, error) {
	switch kind {
	case KindBlob:
		return nil, nil
	case KindTag:
		first, _, _ := strings.Cut(strings.TrimSpace(string(pretty)), "\n")
		fields := strings.Fields(first)
		if len(fields) != 2 || fields[0] != "object" {
			return nil, fmt.Errorf("parse tag: unexpected first line %q", first)
		}
		return []Hash{Hash(fields[1])}, nil
	case KindCommit:
		lines := strings.Split(string(pretty), "\n")
		if len(lines) == 0 {
			return nil, fmt.Errorf("parse commit: empty object")
		}
		fields := strings.Fields(lines[0])
		if len(fields) != 2 || fields[0] != "tree" {
			return nil, fmt.Errorf("parse commit: unexpected first line %q", lines[0])
		}
		out := []Hash{Hash(fields[1])}
		for _, line := range lines[1:] {
			if !strings.HasPrefix(line, "parent ") {
				break
			}
			out = append(out, Hash(strings.TrimPrefix(line, "parent ")))
		}
		return out, nil
	case KindTree:
		trimmed := strings.TrimSpace(string(pretty))
		if trimmed == "" {
			return nil, nil
		}
		var out []Hash
		for _, line := range strings.Split(trimmed, "\n") {
			if strings.HasPrefix(line, "160000 commit ") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < 3 {
				return nil, fmt.Errorf("parse tree: unexpected entry %q", line)
			}
			out = append(out, Hash(fields[2]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected git object type %q", kind)
	}
}
