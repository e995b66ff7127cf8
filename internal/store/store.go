// Package store implements the content-addressed chunk store: staging a
// file's manifest, recording which chunks have arrived, writing chunk bytes
// durably, reporting missing ranges, and assembling a complete file once
// every chunk is present and verified.
package store

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/quantarax/cft/internal/message"
)

// Errors returned by Store operations, named after the error kinds in
// SPEC_FULL.md §7.
var (
	ErrUnknownHash     = errors.New("store: unknown content hash")
	ErrIndexOutOfRange = errors.New("store: chunk index out of range")
	ErrHashMismatch    = errors.New("store: assembled content does not match declared hash")
	ErrHashCollision    = errors.New("store: chunk bytes differ from previously stored chunk at same index")
	ErrIncomplete      = errors.New("store: not all chunks present")
)

const metaFileName = "meta"

// Store is a directory-backed content-addressed chunk store. One
// subdirectory per content hash holds a meta file and one file per chunk
// index. A Store is safe for concurrent use by multiple goroutines.
type Store struct {
	root  string
	index *boltIndex // nil if no presence index was configured
}

// Open returns a Store rooted at dir, creating dir if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dir, err)
	}
	return &Store{root: dir}, nil
}

// WithIndex attaches a BoltDB-backed presence index at indexPath, which
// PutChunk updates and GC reads. HaveChunks still lists the hash directory.
// Call before any other Store method.
func (s *Store) WithIndex(indexPath string) error {
	idx, err := openBoltIndex(indexPath)
	if err != nil {
		return err
	}
	s.index = idx
	return nil
}

// Close releases the presence index, if one was attached.
func (s *Store) Close() error {
	if s.index != nil {
		return s.index.Close()
	}
	return nil
}

func (s *Store) hashDir(hash string) string {
	return filepath.Join(s.root, hash)
}

func (s *Store) chunkPath(hash string, index uint64) string {
	return filepath.Join(s.hashDir(hash), strconv.FormatUint(index, 10))
}

func (s *Store) metaPath(hash string) string {
	return filepath.Join(s.hashDir(hash), metaFileName)
}

// meta is the parsed form of a hash directory's meta file.
type meta struct {
	numChunks uint64
	mode      uint32
	hasMode   bool
}

func (m meta) serialize() []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "num_chunks=%d\n", m.numChunks)
	if m.hasMode {
		fmt.Fprintf(&sb, "mode=%o\n", m.mode)
	}
	return []byte(sb.String())
}

func parseMeta(data []byte) (meta, error) {
	var m meta
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	for sc.Scan() {
		line := sc.Text()
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch k {
		case "num_chunks":
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return meta{}, fmt.Errorf("store: parse meta: bad num_chunks: %w", err)
			}
			m.numChunks = n
		case "mode":
			n, err := strconv.ParseUint(v, 8, 32)
			if err != nil {
				return meta{}, fmt.Errorf("store: parse meta: bad mode: %w", err)
			}
			m.mode = uint32(n)
			m.hasMode = true
		}
	}
	return m, nil
}

// Stage registers a new transfer's manifest: the content hash it will
// assemble to, how many chunks it has, and the file's mode bits if known.
// Staging twice with an identical manifest is a no-op; staging twice with a
// conflicting num_chunks is an error, since the hash is supposed to
// determine the manifest uniquely.
func (s *Store) Stage(hash string, numChunks uint64, mode uint32, hasMode bool) error {
	dir := s.hashDir(hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: stage %s: %w", hash, err)
	}
	mp := s.metaPath(hash)
	existing, err := os.ReadFile(mp)
	if err == nil {
		prev, perr := parseMeta(existing)
		if perr == nil && prev.numChunks == numChunks {
			return nil
		}
		return fmt.Errorf("store: stage %s: %w: already staged with different manifest", hash, ErrHashCollision)
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("store: stage %s: %w", hash, err)
	}
	m := meta{numChunks: numChunks, mode: mode, hasMode: hasMode}
	return writeFileAtomic(mp, m.serialize(), 0o644)
}

// HaveChunks reports, for a staged hash, the set of chunk indices whose
// chunk files are present on disk. Chunk contents are not checked.
func (s *Store) HaveChunks(hash string) ([]uint64, error) {
	dir := s.hashDir(hash)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("store: have chunks %s: %w", hash, ErrUnknownHash)
		}
		return nil, fmt.Errorf("store: have chunks %s: %w", hash, err)
	}
	var have []uint64
	for _, e := range entries {
		if e.IsDir() || e.Name() == metaFileName {
			continue
		}
		idx, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		have = append(have, idx)
	}
	return have, nil
}

// ReadChunk returns the bytes previously written for hash at index, for a
// sender pushing already-staged chunks.
func (s *Store) ReadChunk(hash string, index uint64) ([]byte, error) {
	data, err := os.ReadFile(s.chunkPath(hash, index))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("store: read chunk %s[%d]: %w", hash, index, ErrIndexOutOfRange)
		}
		return nil, fmt.Errorf("store: read chunk %s[%d]: %w", hash, index, err)
	}
	return data, nil
}

// NumChunks returns the staged chunk count for hash.
func (s *Store) NumChunks(hash string) (uint64, error) {
	m, err := s.readMeta(hash)
	if err != nil {
		return 0, err
	}
	return m.numChunks, nil
}

// PutChunk checks index against the staged chunk count, then writes data
// durably via a temp-file rename. Writing the same index twice with
// identical bytes is idempotent; different bytes fail with ErrHashCollision.
// The bytes are not checked against any hash here; Assemble verifies the
// whole file.
func (s *Store) PutChunk(hash string, index uint64, data []byte) error {
	m, err := s.readMeta(hash)
	if err != nil {
		return err
	}
	if index >= m.numChunks {
		return fmt.Errorf("store: put chunk %s[%d]: %w", hash, index, ErrIndexOutOfRange)
	}
	path := s.chunkPath(hash, index)
	if existing, err := os.ReadFile(path); err == nil {
		if bytes.Equal(existing, data) {
			return nil
		}
		return fmt.Errorf("store: put chunk %s[%d]: %w", hash, index, ErrHashCollision)
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("store: put chunk %s[%d]: %w", hash, index, err)
	}
	if s.index != nil {
		if err := s.index.markChunk(hash, index, len(data)); err != nil {
			return fmt.Errorf("store: put chunk %s[%d]: index: %w", hash, index, err)
		}
	}
	return nil
}

// MissingRanges reports the inclusive chunk-index ranges not yet present for
// a staged hash, suitable for placing directly into a NAK message.
func (s *Store) MissingRanges(hash string) ([]message.Range, error) {
	m, err := s.readMeta(hash)
	if err != nil {
		return nil, err
	}
	have, err := s.HaveChunks(hash)
	if err != nil {
		return nil, err
	}
	present := make(map[uint64]bool, len(have))
	for _, idx := range have {
		present[idx] = true
	}
	var missing []uint64
	for i := uint64(0); i < m.numChunks; i++ {
		if !present[i] {
			missing = append(missing, i)
		}
	}
	return message.NormalizeRanges(missing), nil
}

// Assemble verifies that every chunk for hash is present, that their
// concatenation hashes to hash, and writes the reconstructed file to dest
// (applying the staged mode bits, if any). It returns ErrIncomplete if any
// chunk is missing and ErrHashMismatch if the reconstructed content's hash
// does not equal hash.
func (s *Store) Assemble(hash string, dest string) error {
	m, err := s.readMeta(hash)
	if err != nil {
		return err
	}
	have, err := s.HaveChunks(hash)
	if err != nil {
		return err
	}
	if uint64(len(have)) != m.numChunks {
		return fmt.Errorf("store: assemble %s: %w", hash, ErrIncomplete)
	}
	tmp := dest + ".cft-tmp-" + uuid.NewString()
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("store: assemble %s: %w", hash, err)
	}
	hasher := blake3.New()
	w := io.MultiWriter(out, hasher)
	for i := uint64(0); i < m.numChunks; i++ {
		data, err := os.ReadFile(s.chunkPath(hash, i))
		if err != nil {
			out.Close()
			os.Remove(tmp)
			return fmt.Errorf("store: assemble %s: chunk %d: %w", hash, i, err)
		}
		if _, err := w.Write(data); err != nil {
			out.Close()
			os.Remove(tmp)
			return fmt.Errorf("store: assemble %s: chunk %d: %w", hash, i, err)
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: assemble %s: %w", hash, err)
	}
	sum := fmt.Sprintf("%x", hasher.Sum(nil))
	if sum != hash {
		os.Remove(tmp)
		return fmt.Errorf("store: assemble %s: %w: reconstructed %s", hash, ErrHashMismatch, sum)
	}
	if m.hasMode {
		if err := os.Chmod(tmp, os.FileMode(m.mode)); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("store: assemble %s: chmod: %w", hash, err)
		}
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: assemble %s: %w", hash, err)
	}
	return nil
}

func (s *Store) readMeta(hash string) (meta, error) {
	data, err := os.ReadFile(s.metaPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return meta{}, fmt.Errorf("store: %s: %w", hash, ErrUnknownHash)
		}
		return meta{}, fmt.Errorf("store: %s: %w", hash, err)
	}
	return parseMeta(data)
}

func blake3Sum(data []byte) string {
	h := blake3.New()
	h.Write(data)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// HashChunk computes the hex blake3 digest of data, the same digest StageFile
// and Assemble use for a whole file's content hash.
func HashChunk(data []byte) string {
	return blake3Sum(data)
}

// DefaultChunkSize is the system-wide chunk size both peers must agree on
// (spec.md §4.4's "chunk size is a system constant").
const DefaultChunkSize = 4096

// StageFile reads path, splits it into chunkSize-byte chunks (the file's
// final chunk may be shorter), hashes the concatenation of chunks (which is
// simply the file's raw bytes), and writes every chunk into the store under
// that hash. Staging the same file twice is idempotent: if the hash is
// already staged with a matching chunk count, no chunk is rewritten.
func (s *Store) StageFile(path string, chunkSize uint64) (hash string, numChunks uint64, mode uint32, hasMode bool, err error) {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	f, err := os.Open(path)
	if err != nil {
		return "", 0, 0, false, fmt.Errorf("store: stage file %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, 0, false, fmt.Errorf("store: stage file %s: %w", path, err)
	}
	mode = uint32(info.Mode().Perm())
	hasMode = true

	hasher := blake3.New()
	buf := make([]byte, chunkSize)
	var chunks [][]byte
	for {
		n, rerr := io.ReadFull(f, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			chunks = append(chunks, chunk)
			hasher.Write(chunk)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return "", 0, 0, false, fmt.Errorf("store: stage file %s: %w", path, rerr)
		}
	}
	hash = fmt.Sprintf("%x", hasher.Sum(nil))
	numChunks = uint64(len(chunks))

	if err := s.Stage(hash, numChunks, mode, hasMode); err != nil {
		return "", 0, 0, false, err
	}
	for i, chunk := range chunks {
		if err := s.PutChunk(hash, uint64(i), chunk); err != nil {
			return "", 0, 0, false, fmt.Errorf("store: stage file %s: %w", path, err)
		}
	}
	return hash, numChunks, mode, hasMode, nil
}

// writeFileAtomic writes data to a temp file in the same directory as path
// and renames it into place, so a concurrent reader never observes a
// partially written file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, "."+filepath.Base(path)+".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
