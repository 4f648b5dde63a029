package filesync

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"

	"github.com/Latent-Infinity/md-crdt/doc"
)

// PathDoesNotExistError is returned by OpenVault when the vault root does
// not exist on disk or is not a directory.
type PathDoesNotExistError struct {
	Path string
}

func (e PathDoesNotExistError) Error() string {
	return fmt.Sprintf("filesync: path does not exist: %s", e.Path)
}

// SerializationError is returned when a persisted LastFlushedState cannot
// be decoded.
type SerializationError struct {
	Path string
}

func (e SerializationError) Error() string {
	return fmt.Sprintf("filesync: serialization error at %s", e.Path)
}

// IngestResult reports whether Ingest found any reconciled file whose
// on-disk content has drifted from its last flushed snapshot.
type IngestResult int

const (
	NoOp IngestResult = iota
	Changed
)

// Vault is a directory of Markdown files kept in sync with CRDT state:
// Flush snapshots the current parse of every file; Ingest
// detects drift since the last flush, ahead of a full fingerprint/match
// reconciliation pass.
type Vault struct {
	Path string
}

// OpenVault returns a Vault rooted at path, failing if path does not exist.
func OpenVault(path string) (*Vault, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, PathDoesNotExistError{Path: path}
		}
		return nil, IoError{Path: path, Err: err}
	}
	if !info.IsDir() {
		return nil, PathDoesNotExistError{Path: path}
	}
	return &Vault{Path: path}, nil
}

// Files returns every .md file under the vault root, walked recursively.
func (v *Vault) Files() ([]string, error) {
	var files []string
	err := godirwalk.Walk(v.Path, &godirwalk.Options{
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			if strings.EqualFold(filepath.Ext(osPathname), ".md") {
				files = append(files, osPathname)
			}
			return nil
		},
		Unsorted: false,
	})
	if err != nil {
		return nil, IoError{Path: v.Path, Err: err}
	}
	return files, nil
}

func (v *Vault) stateRoot() string {
	return filepath.Join(v.Path, ".mdcrdt", "state")
}

func (v *Vault) statePathFor(file string) string {
	rel, err := filepath.Rel(v.Path, file)
	if err != nil {
		rel = file
	}
	return filepath.Join(v.stateRoot(), rel+".mdcrdt")
}

// Init ensures the vault's state directory exists.
func (v *Vault) Init() error {
	if err := os.MkdirAll(v.stateRoot(), 0o755); err != nil {
		return IoError{Path: v.stateRoot(), Err: err}
	}
	return nil
}

// Flush reparses every file in the vault and durably records its
// LastFlushedState (content hash plus block fingerprints), establishing
// the baseline that a later Ingest/MatchBlocks reconciliation compares
// against.
func (v *Vault) Flush() error {
	if err := v.Init(); err != nil {
		return err
	}
	files, err := v.Files()
	if err != nil {
		return err
	}
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return IoError{Path: file, Err: err}
		}
		parsed, parseErr := doc.Parse(string(content))
		if parseErr != nil {
			return parseErr
		}
		state := LastFlushedState{
			ContentHash: HashString(string(content)),
			Blocks:      FingerprintDocument(parsed),
		}
		encoded := encodeLastFlushedState(state)

		storage, err := Open(v.statePathFor(file))
		if err != nil {
			return err
		}
		if err := storage.WriteSnapshot(encoded, nil, false); err != nil {
			return err
		}
	}
	return nil
}

// Ingest compares every file's current content hash against its last
// flushed snapshot, reporting Changed if any file is missing a snapshot
// or has drifted, and NoOp otherwise. It does not itself reconcile block
// identity; a Changed result is the caller's signal to reparse and run
// MatchBlocks against the recorded LastFlushedState.
func (v *Vault) Ingest() (IngestResult, error) {
	if err := v.Init(); err != nil {
		return NoOp, err
	}
	files, err := v.Files()
	if err != nil {
		return NoOp, err
	}
	changed := false
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return NoOp, IoError{Path: file, Err: err}
		}
		contentHash := HashString(string(content))

		storage, err := Open(v.statePathFor(file))
		if err != nil {
			return NoOp, err
		}
		encoded, _, _, readErr := storage.ReadSnapshot()
		switch {
		case readErr == nil:
			previous, decodeErr := decodeLastFlushedState(encoded, v.statePathFor(file))
			if decodeErr != nil {
				return NoOp, decodeErr
			}
			if previous.ContentHash != contentHash {
				changed = true
			}
		default:
			if _, ok := readErr.(MissingError); ok {
				changed = true
				continue
			}
			return NoOp, readErr
		}
	}
	if changed {
		return Changed, nil
	}
	return NoOp, nil
}

// LastFlushedStateFor loads the most recently flushed state for file, if
// any, returning MissingError if none has been recorded yet.
func (v *Vault) LastFlushedStateFor(file string) (LastFlushedState, error) {
	storage, err := Open(v.statePathFor(file))
	if err != nil {
		return LastFlushedState{}, err
	}
	encoded, _, _, err := storage.ReadSnapshot()
	if err != nil {
		return LastFlushedState{}, err
	}
	return decodeLastFlushedState(encoded, v.statePathFor(file))
}

// MatchBlocks reconciles oldState against newBlocks under cfg. It is a
// thin, discoverable forwarder to the package-level MatchBlocks function.
func (v *Vault) MatchBlocks(oldState LastFlushedState, newBlocks []ParsedBlock, cfg MatchConfig) BlockMapping {
	return MatchBlocks(oldState, newBlocks, cfg)
}

// encodeLastFlushedState is a minimal, stable binary encoding of a
// LastFlushedState: content hash, then each block's id bytes, token
// count and tokens, raw length, container path, and position, all as
// fixed-width little-endian integers.
func encodeLastFlushedState(state LastFlushedState) []byte {
	buf := make([]byte, 0, 256)
	buf = binary.LittleEndian.AppendUint64(buf, state.ContentHash)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(state.Blocks)))
	for _, b := range state.Blocks {
		idBytes, _ := b.BlockID.MarshalBinary()
		buf = append(buf, idBytes...)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(b.Fingerprint.Tokens)))
		for _, tok := range b.Fingerprint.Tokens {
			buf = binary.LittleEndian.AppendUint64(buf, tok)
		}
		buf = binary.LittleEndian.AppendUint64(buf, uint64(b.Fingerprint.Len))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(b.ContainerPath)))
		for _, p := range b.ContainerPath {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(p))
		}
		buf = binary.LittleEndian.AppendUint64(buf, uint64(b.Position))
	}
	return buf
}

func decodeLastFlushedState(buf []byte, path string) (LastFlushedState, error) {
	r := byteReader{buf: buf, path: path}
	contentHash, err := r.u64()
	if err != nil {
		return LastFlushedState{}, err
	}
	count, err := r.u64()
	if err != nil {
		return LastFlushedState{}, err
	}
	state := LastFlushedState{ContentHash: contentHash, Blocks: make([]BlockFingerprint, 0, count)}
	for i := uint64(0); i < count; i++ {
		idBytes, err := r.bytes(16)
		if err != nil {
			return LastFlushedState{}, err
		}
		var id doc.BlockID
		if err := id.UnmarshalBinary(idBytes); err != nil {
			return LastFlushedState{}, SerializationError{Path: path}
		}
		tokenCount, err := r.u64()
		if err != nil {
			return LastFlushedState{}, err
		}
		tokens := make([]uint64, tokenCount)
		for j := range tokens {
			tok, err := r.u64()
			if err != nil {
				return LastFlushedState{}, err
			}
			tokens[j] = tok
		}
		length, err := r.u64()
		if err != nil {
			return LastFlushedState{}, err
		}
		pathLen, err := r.u64()
		if err != nil {
			return LastFlushedState{}, err
		}
		containerPath := make([]int, pathLen)
		for j := range containerPath {
			p, err := r.u64()
			if err != nil {
				return LastFlushedState{}, err
			}
			containerPath[j] = int(p)
		}
		position, err := r.u64()
		if err != nil {
			return LastFlushedState{}, err
		}
		state.Blocks = append(state.Blocks, BlockFingerprint{
			BlockID:       id,
			Fingerprint:   Fingerprint{Tokens: tokens, Len: int(length)},
			ContainerPath: containerPath,
			Position:      int(position),
		})
	}
	return state, nil
}

type byteReader struct {
	buf  []byte
	path string
}

func (r *byteReader) u64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *byteReader) bytes(n int) ([]byte, error) {
	if len(r.buf) < n {
		return nil, SerializationError{Path: r.path}
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out, nil
}
