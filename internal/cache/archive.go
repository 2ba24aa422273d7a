package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

const archiveVersion = 1

// archive is the CBOR envelope stored (zstd-compressed) under a cache key.
type archive struct {
	Version int           `cbor:"1,keyasint"`
	Paths   []string      `cbor:"2,keyasint"`
	Files   []archiveFile `cbor:"3,keyasint"`
}

type archiveFile struct {
	Path string `cbor:"1,keyasint"`
	Mode uint32 `cbor:"2,keyasint"`
	Dir  bool   `cbor:"3,keyasint,omitempty"`
	Data []byte `cbor:"4,keyasint,omitempty"`
}

var (
	encMode     cbor.EncMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cache: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cache: zstd decoder initialization failed: " + err.Error())
	}
}

// Pack archives paths (relative to root, files or directories) into a
// compressed blob. Missing paths are skipped; symlinks are not followed.
func Pack(root string, paths []string) ([]byte, error) {
	a := archive{Version: archiveVersion, Paths: paths}
	for _, p := range paths {
		rel, err := cleanRel(p)
		if err != nil {
			return nil, err
		}
		base := filepath.Join(root, rel)
		err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && path == base {
					return fs.SkipAll
				}
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			name, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			f := archiveFile{Path: filepath.ToSlash(name), Mode: uint32(info.Mode().Perm())}
			switch {
			case d.IsDir():
				f.Dir = true
			case info.Mode().IsRegular():
				if f.Data, err = os.ReadFile(path); err != nil {
					return err
				}
			default:
				return nil
			}
			a.Files = append(a.Files, f)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("archiving %s: %w", p, err)
		}
	}
	sort.Slice(a.Files, func(i, j int) bool { return a.Files[i].Path < a.Files[j].Path })

	raw, err := encMode.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encoding archive: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// Unpack extracts a blob produced by Pack under root, returning the number
// of files written.
func Unpack(root string, blob []byte) (int, error) {
	raw, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return 0, fmt.Errorf("decompressing archive: %w", err)
	}
	var a archive
	if err := cbor.Unmarshal(raw, &a); err != nil {
		return 0, fmt.Errorf("decoding archive: %w", err)
	}
	if a.Version != archiveVersion {
		return 0, fmt.Errorf("unsupported archive version %d", a.Version)
	}

	written := 0
	for _, f := range a.Files {
		rel, err := cleanRel(f.Path)
		if err != nil {
			return written, err
		}
		dst := filepath.Join(root, rel)
		mode := fs.FileMode(f.Mode)
		if f.Dir {
			if err := os.MkdirAll(dst, mode|0700); err != nil {
				return written, err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return written, err
		}
		if err := os.WriteFile(dst, f.Data, mode|0600); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// cleanRel rejects absolute paths and paths escaping the workspace.
func cleanRel(p string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(p))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("cache path %q is outside the workspace", p)
	}
	return clean, nil
}
