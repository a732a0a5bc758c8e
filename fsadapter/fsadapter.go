// Package fsadapter presents an objectstore engine as a hierarchical file
// system for tools that expect files and directories.
//
// Object stores have no directories. A directory exists here while at least
// one object lives below it, CreateDir does nothing, and DeleteDir removes
// every object under the path.
//
//	fs, err := fsadapter.Open("s3://bucket/tables", nil, nil)
//	if err != nil {
//	    return err
//	}
//	defer fs.Close()
//
//	infos, err := fs.GetFileInfoSelector(ctx, fsadapter.Selector{BaseDir: "events", Recursive: true})
package fsadapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/grokify/objectstore"
	"github.com/grokify/objectstore/compress"
)

// TypeName is the name the adapter reports for itself.
const TypeName = "object-store"

// FileType classifies a path.
type FileType int

const (
	NotFound FileType = iota
	File
	Directory
)

func (t FileType) String() string {
	switch t {
	case File:
		return "file"
	case Directory:
		return "directory"
	}
	return "not_found"
}

// FileInfo describes one path.
type FileInfo struct {
	// Path is the normalized path relative to the root.
	Path string

	// Type is the kind of entry found at Path.
	Type FileType

	// Size is the object size in bytes, or -1 for directories and missing
	// paths.
	Size int64

	// ModTime is the object's last modification time, zero for directories
	// and missing paths.
	ModTime time.Time
}

// IsDir reports whether the entry is a directory.
func (fi FileInfo) IsDir() bool {
	return fi.Type == Directory
}

// Selector chooses the entries GetFileInfoSelector returns.
type Selector struct {
	// BaseDir is the directory to list.
	BaseDir string

	// AllowNotFound returns an empty selection for a missing BaseDir
	// instead of ErrNotFound.
	AllowNotFound bool

	// Recursive descends into subdirectories.
	Recursive bool
}

// FileSystem adapts an engine to file system operations.
type FileSystem struct {
	engine *objectstore.Engine
}

// New returns a FileSystem backed by engine.
func New(engine *objectstore.Engine) *FileSystem {
	return &FileSystem{engine: engine}
}

// Open opens an engine for root and wraps it. See objectstore.New for the
// arguments.
func Open(root string, options map[string]string, clientOptions *objectstore.ClientOptions, opts ...objectstore.Option) (*FileSystem, error) {
	engine, err := objectstore.New(root, options, clientOptions, opts...)
	if err != nil {
		return nil, err
	}
	return New(engine), nil
}

// Engine returns the underlying engine.
func (fs *FileSystem) Engine() *objectstore.Engine {
	return fs.engine
}

// TypeName returns "object-store".
func (fs *FileSystem) TypeName() string {
	return TypeName
}

// Equal reports whether both file systems serve the same root.
func (fs *FileSystem) Equal(other *FileSystem) bool {
	return other != nil && fs.engine.Kind() == other.engine.Kind() && fs.engine.Root() == other.engine.Root()
}

// Close closes the engine.
func (fs *FileSystem) Close() error {
	return fs.engine.Close()
}

// NormalizePath returns path in canonical form: no empty segments and no
// leading or trailing delimiter.
func (fs *FileSystem) NormalizePath(path string) (string, error) {
	p, err := objectstore.Parse(path)
	if err != nil {
		return "", err
	}
	return p.String(), nil
}

// CreateDir validates path. Directories need not be created in an object
// store, so nothing is written.
func (fs *FileSystem) CreateDir(_ context.Context, path string, _ bool) error {
	_, err := objectstore.Parse(path)
	return err
}

// DeleteDir deletes every object under path.
func (fs *FileSystem) DeleteDir(ctx context.Context, path string) error {
	p, err := objectstore.Parse(path)
	if err != nil {
		return err
	}
	objects, err := fs.engine.List(ctx, p)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if err := fs.engine.Delete(ctx, obj.Location); err != nil {
			return err
		}
	}
	return nil
}

// DeleteDirContents is DeleteDir, kept for callers that distinguish
// deleting a directory from emptying it. Without directory objects the two
// are the same.
func (fs *FileSystem) DeleteDirContents(ctx context.Context, path string) error {
	return fs.DeleteDir(ctx, path)
}

// DeleteFile deletes the object at path.
func (fs *FileSystem) DeleteFile(ctx context.Context, path string) error {
	p, err := objectstore.Parse(path)
	if err != nil {
		return err
	}
	return fs.engine.Delete(ctx, p)
}

// DeleteFiles deletes each path in order, stopping at the first failure.
func (fs *FileSystem) DeleteFiles(ctx context.Context, paths ...string) error {
	for _, path := range paths {
		if err := fs.DeleteFile(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

// MoveFile renames src to dst, replacing dst.
func (fs *FileSystem) MoveFile(ctx context.Context, src, dst string) error {
	from, to, err := parsePair(src, dst)
	if err != nil {
		return err
	}
	return fs.engine.Rename(ctx, from, to)
}

// CopyFile copies src to dst, replacing dst.
func (fs *FileSystem) CopyFile(ctx context.Context, src, dst string) error {
	from, to, err := parsePair(src, dst)
	if err != nil {
		return err
	}
	return fs.engine.Copy(ctx, from, to)
}

// GetFileInfo classifies each path. A path with entries below it is a
// Directory, otherwise an existing object is a File; anything else is
// NotFound.
func (fs *FileSystem) GetFileInfo(ctx context.Context, paths ...string) ([]FileInfo, error) {
	infos := make([]FileInfo, 0, len(paths))
	for _, path := range paths {
		p, err := objectstore.Parse(path)
		if err != nil {
			return nil, err
		}
		info, err := fs.fileInfo(ctx, p)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (fs *FileSystem) fileInfo(ctx context.Context, p objectstore.Path) (FileInfo, error) {
	if p.IsRoot() {
		return dirInfo(p), nil
	}

	listed, err := fs.engine.ListWithDelimiter(ctx, p)
	if err != nil {
		return FileInfo{}, err
	}
	if len(listed.Objects) > 0 || len(listed.CommonPrefixes) > 0 {
		return dirInfo(p), nil
	}

	meta, err := fs.engine.Head(ctx, p)
	switch {
	case err == nil:
		return fileInfo(meta), nil
	case errors.Is(err, objectstore.ErrNotFound):
		return FileInfo{Path: p.String(), Type: NotFound, Size: -1}, nil
	}
	return FileInfo{}, err
}

// GetFileInfoSelector lists the entries under sel.BaseDir, sorted by path.
// Without Recursive only direct children are returned; with it every
// object and every directory between BaseDir and an object is.
func (fs *FileSystem) GetFileInfoSelector(ctx context.Context, sel Selector) ([]FileInfo, error) {
	base, err := objectstore.Parse(sel.BaseDir)
	if err != nil {
		return nil, err
	}

	var infos []FileInfo
	if sel.Recursive {
		infos, err = fs.walk(ctx, base)
	} else {
		infos, err = fs.children(ctx, base)
	}
	if err != nil {
		return nil, err
	}

	if len(infos) == 0 && !base.IsRoot() && !sel.AllowNotFound {
		return nil, fmt.Errorf("%w: directory %q", objectstore.ErrNotFound, base.String())
	}
	slices.SortFunc(infos, func(a, b FileInfo) int {
		return strings.Compare(a.Path, b.Path)
	})
	return infos, nil
}

func (fs *FileSystem) children(ctx context.Context, base objectstore.Path) ([]FileInfo, error) {
	listed, err := fs.engine.ListWithDelimiter(ctx, base)
	if err != nil {
		return nil, err
	}
	infos := make([]FileInfo, 0, len(listed.Objects)+len(listed.CommonPrefixes))
	for _, meta := range listed.Objects {
		infos = append(infos, fileInfo(meta))
	}
	for _, prefix := range listed.CommonPrefixes {
		infos = append(infos, dirInfo(prefix))
	}
	return infos, nil
}

func (fs *FileSystem) walk(ctx context.Context, base objectstore.Path) ([]FileInfo, error) {
	objects, err := fs.engine.List(ctx, base)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	infos := make([]FileInfo, 0, len(objects))
	for _, meta := range objects {
		infos = append(infos, fileInfo(meta))
		for dir := meta.Location.Parent(); dir.Len() > base.Len(); dir = dir.Parent() {
			key := dir.String()
			if seen[key] {
				break
			}
			seen[key] = true
			infos = append(infos, dirInfo(dir))
		}
	}
	return infos, nil
}

// OpenInputFile opens path for random access reads.
func (fs *FileSystem) OpenInputFile(ctx context.Context, path string) (*objectstore.ObjectInputFile, error) {
	p, err := objectstore.Parse(path)
	if err != nil {
		return nil, err
	}
	return fs.engine.OpenInputFile(ctx, p)
}

// OpenInputStream opens path for sequential reads.
func (fs *FileSystem) OpenInputStream(ctx context.Context, path string) (*objectstore.ObjectInputFile, error) {
	return fs.OpenInputFile(ctx, path)
}

// OpenOutputStream opens path for writing. The object appears when the
// stream is closed.
func (fs *FileSystem) OpenOutputStream(ctx context.Context, path string) (*objectstore.ObjectOutputStream, error) {
	p, err := objectstore.Parse(path)
	if err != nil {
		return nil, err
	}
	return fs.engine.OpenOutputStream(ctx, p)
}

// DetectCompression selects the codec from the file extension in
// OpenCompressedInputStream and OpenCompressedOutputStream.
const DetectCompression = "detect"

// OpenCompressedInputStream opens path for sequential reads through the
// named codec, or the codec implied by the extension for DetectCompression.
func (fs *FileSystem) OpenCompressedInputStream(ctx context.Context, path, compression string) (io.ReadCloser, error) {
	p, codec, err := resolveCodec(path, compression)
	if err != nil {
		return nil, err
	}
	in, err := fs.engine.OpenInputFile(ctx, p)
	if err != nil {
		return nil, err
	}
	r, err := compress.NewReader(in, codec)
	if err != nil {
		_ = in.Close()
		return nil, err
	}
	return r, nil
}

// OpenCompressedOutputStream opens path for writing through the named
// codec, or the codec implied by the extension for DetectCompression.
// If compression fails at Close the upload is aborted.
func (fs *FileSystem) OpenCompressedOutputStream(ctx context.Context, path, compression string) (io.WriteCloser, error) {
	p, codec, err := resolveCodec(path, compression)
	if err != nil {
		return nil, err
	}
	out, err := fs.engine.OpenOutputStream(ctx, p)
	if err != nil {
		return nil, err
	}
	w, err := compress.NewWriter(out, codec, compress.LevelDefault)
	if err != nil {
		_ = out.Abort()
		return nil, err
	}
	return w, nil
}

func resolveCodec(path, compression string) (objectstore.Path, compress.Codec, error) {
	p, err := objectstore.Parse(path)
	if err != nil {
		return objectstore.Path{}, compress.None, err
	}
	if compression == DetectCompression {
		return p, compress.Detect(p), nil
	}
	codec, err := compress.ParseCodec(compression)
	return p, codec, err
}

func parsePair(src, dst string) (objectstore.Path, objectstore.Path, error) {
	from, err := objectstore.Parse(src)
	if err != nil {
		return objectstore.Path{}, objectstore.Path{}, err
	}
	to, err := objectstore.Parse(dst)
	if err != nil {
		return objectstore.Path{}, objectstore.Path{}, err
	}
	return from, to, nil
}

func fileInfo(meta objectstore.ObjectMeta) FileInfo {
	return FileInfo{
		Path:    meta.Location.String(),
		Type:    File,
		Size:    meta.Size,
		ModTime: meta.LastModified,
	}
}

func dirInfo(p objectstore.Path) FileInfo {
	return FileInfo{Path: p.String(), Type: Directory, Size: -1}
}
