// Package local provides a local filesystem backend for objectstore.
//
// Objects are stored as regular files below a root directory, one file per
// object, with path segments mapped to directories. Writes go to a staging
// directory under the root first and are renamed into place, so readers
// never observe a partially written object.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/grokify/objectstore"
)

// StagingDir is the directory under the root that holds in-flight writes.
// It is hidden from listings and cannot be addressed as an object.
const StagingDir = ".objectstore-staging"

func init() {
	objectstore.Register(objectstore.KindLocal, NewFromConfig)
}

// Backend implements objectstore.Backend for the local filesystem.
type Backend struct {
	config Config
	root   string
	closed bool
	mu     sync.RWMutex
}

// New creates a new local backend with the given configuration.
// The root directory is created if CreateDirs is set; otherwise it must exist.
func New(config Config) (*Backend, error) {
	if config.Root == "" {
		config.Root = "."
	}
	if config.DirPermissions == 0 {
		config.DirPermissions = 0755
	}
	if config.FilePermissions == 0 {
		config.FilePermissions = 0644
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	root, err := filepath.Abs(config.Root)
	if err != nil {
		return nil, fmt.Errorf("local: resolving root %s: %w", config.Root, err)
	}
	if config.CreateDirs {
		if err := os.MkdirAll(root, config.DirPermissions); err != nil {
			return nil, translateError(err)
		}
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, translateError(err)
	}
	if !info.IsDir() {
		return nil, objectstore.NewBackendError(objectstore.KindLocal, objectstore.ErrInvalidPath,
			fmt.Errorf("root %s is not a directory", root))
	}

	return &Backend{config: config, root: root}, nil
}

// NewFromConfig creates a new local backend for the registry.
// See ConfigFromMap for the supported option keys.
func NewFromConfig(_ context.Context, loc objectstore.StorageURL, options map[string]string, _ *objectstore.ClientOptions) (objectstore.Backend, error) {
	config, err := ConfigFromMap(loc, options)
	if err != nil {
		return nil, err
	}
	return New(config)
}

// Root returns the absolute root directory.
func (b *Backend) Root() string {
	return b.root
}

// Kind returns objectstore.KindLocal.
func (b *Backend) Kind() objectstore.Kind {
	return objectstore.KindLocal
}

// Features describes the local backend.
func (b *Backend) Features() objectstore.Features {
	return objectstore.Features{
		ServerSideCopy:        true,
		AtomicRename:          true,
		AtomicCopyIfNotExists: true,
		RangeRead:             true,
		MultipartParallel:     true,
	}
}

// Get reads the whole object.
func (b *Backend) Get(ctx context.Context, p objectstore.Path) ([]byte, error) {
	name, err := b.begin(ctx, p)
	if err != nil {
		return nil, err
	}

	f, _, err := openObject(name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, translateError(err)
	}
	return data, nil
}

// GetRange reads length bytes starting at start.
func (b *Backend) GetRange(ctx context.Context, p objectstore.Path, start, length int64) ([]byte, error) {
	name, err := b.begin(ctx, p)
	if err != nil {
		return nil, err
	}

	f, info, err := openObject(name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	from, to, err := objectstore.ClampRange(info.Size(), start, length)
	if err != nil {
		return nil, objectstore.NewBackendError(objectstore.KindLocal, err,
			fmt.Errorf("range %d+%d of %d bytes", start, length, info.Size()))
	}
	buf := make([]byte, to-from)
	if len(buf) == 0 {
		return buf, nil
	}
	n, err := f.ReadAt(buf, from)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
		return nil, translateError(err)
	}
	return buf, nil
}

// Put writes data to a staging file and renames it over the object.
func (b *Backend) Put(ctx context.Context, p objectstore.Path, data []byte) error {
	name, err := b.begin(ctx, p)
	if err != nil {
		return err
	}
	if err := b.mkdirParent(name); err != nil {
		return translateError(err)
	}

	tmp, err := b.stage(func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return translateError(err)
	}
	return translateError(b.commit(tmp, name))
}

// Head returns the object's metadata.
func (b *Backend) Head(ctx context.Context, p objectstore.Path) (objectstore.ObjectMeta, error) {
	name, err := b.begin(ctx, p)
	if err != nil {
		return objectstore.ObjectMeta{}, err
	}

	info, err := statObject(name)
	if err != nil {
		return objectstore.ObjectMeta{}, err
	}
	return objectstore.ObjectMeta{
		Location:     p,
		Size:         info.Size(),
		LastModified: info.ModTime(),
	}, nil
}

// List walks the directory named by prefix and returns every file below it.
func (b *Backend) List(ctx context.Context, prefix objectstore.Path) ([]objectstore.ObjectMeta, error) {
	dir, err := b.begin(ctx, prefix)
	if err != nil {
		return nil, err
	}

	objects := []objectstore.ObjectMeta{}
	err = filepath.WalkDir(dir, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			// The prefix does not exist, or an entry vanished mid-walk.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() {
			if name == b.stagingDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if name == dir {
			return nil
		}

		info, err := os.Stat(name)
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		loc, err := b.location(name)
		if err != nil {
			return nil
		}
		objects = append(objects, objectstore.ObjectMeta{
			Location:     loc,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, translateError(err)
	}

	objectstore.SortObjects(objects)
	return objects, nil
}

// ListWithDelimiter reads the directory named by prefix: files become
// objects and subdirectories common prefixes.
func (b *Backend) ListWithDelimiter(ctx context.Context, prefix objectstore.Path) (objectstore.ListResult, error) {
	dir, err := b.begin(ctx, prefix)
	if err != nil {
		return objectstore.ListResult{}, err
	}

	result := objectstore.ListResult{Objects: []objectstore.ObjectMeta{}}
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return result, nil
	}
	if err != nil {
		return objectstore.ListResult{}, translateError(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return objectstore.ListResult{}, translateError(err)
	}
	for _, entry := range entries {
		name := filepath.Join(dir, entry.Name())
		if name == b.stagingDir() {
			continue
		}
		loc, err := objectstore.FromParts(append(prefix.Parts(), entry.Name())...)
		if err != nil {
			continue
		}

		info, err := os.Stat(name)
		switch {
		case err != nil:
			continue
		case info.IsDir():
			result.CommonPrefixes = append(result.CommonPrefixes, loc)
		case info.Mode().IsRegular():
			result.Objects = append(result.Objects, objectstore.ObjectMeta{
				Location:     loc,
				Size:         info.Size(),
				LastModified: info.ModTime(),
			})
		}
	}
	return result, nil
}

// Delete removes the object's file and any parent directories it leaves
// empty. Deleting a missing object succeeds.
func (b *Backend) Delete(ctx context.Context, p objectstore.Path) error {
	name, err := b.begin(ctx, p)
	if err != nil {
		return err
	}

	info, err := os.Stat(name)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
		return nil
	}
	if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return translateError(err)
	}
	b.prune(filepath.Dir(name))
	return nil
}

// Copy copies src to dst through a staging file, overwriting dst.
func (b *Backend) Copy(ctx context.Context, src, dst objectstore.Path) error {
	tmp, dstName, err := b.stageCopy(ctx, src, dst)
	if err != nil {
		return err
	}
	return translateError(b.commit(tmp, dstName))
}

// CopyIfNotExists copies src to a staging file and hard-links it to dst,
// which fails atomically if dst exists.
func (b *Backend) CopyIfNotExists(ctx context.Context, src, dst objectstore.Path) error {
	tmp, dstName, err := b.stageCopy(ctx, src, dst)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp) }()

	return translateError(os.Link(tmp, dstName))
}

// Rename moves src to dst with a single rename, overwriting dst.
func (b *Backend) Rename(ctx context.Context, src, dst objectstore.Path) error {
	srcName, dstName, err := b.beginMove(ctx, src, dst)
	if err != nil {
		return err
	}
	if err := os.Rename(srcName, dstName); err != nil {
		return translateError(err)
	}
	if srcName != dstName {
		b.prune(filepath.Dir(srcName))
	}
	return nil
}

// RenameIfNotExists hard-links src to dst, failing if dst exists, then
// removes src.
func (b *Backend) RenameIfNotExists(ctx context.Context, src, dst objectstore.Path) error {
	srcName, dstName, err := b.beginMove(ctx, src, dst)
	if err != nil {
		return err
	}
	if err := os.Link(srcName, dstName); err != nil {
		return translateError(err)
	}
	if err := os.Remove(srcName); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return translateError(err)
	}
	b.prune(filepath.Dir(srcName))
	return nil
}

// Close marks the backend closed. Files on disk are left in place.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// begin checks the backend and context and returns the file name for p.
func (b *Backend) begin(ctx context.Context, p objectstore.Path) (string, error) {
	if err := b.checkClosed(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", objectstore.Classify(objectstore.KindLocal, err)
	}
	return b.fullPath(p)
}

func (b *Backend) beginMove(ctx context.Context, src, dst objectstore.Path) (string, string, error) {
	srcName, err := b.begin(ctx, src)
	if err != nil {
		return "", "", err
	}
	dstName, err := b.fullPath(dst)
	if err != nil {
		return "", "", err
	}
	if _, err := statObject(srcName); err != nil {
		return "", "", err
	}
	if err := b.mkdirParent(dstName); err != nil {
		return "", "", translateError(err)
	}
	return srcName, dstName, nil
}

// stageCopy copies src into a new staging file and prepares dst's parent.
func (b *Backend) stageCopy(ctx context.Context, src, dst objectstore.Path) (string, string, error) {
	srcName, dstName, err := b.beginMove(ctx, src, dst)
	if err != nil {
		return "", "", err
	}

	f, _, err := openObject(srcName)
	if err != nil {
		return "", "", err
	}
	defer func() { _ = f.Close() }()

	tmp, err := b.stage(func(w io.Writer) error {
		_, err := io.Copy(w, f)
		return err
	})
	if err != nil {
		return "", "", translateError(err)
	}
	return tmp, dstName, nil
}

// fullPath maps p to a file name below the root.
func (b *Backend) fullPath(p objectstore.Path) (string, error) {
	parts := p.Parts()
	for _, part := range parts {
		if strings.ContainsRune(part, '/') || strings.ContainsRune(part, filepath.Separator) || strings.IndexByte(part, 0) >= 0 {
			return "", objectstore.NewBackendError(objectstore.KindLocal, objectstore.ErrInvalidPath,
				fmt.Errorf("segment %q cannot be a file name", part))
		}
	}
	if len(parts) > 0 && parts[0] == StagingDir {
		return "", objectstore.NewBackendError(objectstore.KindLocal, objectstore.ErrInvalidPath,
			fmt.Errorf("%s is reserved", StagingDir))
	}
	return filepath.Join(append([]string{b.root}, parts...)...), nil
}

// location maps a file name below the root back to its path.
func (b *Backend) location(name string) (objectstore.Path, error) {
	rel, err := filepath.Rel(b.root, name)
	if err != nil {
		return objectstore.Path{}, err
	}
	return objectstore.FromParts(strings.Split(filepath.ToSlash(rel), "/")...)
}

func (b *Backend) stagingDir() string {
	return filepath.Join(b.root, StagingDir)
}

// stage writes a new file in the staging directory and syncs it to disk.
func (b *Backend) stage(write func(io.Writer) error) (string, error) {
	if err := os.MkdirAll(b.stagingDir(), b.config.DirPermissions); err != nil {
		return "", err
	}
	name := filepath.Join(b.stagingDir(), uuid.NewString())
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, b.config.FilePermissions)
	if err != nil {
		return "", err
	}

	err = write(f)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

// commit renames a staged file over name.
func (b *Backend) commit(tmp, name string) error {
	err := os.Rename(tmp, name)
	if errors.Is(err, fs.ErrNotExist) {
		// A concurrent delete may have pruned the parent directory.
		if err = b.mkdirParent(name); err == nil {
			err = os.Rename(tmp, name)
		}
	}
	if err != nil {
		_ = os.Remove(tmp)
	}
	return err
}

func (b *Backend) mkdirParent(name string) error {
	if !b.config.CreateDirs {
		return nil
	}
	return os.MkdirAll(filepath.Dir(name), b.config.DirPermissions)
}

// prune removes dir and its ancestors below the root while they are empty.
func (b *Backend) prune(dir string) {
	for dir != b.root && strings.HasPrefix(dir, b.root+string(filepath.Separator)) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// checkClosed returns an error if the backend is closed.
func (b *Backend) checkClosed() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return objectstore.ErrBackendClosed
	}
	return nil
}

// statObject stats name and reports directories as missing objects.
func statObject(name string) (fs.FileInfo, error) {
	info, err := os.Stat(name)
	if err != nil {
		return nil, translateError(err)
	}
	if info.IsDir() {
		return nil, objectstore.NewBackendError(objectstore.KindLocal, objectstore.ErrNotFound,
			fmt.Errorf("%s is a directory", name))
	}
	return info, nil
}

func openObject(name string) (*os.File, fs.FileInfo, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, translateError(err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, translateError(err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, nil, objectstore.NewBackendError(objectstore.KindLocal, objectstore.ErrNotFound,
			fmt.Errorf("%s is a directory", name))
	}
	return f, info, nil
}

// translateError maps filesystem errors to objectstore error kinds.
func translateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return objectstore.NewBackendError(objectstore.KindLocal, objectstore.ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return objectstore.NewBackendError(objectstore.KindLocal, objectstore.ErrPermissionDenied, err)
	case errors.Is(err, fs.ErrExist):
		return objectstore.NewBackendError(objectstore.KindLocal, objectstore.ErrAlreadyExists, err)
	}
	return objectstore.Classify(objectstore.KindLocal, err)
}

// Ensure Backend implements objectstore.Backend
var _ objectstore.Backend = (*Backend)(nil)
