package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/grokify/objectstore"
)

// PutMultipart starts a multi-part upload. Each part is written to its own
// file in a per-upload staging directory; Complete concatenates them into
// a staging file that is renamed over the object.
func (b *Backend) PutMultipart(ctx context.Context, p objectstore.Path) (objectstore.MultipartUpload, error) {
	name, err := b.begin(ctx, p)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(b.stagingDir(), "upload-"+uuid.NewString())
	if err := os.MkdirAll(dir, b.config.DirPermissions); err != nil {
		return nil, translateError(err)
	}
	return &upload{backend: b, name: name, dir: dir}, nil
}

type upload struct {
	backend *Backend
	name    string
	dir     string

	mu   sync.Mutex
	done bool
}

func (u *upload) UploadPart(ctx context.Context, number int, data []byte) (objectstore.Part, error) {
	if err := ctx.Err(); err != nil {
		return objectstore.Part{}, objectstore.Classify(objectstore.KindLocal, err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return objectstore.Part{}, objectstore.ErrClosedHandle
	}

	id := fmt.Sprintf("%08d", number)
	err := os.WriteFile(filepath.Join(u.dir, id), data, u.backend.config.FilePermissions)
	if err != nil {
		return objectstore.Part{}, translateError(err)
	}
	return objectstore.Part{Number: number, ID: id}, nil
}

func (u *upload) Complete(ctx context.Context, parts []objectstore.Part) error {
	if err := ctx.Err(); err != nil {
		return objectstore.Classify(objectstore.KindLocal, err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return objectstore.ErrClosedHandle
	}
	u.done = true
	defer func() { _ = os.RemoveAll(u.dir) }()

	if err := u.backend.mkdirParent(u.name); err != nil {
		return translateError(err)
	}
	tmp, err := u.backend.stage(func(w io.Writer) error {
		for _, part := range parts {
			if err := appendFile(w, filepath.Join(u.dir, part.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return translateError(err)
	}
	return translateError(u.backend.commit(tmp, u.name))
}

func (u *upload) Abort(context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.done = true
	if err := os.RemoveAll(u.dir); err != nil {
		return translateError(err)
	}
	return nil
}

func appendFile(w io.Writer, name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(w, f)
	return err
}
