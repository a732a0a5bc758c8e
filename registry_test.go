package objectstore

import (
	"context"
	"errors"
	"slices"
	"testing"
)

// isolateRegistry swaps in an empty registry for the duration of the test.
func isolateRegistry(t *testing.T) {
	t.Helper()
	backendsMu.Lock()
	saved := backends
	backends = make(map[Kind]BackendFactory)
	backendsMu.Unlock()
	t.Cleanup(func() {
		backendsMu.Lock()
		backends = saved
		backendsMu.Unlock()
	})
}

var errFactory = errors.New("factory called")

func stubFactory(context.Context, StorageURL, map[string]string, *ClientOptions) (Backend, error) {
	return nil, errFactory
}

func TestRegister(t *testing.T) {
	isolateRegistry(t)

	Register(KindGCS, stubFactory)
	Register(KindLocal, stubFactory)

	if !IsRegistered(KindGCS) || IsRegistered(KindS3) {
		t.Error("IsRegistered mismatch")
	}
	if got := Registered(); !slices.Equal(got, []Kind{KindLocal, KindGCS}) {
		t.Errorf("Registered = %v, want [local gcs]", got)
	}

	if _, err := OpenBackend(context.Background(), StorageURL{Kind: KindGCS}, nil, nil); !errors.Is(err, errFactory) {
		t.Errorf("OpenBackend error = %v, want the factory's error", err)
	}
	_, err := OpenBackend(context.Background(), StorageURL{Kind: KindS3}, nil, nil)
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("OpenBackend(unlinked) error = %v, want ErrUnsupportedScheme", err)
	}

	if !Unregister(KindGCS) {
		t.Error("Unregister(gcs) = false")
	}
	if Unregister(KindGCS) {
		t.Error("second Unregister(gcs) = true")
	}
}

func TestRegisterPanics(t *testing.T) {
	isolateRegistry(t)
	Register(KindMemory, stubFactory)

	tests := []struct {
		name    string
		kind    Kind
		factory BackendFactory
	}{
		{"unknown kind", Kind(42), stubFactory},
		{"nil factory", KindS3, nil},
		{"duplicate", KindMemory, stubFactory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Register did not panic")
				}
			}()
			Register(tt.kind, tt.factory)
		})
	}
}

func TestKind(t *testing.T) {
	want := []string{"local", "memory", "s3", "azure", "gcs"}
	for i, kind := range Kinds {
		if !kind.Valid() || kind.String() != want[i] {
			t.Errorf("Kinds[%d] = %v valid=%v", i, kind, kind.Valid())
		}
	}
	if Kind(0).Valid() || Kind(0).String() != "unknown" {
		t.Error("zero Kind is valid")
	}
}
