package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/content/oci"
	"oras.land/oras-go/v2/errdef"

	"skillvault/internal/apperr"
	"skillvault/internal/signing"
)

// MediaTypeBundle labels bundle blobs in the local layout.
const MediaTypeBundle = "application/vnd.skillvault.bundle.v1.tar+gzip"

// Local keeps bundles in an OCI image layout on disk. Content IDs are the
// blob digests, so uploads are free and idempotent.
type Local struct {
	root  string
	inner *oci.Store
}

func NewLocal(root string) (*Local, error) {
	inner, err := oci.New(root)
	if err != nil {
		return nil, apperr.FileSystem("FS_OBJECT_STORE", root, err)
	}
	return &Local{root: root, inner: inner}, nil
}

func (l *Local) Root() string { return l.root }

func (l *Local) Upload(ctx context.Context, blob []byte, _ signing.Signer) (Receipt, error) {
	d := digest.FromBytes(blob)
	desc := ocispec.Descriptor{
		MediaType: MediaTypeBundle,
		Digest:    d,
		Size:      int64(len(blob)),
	}
	if err := l.inner.Push(ctx, desc, bytes.NewReader(blob)); err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return Receipt{}, apperr.FileSystem("FS_OBJECT_WRITE", l.root, err)
	}
	return Receipt{ContentID: d.String(), Cost: 0}, nil
}

func (l *Local) Download(ctx context.Context, contentID string) ([]byte, error) {
	d, err := digest.Parse(contentID)
	if err != nil {
		return nil, contentIDError(contentID)
	}
	rc, err := l.inner.Fetch(ctx, ocispec.Descriptor{Digest: d})
	if err != nil {
		return nil, apperr.FileSystem("FS_OBJECT_READ", contentID, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, apperr.FileSystem("FS_OBJECT_READ", contentID, err)
	}
	if got := digest.FromBytes(data); got != d {
		return nil, apperr.FileSystem("FS_OBJECT_CORRUPT", contentID, fmt.Errorf("digest mismatch: got %s", got))
	}
	return data, nil
}
