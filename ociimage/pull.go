package ociimage

import (
	"compress/gzip"
	"context"
	"io"
	"strings"

	"github.com/containers/composefs-repo/errs"
	"github.com/containers/composefs-repo/fsverity"
	"github.com/containers/composefs-repo/repo"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Descriptor is the minimal subset of an OCI content descriptor the puller
// needs: enough to ask the external OCI client for bytes and to know how
// to decompress them. The full descriptor type (annotations, platform,
// etc.) belongs to the OCI fetch client, which spec §1 places out of
// scope.
type Descriptor struct {
	Digest    digest.Digest
	Size      int64
	MediaType string
}

// OCIClient is the external collaborator that yields raw bytes for a given
// descriptor (spec §1: "the OCI fetch client... treated as an external
// collaborator that yields raw bytes for a given descriptor"). This
// repository never implements a registry client; it only drives one
// through this seam.
type OCIClient interface {
	// FetchBlob returns a stream of desc's raw (possibly compressed) bytes.
	FetchBlob(ctx context.Context, desc Descriptor) (io.ReadCloser, error)
	// FetchManifest resolves ref to its manifest digest and raw bytes.
	FetchManifest(ctx context.Context, ref string) (digest.Digest, []byte, error)
}

func decompressStream(mediaType string, r io.Reader) (io.Reader, error) {
	switch {
	case strings.HasSuffix(mediaType, "+gzip"):
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, errs.Wrapf(errs.KindIO, err, "opening gzip decompressor for %s", mediaType)
		}
		return zr, nil
	case strings.HasSuffix(mediaType, "+zstd"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, errs.Wrapf(errs.KindIO, err, "opening zstd decompressor for %s", mediaType)
		}
		return zr.IOReadCloser(), nil
	default:
		return r, nil
	}
}

// PullLayer drives spec §5's remote-pull shape for one blob: a fetch
// driver task streams desc's compressed bytes from client into an
// io.Pipe, while the consumer task (running concurrently, not after)
// decompresses and splits them straight into the object store via
// ImportLayer. errgroup.Group owns both tasks and propagates whichever
// fails first; cancelling ctx (e.g. by the caller abandoning the pull)
// tears down both sides instead of deadlocking one waiting on the other.
//
// Grounded on copy/blob.go's goroutine-piped decompression pipeline,
// adapted from containers-image's internal io.Pipe staging to this
// repository's two-task fetch-driver/consumer split (spec §5: "two tasks
// are live per blob... the consumer must finish before the driver is
// awaited or it deadlocks" — satisfied here because both tasks run under
// the same errgroup and Wait blocks on both, never on the driver alone).
func PullLayer(ctx context.Context, client OCIClient, r *repo.Repository, desc Descriptor, name string) (fsverity.Digest, error) {
	// pullID has no on-disk role (ImportLayer already dedupes on content
	// sha256); it only tags this pull's log lines so concurrent pulls of
	// different layers don't interleave into one indistinguishable stream,
	// matching promo-tools' use of a uuid per in-flight artifact operation.
	pullID := uuid.NewString()
	log := logrus.WithFields(logrus.Fields{"pull_id": pullID, "digest": desc.Digest})
	log.Debug("ociimage: starting layer pull")

	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer pw.Close()
		rc, err := client.FetchBlob(gctx, desc)
		if err != nil {
			return errs.Wrapf(errs.KindIO, err, "fetching blob %s", desc.Digest)
		}
		defer rc.Close()
		if _, err := io.Copy(pw, rc); err != nil {
			pw.CloseWithError(err)
			return errs.Wrapf(errs.KindIO, err, "streaming blob %s from OCI client", desc.Digest)
		}
		return nil
	})

	var verity fsverity.Digest
	g.Go(func() error {
		defer pr.Close()
		decompressed, err := decompressStream(desc.MediaType, pr)
		if err != nil {
			return err
		}
		v, err := ImportLayer(r, desc.Digest, decompressed, name)
		if err != nil {
			pr.CloseWithError(err)
			return err
		}
		verity = v
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, pkgerrors.Wrapf(err, "pull %s: layer %s", pullID, desc.Digest)
	}
	log.Debug("ociimage: layer pull complete")
	return verity, nil
}

// PullConfig fetches an image's config blob and returns its bytes without
// storing them (the blob is never compressed per the OCI spec, so no
// decompression stage applies), and without resolving
// its layer digest map — callers import layers first via PullLayer and
// pass the resulting map to ImportConfig themselves, matching
// compose_filesystem's layer-then-config ordering.
func PullConfig(ctx context.Context, client OCIClient, desc Descriptor) ([]byte, error) {
	rc, err := client.FetchBlob(ctx, desc)
	if err != nil {
		return nil, errs.Wrapf(errs.KindIO, err, "fetching config blob %s", desc.Digest)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errs.Wrapf(errs.KindIO, err, "reading config blob %s", desc.Digest)
	}
	return data, nil
}
