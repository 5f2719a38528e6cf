package ociimage

import (
	"bytes"
	"encoding/json"

	"github.com/containers/composefs-repo/dumpfile"
	"github.com/containers/composefs-repo/errs"
	"github.com/containers/composefs-repo/external"
	"github.com/containers/composefs-repo/fstree"
	"github.com/containers/composefs-repo/fsverity"
	"github.com/containers/composefs-repo/repo"
	"github.com/containers/composefs-repo/selabel"
	"github.com/containers/composefs-repo/tarsplit"
	"github.com/opencontainers/go-digest"
	imgspec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
)

// sealLabel is the well-known OCI config label a sealed image's own
// fsverity digest is written into (spec §3 glossary: "Sealed image"),
// matching the SPEC_FULL.md domain-stack decision to use image-spec's
// config Labels map rather than inventing a side channel.
const sealLabel = "containers.composefs.fsverity"

// ApplyLayerStream iterates every tar entry in layerStream and applies it
// to root, in order, matching the replay semantics of spec §4.5.
func ApplyLayerStream(root *fstree.Root, layerStream *repo.StreamReader) error {
	tr := tarsplit.NewReader(layerStream.Reader)
	for {
		entry, err := tr.Next()
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		if err := root.Apply(entry); err != nil {
			return err
		}
	}
}

// ComposeFilesystem implements spec §4.5's compose_filesystem plus the
// config-driven case: it opens configName (verified against configVerity
// when non-nil), decodes it as an OCI image config, and for every
// rootfs.diff_id resolves the layer's fsverity digest through the config
// stream's digest map, replaying each resolved layer's entries into a
// fresh tree in order.
func ComposeFilesystem(r *repo.Repository, configName string, configVerity fsverity.Digest) (*fstree.Root, *imgspec.Image, error) {
	configStream, err := r.OpenStream(configName, configVerity)
	if err != nil {
		return nil, nil, err
	}
	defer configStream.Close()

	rawConfig, err := readWholeStream(r, configStream)
	if err != nil {
		return nil, nil, err
	}
	var cfg imgspec.Image
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, nil, errs.Wrapf(errs.KindCorrupt, err, "decoding OCI image config %q", configName)
	}

	digestMap := configStream.DigestMap()
	root := fstree.NewRoot()
	for _, diffID := range cfg.RootFS.DiffIDs {
		layerVerity, ok := digestMap.Lookup(diffID)
		if !ok {
			return nil, nil, errLayerNotInDigestMap(diffID)
		}
		if err := applyLayerByVerity(r, root, layerVerity); err != nil {
			return nil, nil, err
		}
	}
	return root, &cfg, nil
}

func applyLayerByVerity(r *repo.Repository, root *fstree.Root, verity fsverity.Digest) error {
	layerStream, err := r.OpenStream(verity.Hex(), verity)
	if err != nil {
		return err
	}
	defer layerStream.Close()
	return ApplyLayerStream(root, layerStream)
}

// AssembleOptions controls the optional stages of AssembleImage beyond the
// mandatory layer replay.
type AssembleOptions struct {
	// Relabel runs the SELinux file-context relabeler (spec §4.7) over the
	// assembled tree before serialization. It is a no-op if the tree has no
	// /etc/selinux/config, so leaving this true is safe for non-SELinux
	// images.
	Relabel bool
}

// AssembleImage implements spec §4.5's create_image: composes the tree from
// configName's layer list, finalizes the root stat, optionally relabels,
// serializes to a dumpfile, pipes it through the external packer, and
// stores the resulting EROFS blob as an image object (named imageName, if
// non-empty).
func AssembleImage(r *repo.Repository, configName string, configVerity fsverity.Digest, imageName string, opts AssembleOptions) (fsverity.Digest, error) {
	root, _, err := ComposeFilesystem(r, configName, configVerity)
	if err != nil {
		return nil, err
	}
	root.FinalizeRoot()

	if opts.Relabel {
		if err := selabel.Relabel(root, r.Store); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := dumpfile.Write(&buf, root); err != nil {
		return nil, err
	}
	erofsImage, err := external.Pack(&buf)
	if err != nil {
		return nil, err
	}
	verity, err := r.WriteImage(erofsImage, imageName)
	if err != nil {
		return nil, err
	}
	logrus.WithField("image", imageName).Debugf("ociimage: assembled image -> verity=%s", verity.Hex())
	return verity, nil
}

// SealConfig implements the "sealed image" supplemented feature
// (SPEC_FULL.md §2, §4): it writes imageVerity's hex encoding into cfg's
// well-known containers.composefs.fsverity label, re-marshals the config,
// and imports the result as a new Split Stream (named name, if non-empty),
// preserving layerDigests as the new stream's digest map so the sealed
// config remains independently resolvable. It returns the new config's own
// content hash and fsverity digest so a caller's manifest/descriptor logic
// (out of scope here) can reference it.
func SealConfig(r *repo.Repository, cfg *imgspec.Image, imageVerity fsverity.Digest, layerDigests map[digest.Digest]fsverity.Digest, name string) (digest.Digest, fsverity.Digest, error) {
	sealed := *cfg
	if sealed.Config.Labels == nil {
		sealed.Config.Labels = map[string]string{}
	} else {
		labels := make(map[string]string, len(sealed.Config.Labels)+1)
		for k, v := range sealed.Config.Labels {
			labels[k] = v
		}
		sealed.Config.Labels = labels
	}
	sealed.Config.Labels[sealLabel] = imageVerity.Hex()

	rawSealed, err := json.Marshal(&sealed)
	if err != nil {
		return "", nil, errs.Wrapf(errs.KindCorrupt, err, "re-marshaling sealed OCI image config")
	}

	streamVerity, err := ImportConfig(r, rawSealed, layerDigests, name)
	if err != nil {
		return "", nil, err
	}
	return digest.FromBytes(rawSealed), streamVerity, nil
}
