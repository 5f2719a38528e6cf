package tarsplit

import (
	"strconv"
	"strings"

	"github.com/containers/composefs-repo/errs"
)

// Tar typeflag bytes, matching archive/tar's constants but kept local so
// this package can parse raw 512-byte headers without going through
// archive/tar's own (normalizing) Reader — we need the exact header bytes
// preserved for the split stream's byte-for-byte reproducibility guarantee.
const (
	typeRegular       = '0'
	typeRegularAlt    = '\x00' // older tar writers leave this field zero
	typeLink          = '1'
	typeSymlink       = '2'
	typeChar          = '3'
	typeBlock         = '4'
	typeDir           = '5'
	typeFifo          = '6'
	typeContinuous    = '7'
	typeXHeader       = 'x'
	typeXGlobalHeader = 'g'
	typeGNULongName   = 'L'
	typeGNULongLink   = 'K'
)

// rawHeader is the subset of a 512-byte tar header this package needs
// before dispatching on entry type.
type rawHeader struct {
	Name     string
	LinkName string
	Mode     int64
	UID      int64
	GID      int64
	Size     int64
	MtimeSec int64
	Typeflag byte
	Major    int64
	Minor    int64
	HasMajorMinor bool
}

func parseOctal(field []byte) (int64, error) {
	// GNU tar's base-256 extension: high bit of the first byte set.
	if len(field) > 0 && field[0]&0x80 != 0 {
		var v int64
		for i, b := range field {
			if i == 0 {
				v = int64(b & 0x7f)
				continue
			}
			v = v<<8 | int64(b)
		}
		return v, nil
	}
	s := strings.TrimRight(strings.TrimLeft(string(field), " "), " \x00")
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 8, 64)
	if err != nil {
		return 0, errs.Wrapf(errs.KindCorrupt, err, "parsing tar octal field %q", s)
	}
	return v, nil
}

func cstr(field []byte) string {
	for i, b := range field {
		if b == 0 {
			return string(field[:i])
		}
	}
	return string(field)
}

// parseRawHeader parses the USTAR/GNU fixed-layout fields out of a
// 512-byte header block.
func parseRawHeader(b []byte) (*rawHeader, error) {
	if len(b) != blockSize {
		return nil, errs.Newf(errs.KindCorrupt, "tar header block has wrong length %d", len(b))
	}
	h := &rawHeader{}
	h.Name = cstr(b[0:100])
	var err error
	if h.Mode, err = parseOctal(b[100:108]); err != nil {
		return nil, err
	}
	if h.UID, err = parseOctal(b[108:116]); err != nil {
		return nil, err
	}
	if h.GID, err = parseOctal(b[116:124]); err != nil {
		return nil, err
	}
	if h.Size, err = parseOctal(b[124:136]); err != nil {
		return nil, err
	}
	if h.MtimeSec, err = parseOctal(b[136:148]); err != nil {
		return nil, err
	}
	h.Typeflag = b[156]
	if h.Typeflag == typeRegularAlt {
		h.Typeflag = typeRegular
	}
	h.LinkName = cstr(b[157:257])

	magic := string(b[257:263])
	if magic == "ustar\x00" || magic == "ustar " {
		prefix := cstr(b[345:500])
		if prefix != "" {
			h.Name = prefix + "/" + h.Name
		}
		if h.Typeflag == typeBlock || h.Typeflag == typeChar {
			if major, err := parseOctal(b[329:337]); err == nil {
				h.Major = major
				h.HasMajorMinor = true
			}
			if minor, err := parseOctal(b[337:345]); err == nil {
				h.Minor = minor
			}
		}
	}
	return h, nil
}
