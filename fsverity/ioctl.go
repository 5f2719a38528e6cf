package fsverity

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kind distinguishes the ways a verity-related ioctl can fail.
type Kind int

const (
	KindIO Kind = iota
	KindInvalidDigestAlgorithm
	KindInvalidDigestSize
)

// Error is returned by Enable and Measure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	switch e.Kind {
	case KindInvalidDigestAlgorithm:
		return "fsverity: unexpected digest algorithm in measurement"
	case KindInvalidDigestSize:
		return "fsverity: unexpected digest size in measurement"
	default:
		return "fsverity: i/o error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// The following constants and layouts mirror <linux/fsverity.h>. They are
// computed rather than sourced from a higher-level ioctl helper package
// because this repository talks to the two fsverity ioctls directly, the
// same way composefs-rs's fsverity::ioctl module wraps rustix::ioctl.
const (
	fsveritySizeofEnableArg = 4 + 4 + 4 + 4 + 8 + 4 + 4 + 8 + 8*11 // struct fsverity_enable_arg

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2

	fsverityIOCType = 'f'
)

func iocEncode(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | fsverityIOCType<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

var (
	fsIOCEnableVerity  = iocEncode(iocWrite, 133, fsveritySizeofEnableArg)
	fsIOCMeasureVerity = iocEncode(iocWrite|iocRead, 134, 4) // size field covers only the fixed header; the kernel writes past it into our buffer
)

// Enable issues FS_IOC_ENABLE_VERITY on fd, enabling fsverity with the given
// algorithm, a 4 KiB block size, and no salt or signature. The kernel
// requires fd to have no writable handle, including any that ever existed
// against the same inode in this process — callers must reopen read-only
// first (see object.Store.EnsureObject).
func Enable(fd int, algo Algorithm) error {
	buf := make([]byte, fsveritySizeofEnableArg)
	binary.LittleEndian.PutUint32(buf[0:4], 1) // version
	binary.LittleEndian.PutUint32(buf[4:8], uint32(algo))
	binary.LittleEndian.PutUint32(buf[8:12], blockSize)
	// salt_size, salt_ptr, sig_size, reserved1, sig_ptr, reserved2 all zero

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), fsIOCEnableVerity, uintptr(unsafe.Pointer(&buf[0]))); errno != 0 {
		return &Error{Kind: KindIO, Err: fmt.Errorf("FS_IOC_ENABLE_VERITY: %w", errno)}
	}
	return nil
}

// Measure issues FS_IOC_MEASURE_VERITY on fd and returns the stored digest,
// inferring the algorithm from the digest size. It returns (nil, nil) if
// the file has no verity digest — the kernel reports this via ENODATA,
// ENOTTY, or EOPNOTSUPP, all three of which spec §6 maps to "no digest"
// rather than an error; EOVERFLOW maps to InvalidDigestSize.
func Measure(fd int) (Digest, error) {
	const maxDigestSize = 64 // sha512
	buf := make([]byte, 4+maxDigestSize)
	binary.LittleEndian.PutUint16(buf[2:4], maxDigestSize) // digest_size, input hint

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), fsIOCMeasureVerity, uintptr(unsafe.Pointer(&buf[0])))
	switch {
	case errno == 0:
		algo := Algorithm(binary.LittleEndian.Uint16(buf[0:2]))
		size := int(binary.LittleEndian.Uint16(buf[2:4]))
		if size <= 0 || 4+size > len(buf) {
			return nil, &Error{Kind: KindInvalidDigestSize, Err: fmt.Errorf("fsverity: kernel returned implausible digest size %d", size)}
		}
		if algo.Size() != 0 && algo.Size() != size {
			return nil, &Error{Kind: KindInvalidDigestAlgorithm, Err: fmt.Errorf("fsverity: digest size %d does not match algorithm %s", size, algo)}
		}
		digest := make([]byte, size)
		copy(digest, buf[4:4+size])
		return Digest(digest), nil
	case errors.Is(errno, unix.ENODATA), errors.Is(errno, unix.ENOTTY), errors.Is(errno, unix.EOPNOTSUPP):
		return nil, nil
	case errors.Is(errno, unix.EOVERFLOW):
		return nil, &Error{Kind: KindInvalidDigestSize, Err: fmt.Errorf("FS_IOC_MEASURE_VERITY: %w", errno)}
	default:
		return nil, &Error{Kind: KindIO, Err: fmt.Errorf("FS_IOC_MEASURE_VERITY: %w", errno)}
	}
}
