// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package subvol

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// btrfsIoctlMagic and the ioctl numbers below mirror the BTRFS_IOC_*
// definitions in linux/btrfs.h; golang.org/x/sys/unix doesn't wrap
// these (they're filesystem-specific, not generic enough for the
// unix package), so they're reproduced here the same way the kernel
// header's _IOW/_IOR macros compute them.
const btrfsIoctlMagic = 0x94

const (
	iocDirNone  = 0
	iocDirWrite = 1
	iocDirRead  = 2
)

func iocNum(dir, typ, nr, size uintptr) uintptr {
	return dir<<30 | (size&0x3fff)<<16 | typ<<8 | nr
}

// subvolNameMax is BTRFS_SUBVOL_NAME_MAX.
const subvolNameMax = 255

// volArgsV2 mirrors struct btrfs_ioctl_vol_args_v2. The union of
// {size, qgroup_inherit pointer} vs {unused[4]} is represented as a
// flat 32-byte block (matching its sizeof on amd64/arm64); antlir2
// never populates qgroup_inherit, so only the leading 8 bytes (Size)
// are ever meaningful.
type volArgsV2 struct {
	Fd      int64
	Transid uint64
	Flags   uint64
	Size    uint64
	unused  [3]uint64
	Name    [subvolNameMax + 1]byte
}

const subvolRdonly = uint64(1) << 1 // BTRFS_SUBVOL_RDONLY

var (
	iocSubvolCreateV2 = iocNum(iocDirWrite, btrfsIoctlMagic, 24, unsafe.Sizeof(volArgsV2{}))
	iocSnapCreateV2   = iocNum(iocDirWrite, btrfsIoctlMagic, 23, unsafe.Sizeof(volArgsV2{}))
	iocSnapDestroyV2  = iocNum(iocDirWrite, btrfsIoctlMagic, 63, unsafe.Sizeof(volArgsV2{}))
	iocSubvolGetFlags = iocNum(iocDirRead, btrfsIoctlMagic, 25, 8)
	iocSubvolSetFlags = iocNum(iocDirWrite, btrfsIoctlMagic, 26, 8)
)

func doIoctl(fd int, request uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
