//go:build !linux

package mmapx

import "golang.org/x/sys/unix"

const mapFlags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
