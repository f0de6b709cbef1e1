package mmap

import "os"

// Fdatasync flushes the file's data (but not necessarily its metadata, like
// modification time) to stable storage. Mapped readers see the data either way.
//
// Errors returned by this function are not recoverable: many file systems
// mark dirty pages clean after a failed sync, so a caller cannot tell what
// reached the disk. Treat an error as store corruption.
func Fdatasync(f *os.File) error {
	return fdatasync(f)
}
