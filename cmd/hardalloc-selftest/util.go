package main

import (
	"fmt"
	"unsafe"
)

func errf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func unsafeBytes(p, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), int(n))
}
