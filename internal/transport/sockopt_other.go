//go:build !unix

package transport

import "syscall"

func controlBroadcast(_, _ string, _ syscall.RawConn) error {
	return nil
}
