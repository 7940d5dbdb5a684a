package crash

import (
	sys "golang.org/x/sys/unix"
)

const (
	wordSize = 8

	// si_addr follows si_signo, si_errno, si_code and padding.
	siginfoAddrOffset = 16
)

func stackPointer(regs *sys.PtraceRegs) uint64 {
	return regs.Rsp
}
