package crash

import (
	sys "golang.org/x/sys/unix"
)

const (
	wordSize = 4

	// si_addr follows si_signo, si_errno and si_code.
	siginfoAddrOffset = 12
)

func stackPointer(regs *sys.PtraceRegs) uint64 {
	return uint64(uint32(regs.Esp))
}
