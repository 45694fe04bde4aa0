package kernel

import (
	"github.com/sarchlab/svkernel/mem/vm"
	"github.com/sarchlab/svkernel/trap"
)

// System call ids.
const (
	SyscallWrite   = 64
	SyscallExit    = 93
	SyscallYield   = 124
	SyscallGetTime = 169
	SyscallGetPID  = 172
)

// File descriptors that write to the console.
const (
	Stdout = 1
	Stderr = 2
)

// MaxWrite is the largest buffer a single write copies.
const MaxWrite = 1 << 20

func (k *Kernel) syscalls() trap.SyscallTable {
	return trap.SyscallTable{
		SyscallWrite:   k.sysWrite,
		SyscallExit:    k.sysExit,
		SyscallYield:   k.sysYield,
		SyscallGetTime: k.sysGetTime,
		SyscallGetPID:  k.sysGetPID,
	}
}

// sysWrite copies a user buffer to the console. It returns -1 for a bad file
// descriptor or a buffer the user cannot read.
func (k *Kernel) sysWrite(args [3]uint64) (int64, error) {
	fd, buf, n := args[0], args[1], args[2]
	if fd != Stdout && fd != Stderr {
		return -1, nil
	}

	if n == 0 {
		return 0, nil
	}

	if n > MaxWrite {
		n = MaxWrite
	}

	data, ok := k.copyFromUser(buf, n)
	if !ok {
		return -1, nil
	}

	written, err := k.console.Write(data)
	if err != nil {
		return -1, nil
	}

	return int64(written), nil
}

func (k *Kernel) copyFromUser(buf, n uint64) ([]byte, bool) {
	start, ok := vm.FromCanonical(buf)
	if !ok || buf+n < buf {
		return nil, false
	}

	end, ok := vm.FromCanonical(buf + n - 1)
	if !ok {
		return nil, false
	}

	table := k.current.process.space.Table()
	for p := start.Floor(); p <= end.Floor(); p++ {
		_, flags, err := table.Get(p)
		if err != nil || flags&vm.FlagUser == 0 || flags&vm.FlagRead == 0 {
			return nil, false
		}
	}

	data := make([]byte, n)
	if err := table.ReadAt(start, data); err != nil {
		return nil, false
	}

	return data, true
}

// sysExit ends the current thread. Its pages are torn down once the trap has
// been dispatched.
func (k *Kernel) sysExit(args [3]uint64) (int64, error) {
	t := k.current
	t.exitCode = int64(args[0])
	t.state = ThreadExited

	return 0, nil
}

func (k *Kernel) sysYield([3]uint64) (int64, error) {
	k.preempt = true
	return 0, nil
}

// sysGetTime returns the number of instructions retired so far.
func (k *Kernel) sysGetTime([3]uint64) (int64, error) {
	return int64(k.hart.Retired()), nil
}

func (k *Kernel) sysGetPID([3]uint64) (int64, error) {
	return int64(k.current.process.pid), nil
}
