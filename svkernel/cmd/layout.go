package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sarchlab/svkernel/mem/vm"
	"github.com/sarchlab/svkernel/mem/vm/addrspace"
)

func newLayoutCmd() *cobra.Command {
	layoutCmd := &cobra.Command{
		Use:   "layout",
		Short: "Print the kernel address space and the pages of a thread.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			if err := c.Validate(); err != nil {
				return err
			}

			tid, _ := cmd.Flags().GetInt("tid")
			if tid < 0 || tid > addrspace.MaxTID {
				return fmt.Errorf("thread id %d is out of [0, %d]",
					tid, addrspace.MaxTID)
			}

			w := cmd.OutOrStdout()
			layout := addrspace.DefaultKernelLayout(
				c.MemoryStart, c.KernelEnd, c.MemoryEnd)
			printKernelLayout(w, layout)
			printThreadLayout(w, tid)

			return nil
		},
	}

	layoutCmd.Flags().Int("tid", 0, "Thread whose pages are printed")

	return layoutCmd
}

func printKernelLayout(w io.Writer, layout addrspace.KernelLayout) {
	fmt.Fprintf(w, "entry       0x%x\n", uint64(layout.Entry))

	for _, r := range layout.MMIO {
		printRange(w, "mmio", r)
	}

	printRange(w, "text", layout.Text)
	printRange(w, "rodata", layout.ROData)
	printRange(w, "data", layout.Data)
	printRange(w, "bss", layout.BSS)
	printRange(w, "frames", layout.Frames)
	fmt.Fprintf(w, "trampoline  0x%x\n", addrspace.PageAddr(addrspace.Trampoline))
}

func printRange(w io.Writer, name string, r addrspace.Range) {
	fmt.Fprintf(w, "%-11s 0x%x - 0x%x\n",
		name, uint64(r.Start.Addr()), uint64((r.End+1).Addr())-1)
}

func printThreadLayout(w io.Writer, tid int) {
	ctx := addrspace.TrapContextPage(tid)
	kstack := addrspace.KernelStack(tid)

	fmt.Fprintf(w, "thread %d\n", tid)
	fmt.Fprintf(w, "  context   0x%x\n", addrspace.PageAddr(ctx))
	fmt.Fprintf(w, "  kstack    0x%x - 0x%x\n",
		addrspace.PageAddr(kstack.Start),
		addrspace.PageAddr(kstack.End)+vm.PageSize-1)
	fmt.Fprintf(w, "  kernel sp 0x%x\n", addrspace.StackPointer(kstack))
}
