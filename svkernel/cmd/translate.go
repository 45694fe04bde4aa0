package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sarchlab/svkernel/kernel"
	"github.com/sarchlab/svkernel/mem/vm"
	"github.com/sarchlab/svkernel/mem/vm/pagetable"
	"github.com/sarchlab/svkernel/program"
)

func newTranslateCmd() *cobra.Command {
	translateCmd := &cobra.Command{
		Use:   "translate ADDRESS...",
		Short: "Translate virtual addresses through the page table of a program.",
		Long: "`translate --image a.elf 0x10000` loads the image into a " +
			"process and walks its page table for every address. With " +
			"--kernel, the kernel page table is walked instead.",
		Args: cobra.MinimumNArgs(1),
		RunE: runTranslate,
	}

	translateCmd.Flags().String("image", "", "ELF image to load, the demo if empty")
	translateCmd.Flags().Bool("kernel", false, "Walk the kernel page table")

	return translateCmd
}

func runTranslate(cmd *cobra.Command, args []string) error {
	c, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	k, err := kernel.MakeBuilder().
		WithConfig(c).
		WithConsole(io.Discard).
		Build()
	if err != nil {
		return err
	}

	table := k.Space().Table()

	if onKernel, _ := cmd.Flags().GetBool("kernel"); !onKernel {
		image := program.Demo()
		if path, _ := cmd.Flags().GetString("image"); path != "" {
			image, err = os.ReadFile(path)
			if err != nil {
				return err
			}
		}

		p, err := k.Spawn(image)
		if err != nil {
			return err
		}

		table = p.Space().Table()
	}

	for _, arg := range args {
		addr, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			return fmt.Errorf("bad address %q: %w", arg, err)
		}

		printTranslation(cmd.OutOrStdout(), table, addr)
	}

	return nil
}

func printTranslation(w io.Writer, table *pagetable.Table, addr uint64) {
	va, ok := vm.FromCanonical(addr)
	if !ok {
		fmt.Fprintf(w, "0x%x: not canonical\n", addr)
		return
	}

	pa, err := table.Translate(va)
	if err != nil {
		fmt.Fprintf(w, "0x%x: %v\n", addr, err)
		return
	}

	_, flags, _ := table.Get(va.Floor())
	fmt.Fprintf(w, "0x%x -> 0x%x %s\n", addr, uint64(pa), flags)
}
