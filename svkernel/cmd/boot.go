package cmd

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/sarchlab/svkernel/kernel"
	"github.com/sarchlab/svkernel/program"
	"github.com/sarchlab/svkernel/simulation"
)

func newBootCmd() *cobra.Command {
	bootCmd := &cobra.Command{
		Use:   "boot",
		Short: "Boot the kernel and run programs until they all exit.",
		Long: "`boot --image a.elf --image b.elf` loads every image into its " +
			"own process and schedules them round robin. Without images, a " +
			"demo program that prints a greeting runs.",
		RunE: runBoot,
	}

	bootCmd.Flags().StringSlice("image", nil, "ELF images to run")
	bootCmd.Flags().String("record", "", "Trace database path, without extension")
	bootCmd.Flags().String("clickhouse", "", "Record into the ClickHouse server at this address")
	bootCmd.Flags().Bool("monitor", false, "Serve the kernel state over HTTP")
	bootCmd.Flags().Int("port", 0, "Port of the monitoring server")
	bootCmd.Flags().Bool("open", false, "Open the monitor in a browser and wait for Ctrl+C")
	bootCmd.Flags().Int("time-slice", -1, "Instructions between timer interrupts, 0 to disable")
	bootCmd.Flags().Bool("log-traps", false, "Print every trap to stderr")

	return bootCmd
}

func runBoot(cmd *cobra.Command, _ []string) error {
	c, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	record, _ := flags.GetString("record")
	clickHouse, _ := flags.GetString("clickhouse")
	monitor, _ := flags.GetBool("monitor")
	port, _ := flags.GetInt("port")
	open, _ := flags.GetBool("open")
	timeSlice, _ := flags.GetInt("time-slice")
	logTraps, _ := flags.GetBool("log-traps")

	if record != "" {
		c.RecordPath = record
	}

	if clickHouse != "" {
		c.ClickHouseAddr = clickHouse
	}

	if port != 0 {
		c.MonitorPort = port
	}

	if timeSlice >= 0 {
		c.TimeSlice = timeSlice
	}

	c.LogTraps = c.LogTraps || logTraps
	monitor = monitor || open

	images, err := readImages(flags.GetStringSlice("image"))
	if err != nil {
		return err
	}

	b := simulation.MakeBuilder().
		WithKernelBuilder(kernel.MakeBuilder().WithConsole(cmd.OutOrStdout()))
	if !monitor {
		b = b.WithoutMonitoring()
		c.MonitorPort = 0
	}

	s, err := b.WithConfig(c).Build()
	if err != nil {
		return err
	}
	defer s.Terminate()

	for i, image := range images {
		if _, err := s.Spawn(image); err != nil {
			return fmt.Errorf("loading image %d: %w", i, err)
		}
	}

	if open {
		url := fmt.Sprintf("http://localhost:%d", s.MonitorPort())
		if err := browser.OpenURL(url); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Cannot open %s: %v\n", url, err)
		}
	}

	err = s.Run()
	s.Report(cmd.ErrOrStderr())

	if err != nil {
		return err
	}

	if open {
		fmt.Fprintln(cmd.ErrOrStderr(), "All processes exited. Press Ctrl+C to stop the monitor.")
		waitForInterrupt()
	}

	return nil
}

func readImages(paths []string, err error) ([][]byte, error) {
	if err != nil {
		return nil, err
	}

	if len(paths) == 0 {
		return [][]byte{program.Demo()}, nil
	}

	images := make([][]byte, 0, len(paths))
	for _, p := range paths {
		image, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}

		images = append(images, image)
	}

	return images, nil
}

func waitForInterrupt() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt)
	<-signals
}
