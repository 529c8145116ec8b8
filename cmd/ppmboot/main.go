// Command ppmboot is the host-side CLI entry point: it connects to the pod
// over a serial link, enters programming mode, and runs a program or
// verify action against one memory region from a HEX image. It also
// offers an interactive REPL for driving ad hoc do_action calls, in the
// teacher's Klipper-host command-loop shape (host/cmd/gopper-host), with
// shlex tokenizing each typed line instead of strings.Fields so quoted
// paths with spaces survive.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/google/shlex"
	"github.com/loopholelabs/logging"
	"github.com/loopholelabs/logging/types"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"ppmboot/bootloader"
	hostserial "ppmboot/host/serial"
	"ppmboot/hexcontainer"
	"ppmboot/hostlink"
	"ppmboot/metrics"
	"ppmboot/ppm"
	"ppmboot/ppmerr"
	"ppmboot/runconfig"
	"ppmboot/runid"
)

var (
	flagDevice      string
	flagBitrateBps  float64
	flagManualPower bool
	flagBroadcast   bool
	flagCatalogPath string
	flagConfigPath  string
)

func main() {
	root := &cobra.Command{
		Use:   "ppmboot",
		Short: "Host-side PPM bootloader for automotive mixed-signal microcontrollers",
	}
	root.PersistentFlags().StringVar(&flagDevice, "device", "", "pod serial device path")
	root.PersistentFlags().Float64Var(&flagBitrateBps, "bitrate", 0, "average PPM bitrate in bits/sec")
	root.PersistentFlags().BoolVar(&flagManualPower, "manual-power", false, "operator cycles target power manually")
	root.PersistentFlags().BoolVar(&flagBroadcast, "broadcast", false, "operate without acks (shared-bus broadcast mode)")
	root.PersistentFlags().StringVar(&flagCatalogPath, "catalog", "", "path to the chip-descriptor catalog JSON file")
	root.PersistentFlags().StringVar(&flagConfigPath, "config", "ppmboot.hcl", "path to an optional HCL bench config file")

	root.AddCommand(newProgramCmd(), newVerifyCmd(), newReplCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newProgramCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "program <memory> <hex-file>",
		Short: "Program a memory region from a HEX image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(bootloader.ActionProgram, args[0], args[1])
		},
	}
	return cmd
}

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <memory> <hex-file>",
		Short: "Verify a memory region against a HEX image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(bootloader.ActionVerify, args[0], args[1])
		},
	}
	return cmd
}

func newReplCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Interactive programming console",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepl()
		},
	}
}

func parseMemory(name string) (bootloader.Memory, error) {
	switch name {
	case "flash":
		return bootloader.MemoryFlash, nil
	case "flash-cs":
		return bootloader.MemoryFlashCS, nil
	case "nvram", "eeprom":
		return bootloader.MemoryNvram, nil
	default:
		return 0, fmt.Errorf("unknown memory %q (want flash, flash-cs, or nvram)", name)
	}
}

// setup wires the ambient stack (logger, config, metrics, correlation id)
// and the domain stack (serial link, hostlink RPC, line driver, catalog)
// for one CLI invocation.
func setup() (*bootloader.Orchestrator, types.Logger, error) {
	var log types.Logger = logging.New(logging.Zerolog, "ppmboot", os.Stderr)
	id := runid.New()
	log = log.With().Str("run_id", id.String()).Logger()

	fileCfg, err := runconfig.Load(flagConfigPath)
	if err != nil {
		return nil, log, errors.Wrap(err, "loading config")
	}
	fileCfg.ApplyDefaults(&flagDevice, &flagBitrateBps, &flagManualPower, &flagBroadcast, &flagCatalogPath)

	if flagDevice == "" {
		return nil, log, fmt.Errorf("no pod device given (--device or config file)")
	}
	if flagCatalogPath == "" {
		return nil, log, fmt.Errorf("no chip catalog given (--catalog or config file)")
	}

	catalogData, err := os.ReadFile(flagCatalogPath)
	if err != nil {
		return nil, log, errors.Wrap(err, "reading catalog")
	}
	catalog, err := bootloader.LoadCatalogJSON(catalogData)
	if err != nil {
		return nil, log, errors.Wrap(err, "parsing catalog")
	}

	port, err := hostserial.Open(hostserial.DefaultConfig(flagDevice))
	if err != nil {
		return nil, log, errors.Wrap(err, "opening pod link")
	}
	link := hostlink.NewLink(port)

	tx, err := link.ConfigureTx(0, 0, false, false)
	if err != nil {
		return nil, log, errors.Wrap(err, "configuring transmitter")
	}
	rx, err := link.ConfigureRx(1, 0, false)
	if err != nil {
		return nil, log, errors.Wrap(err, "configuring receiver")
	}

	driver := ppm.NewDriver(link, tx, rx)
	m := metrics.New(prometheus.DefaultRegisterer, metrics.DefaultConfig())
	orch := bootloader.NewOrchestrator(driver, catalog, nil, m)
	return orch, log, nil
}

func runAction(action bootloader.Action, memoryName, hexPath string) error {
	mem, err := parseMemory(memoryName)
	if err != nil {
		return err
	}
	orch, log, err := setup()
	if err != nil {
		return err
	}
	f, err := os.Open(hexPath)
	if err != nil {
		return errors.Wrap(err, "opening HEX image")
	}
	defer f.Close()
	img, err := hexcontainer.Parse(f)
	if err != nil {
		return err
	}

	ctx := context.Background()
	err = orch.DoAction(ctx, flagManualPower, flagBroadcast, flagBitrateBps, mem, action, img)
	if err != nil {
		log.Error().Err(err).Int32("code", int32(ppmerr.CodeOf(err))).Msg("action failed")
		return err
	}
	log.Info().Msg("action succeeded")
	return nil
}

func runRepl() error {
	orch, log, err := setup()
	if err != nil {
		return err
	}
	fmt.Println("ppmboot REPL — type 'program <memory> <hex-file>', 'verify <memory> <hex-file>', or 'quit'")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return nil
		}
		fields, err := shlex.Split(scanner.Text())
		if err != nil || len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit", "exit":
			return nil
		case "program", "verify":
			if len(fields) != 3 {
				fmt.Println("usage: program|verify <memory> <hex-file>")
				continue
			}
			mem, err := parseMemory(fields[1])
			if err != nil {
				fmt.Println(err)
				continue
			}
			f, err := os.Open(fields[2])
			if err != nil {
				fmt.Println(err)
				continue
			}
			img, err := hexcontainer.Parse(f)
			f.Close()
			if err != nil {
				fmt.Println(err)
				continue
			}
			action := bootloader.ActionProgram
			if fields[0] == "verify" {
				action = bootloader.ActionVerify
			}
			ctx := context.Background()
			if err := orch.DoAction(ctx, flagManualPower, flagBroadcast, flagBitrateBps, mem, action, img); err != nil {
				log.Error().Err(err).Msg("action failed")
				continue
			}
			fmt.Println("ok")
		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}
