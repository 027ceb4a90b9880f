// Command esp8266flash is the CLI front-end for the ESP8266 flashing
// core: it parses options, resolves the firmware bundle and serial
// ports (collaborators the core spec explicitly leaves out), and
// drives internal/orchestrator, rendering its event stream as a
// progress bar and log lines.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	paths "github.com/arduino/go-paths-helper"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	cleanup "go.bug.st/cleanup"

	"github.com/cesanta/esp8266-flasher/embedded"
	"github.com/cesanta/esp8266-flasher/internal/config"
	"github.com/cesanta/esp8266-flasher/internal/hal"
	"github.com/cesanta/esp8266-flasher/internal/idblock"
	"github.com/cesanta/esp8266-flasher/internal/logging"
	"github.com/cesanta/esp8266-flasher/internal/orchestrator"
	"github.com/cesanta/esp8266-flasher/internal/prompter"
	"github.com/cesanta/esp8266-flasher/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag     string
	baudFlag     int
	logLevelFlag string
	logFileFlag  string
	boardFlag    string
	profilesFlag string
	headlessFlag bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "esp8266flash",
		Short: "Flash firmware to ESP8266 devices",
	}
	rootCmd.PersistentFlags().StringVarP(&portFlag, "port", "p", "", "control serial port (auto-detect if not specified)")
	rootCmd.PersistentFlags().IntVarP(&baudFlag, "baud", "b", 230400, "flashing baud rate (wire name: flash-baud-rate)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFileFlag, "log-file", "", "also write a plain-text log to this file")
	rootCmd.PersistentFlags().BoolVar(&headlessFlag, "headless", false, "never prompt interactively; always take the default choice")

	flashCmd := newFlashCmd()
	flashCmd.Flags().StringVar(&boardFlag, "board", "", "board profile name from --board-profiles")
	flashCmd.Flags().StringVar(&profilesFlag, "board-profiles", "", "YAML file of board profiles (esp8266-flash-size/esp8266-flash-params presets)")

	rootCmd.AddCommand(flashCmd, newListCmd(), newVersionCmd(), newIDBlockCmd(), newInfoCmd())

	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("esp8266flash %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := serial.ListPorts()
			if err != nil {
				return err
			}
			for _, p := range ports {
				fmt.Println(p)
			}
			return nil
		},
	}
}

// newIDBlockCmd generates a provisioning ID block (spec §6/Non-goals:
// "chip provisioning beyond writing an ID block" is out of scope, but
// producing the block itself is in) for the operator to embed into a
// bundle offline, via the (out-of-scope) bundle assembler.
func newIDBlockCmd() *cobra.Command {
	var domain string
	var outPath string
	cmd := &cobra.Command{
		Use:   "idblock",
		Short: "Generate a device provisioning ID block",
		RunE: func(cmd *cobra.Command, args []string) error {
			if domain == "" {
				d, err := idblock.DefaultDomain()
				if err != nil {
					return err
				}
				domain = d
			}
			block, err := idblock.Make(domain)
			if err != nil {
				return err
			}
			if outPath == "" {
				fmt.Println(hex.EncodeToString(block))
				return nil
			}
			return os.WriteFile(outPath, block, 0644)
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "domain salt (defaults to a per-host machine ID)")
	cmd.Flags().StringVar(&outPath, "out", "", "write the raw block here instead of printing hex")
	return cmd
}

// newInfoCmd probes a connected chip's ROM bootloader and reports its
// MAC address, without launching a flasher stub or touching flash
// contents — the hal.Backend.Probe half of the backend contract that
// the flash pipeline itself never needs.
func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Probe a connected chip and report its MAC address",
		RunE: func(cmd *cobra.Command, args []string) error {
			portName := portFlag
			if portName == "" {
				ports, err := serial.ListPorts()
				if err != nil || len(ports) == 0 {
					return fmt.Errorf("no serial port specified and none auto-detected: %w", err)
				}
				portName = ports[0]
			}
			control, err := serial.Open(portName, baudFlag)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", portName, err)
			}
			defer control.Close()

			backend, err := hal.For(hal.ESP8266, control, nil)
			if err != nil {
				return err
			}
			mac, err := backend.Probe()
			if err != nil {
				return fmt.Errorf("probe failed: %w", err)
			}
			fmt.Printf("%s: %02x:%02x:%02x:%02x:%02x:%02x\n", backend.Name(),
				mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
			return nil
		},
	}
}

func newFlashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flash <bundle.yaml>",
		Short: "Flash a firmware bundle to a connected ESP8266",
		Args:  cobra.ExactArgs(1),
		RunE:  runFlash,
	}
	addOptionFlags(cmd)
	return cmd
}

// addOptionFlags registers every option-surface name from spec §6 as
// a cobra flag. Flag values are read back by name in buildOptions, so
// internal/config's BoolValue/Value resolution (never IsSet) governs
// what the orchestrator sees, per the Open Question decision.
func addOptionFlags(cmd *cobra.Command) {
	cmd.Flags().String("esp8266-flash-size", "", "override detected flash size (bytes)")
	cmd.Flags().String("esp8266-flash-params", "", "override flash-params word (numeric or mode,size,freq)")
	cmd.Flags().String("esp8266-flashing-data-port", "", "secondary high-throughput serial port")
	cmd.Flags().String("esp8266-spiffs-offset", "0xec000", "SPIFFS image offset in flash")
	cmd.Flags().String("esp8266-spiffs-size", "65536", "SPIFFS image size in bytes")
	cmd.Flags().Bool("esp8266-no-minimize-writes", false, "disable dedup against existing flash contents")
	cmd.Flags().Bool("esp8266-flash-erase-chip", false, "bulk-erase the whole chip before writing")
	cmd.Flags().Bool("merge-flash-filesystem", false, "merge the device's SPIFFS filesystem into the new image")
	cmd.Flags().String("dump-fs", "", "write the device's SPIFFS image here before merging")
}

// bindFlags copies every flag addOptionFlags registered and the user
// set on the command line into store at the Flags level (highest
// priority), by name, so config.Store's three-level resolution sees
// exactly what the user passed.
func bindFlags(cmd *cobra.Command, store *config.Store) {
	names := []string{
		"esp8266-flash-size", "esp8266-flash-params", "esp8266-flashing-data-port",
		"esp8266-spiffs-offset", "esp8266-spiffs-size", "esp8266-no-minimize-writes",
		"esp8266-flash-erase-chip", "merge-flash-filesystem", "dump-fs",
	}
	for _, name := range names {
		if !cmd.Flags().Changed(name) {
			continue
		}
		if v, err := cmd.Flags().GetString(name); err == nil {
			store.SetValue(name, v, config.Flags)
			continue
		}
		if v, err := cmd.Flags().GetBool(name); err == nil {
			store.SetValue(name, fmt.Sprintf("%t", v), config.Flags)
		}
	}
	store.SetValue("flash-baud-rate", fmt.Sprintf("%d", baudFlag), config.Flags)
}

func runFlash(cmd *cobra.Command, args []string) error {
	logCloser, err := logging.Setup(logging.Options{Level: logLevelFlag, LogFile: logFileFlag})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	store := config.NewStore()
	if profilesFlag != "" && boardFlag != "" {
		profiles, err := config.LoadBoardProfiles(profilesFlag)
		if err != nil {
			return err
		}
		if p, ok := profiles[boardFlag]; ok {
			config.ApplyBoardProfile(store, p)
		}
	}
	bindFlags(cmd, store)

	bundlePath := paths.New(args[0])
	parts, err := loadBundle(bundlePath)
	if err != nil {
		return err
	}

	portName := portFlag
	if portName == "" {
		ports, err := serial.ListPorts()
		if err != nil || len(ports) == 0 {
			return fmt.Errorf("no serial port specified and none auto-detected: %w", err)
		}
		portName = ports[0]
	}

	control, err := serial.Open(portName, baudFlag)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", portName, err)
	}
	defer control.Close()

	var data *serial.Port
	if dp := store.Value("esp8266-flashing-data-port"); dp != "" {
		data, err = serial.Open(dp, baudFlag)
		if err != nil {
			return fmt.Errorf("failed to open data port %s: %w", dp, err)
		}
		defer data.Close()
	}

	ctx, cancel := cleanup.InterruptableContext(context.Background())
	defer cancel()
	go func() {
		<-ctx.Done()
		control.Close()
		if data != nil {
			data.Close()
		}
	}()

	opts, err := buildOptions(store)
	if err != nil {
		return err
	}
	opts.StubImage = embedded.StubFlasher()

	events := make(chan orchestrator.Event, 16)
	bar := progressbar.NewOptions(0,
		progressbar.OptionSetDescription("Flashing"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionClearOnFinish(),
	)
	done := make(chan struct{})
	go renderEvents(events, bar, done)

	var prompt prompter.Prompter = prompter.Headless{}
	if !headlessFlag {
		prompt = prompter.New(0)
	}

	flasher := orchestrator.New(events, prompt)
	runErr := flasher.Run(control, data, parts, opts)
	close(events)
	<-done

	return runErr
}

func renderEvents(events <-chan orchestrator.Event, bar *progressbar.ProgressBar, done chan<- struct{}) {
	defer close(done)
	for ev := range events {
		switch {
		case ev.Progress != nil:
			bar.ChangeMax(ev.Progress.TotalBytes)
			bar.Set(ev.Progress.Bytes)
		case ev.Status != nil:
			if ev.Status.Detail {
				logrus.Debug(ev.Status.Text)
			} else {
				logrus.Info(ev.Status.Text)
			}
		case ev.Done != nil:
			if ev.Done.OK {
				logrus.Info(ev.Done.Text)
			} else {
				logrus.Error(ev.Done.Text)
			}
		}
	}
}
