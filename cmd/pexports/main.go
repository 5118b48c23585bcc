// Command pexports lists and resolves the exports of PE files.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pboyd/detour"
	"github.com/pboyd/detour/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	logLevel string
	pretty   bool
	log      zerolog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "pexports",
		Short:         "Inspect the export table of PE files",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.log = logging.New(logging.Config{
				Level:  opts.logLevel,
				Pretty: opts.pretty,
				Output: cmd.ErrOrStderr(),
			})
		},
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&opts.pretty, "pretty", true, "human-readable log output")

	cmd.AddCommand(
		newListCmd(opts),
		newResolveCmd(opts),
		newDisasmCmd(opts),
	)
	return cmd
}

func newListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list FILE",
		Short: "List named exports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := openImage(opts, args[0])
			if err != nil {
				return err
			}
			defer img.Close()

			exports, err := detour.Exports(img)
			if err != nil {
				opts.log.Error().Err(err).Str("file", args[0]).Msg("failed to read exports")
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Ordinal", "RVA", "Name", "Forward"})
			for _, exp := range exports {
				table.Append([]string{
					fmt.Sprint(exp.Ordinal),
					fmt.Sprintf("0x%08x", exp.RVA),
					exp.Name,
					exp.Forward,
				})
			}
			table.Render()
			return nil
		},
	}
}

func newResolveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve FILE NAME...",
		Short: "Print the address of exported functions",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := openImage(opts, args[0])
			if err != nil {
				return err
			}
			defer img.Close()

			var errs []error
			for _, name := range args[1:] {
				addr, err := detour.ResolveExport(img, name)
				if err != nil {
					opts.log.Warn().Err(err).Str("symbol", name).Msg("failed to load the address of a function")
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "0x%x\t%s\n", addr, name)
			}
			return errors.Join(errs...)
		},
	}
}

func newDisasmCmd(opts *options) *cobra.Command {
	var size int

	cmd := &cobra.Command{
		Use:   "disasm FILE NAME",
		Short: "Show the first instructions of an exported x86-64 function",
		Long: `Show the first instructions of an exported x86-64 function.

This is a diagnostic for checking whether an export's prologue can be
detoured. Instructions are decoded in order from the export's address and
decoding stops at the first byte that isn't a valid instruction.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if size <= 0 {
				return errors.New("--bytes must be positive")
			}

			img, err := openImage(opts, args[0])
			if err != nil {
				return err
			}
			defer img.Close()

			addr, err := detour.ResolveExport(img, args[1])
			if err != nil {
				opts.log.Warn().Err(err).Str("symbol", args[1]).Msg("failed to load the address of a function")
				return err
			}

			code := make([]byte, size)
			n, err := img.ReadAt(code, int64(addr-img.Base()))
			if n == 0 {
				return fmt.Errorf("reading %s: %w", args[1], err)
			}

			text, err := detour.Disassemble(code[:n], addr)
			fmt.Fprint(cmd.OutOrStdout(), text)
			if err != nil {
				opts.log.Debug().Err(err).Msg("stopped disassembling")
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&size, "bytes", "n", 32, "number of bytes to disassemble")
	return cmd
}

func openImage(opts *options, path string) (*detour.FileImage, error) {
	img, err := detour.OpenImage(path)
	if err != nil {
		opts.log.Error().Err(err).Str("file", path).Msg("failed to open image")
		return nil, err
	}
	opts.log.Debug().Str("file", path).Str("base", fmt.Sprintf("0x%x", img.Base())).Msg("opened image")
	return img, nil
}
