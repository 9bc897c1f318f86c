package main

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/EMinsight/occa"
	"github.com/EMinsight/occa/cache"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// options shared by the commands.
type options struct {
	cacheDir   string
	infoProps  string
	buildProps string
}

// NewCLI creates the root command. goFlags (e.g. klog's) are exposed as persistent flags.
func NewCLI(goFlags *flag.FlagSet) *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "occa",
		Short:         "Portable kernel runtime: backends and build cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.cacheDir, "cache", "",
		fmt.Sprintf("Root directory of the kernel cache. Defaults to $%s or the user cache directory.", cache.DirEnv))
	if goFlags != nil {
		rootCmd.PersistentFlags().AddGoFlagSet(goFlags)
	}

	modesCmd := &cobra.Command{
		Use:   "modes",
		Short: "List the registered backend modes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, mode := range occa.Modes() {
				fmt.Fprintln(cmd.OutOrStdout(), mode)
			}
			return nil
		},
	}

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Describe the devices of every mode, or of the mode given in --props",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return infoHandler(cmd.OutOrStdout(), opts)
		},
	}
	infoCmd.Flags().StringVar(&opts.infoProps, "props", "", `Device properties, e.g. "mode=OpenMP, threads=4"`)

	buildCmd := &cobra.Command{
		Use:   "build FILE FUNCTION [FUNCTION...]",
		Short: "Build kernels into the cache, one device per function, concurrently",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return buildHandler(cmd.OutOrStdout(), opts, args[0], args[1:])
		},
	}
	buildCmd.Flags().StringVar(&opts.buildProps, "props", "mode=Serial", "Device and build properties")

	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the kernel build cache",
	}
	cacheCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List the cache entries",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return cacheListHandler(cmd.OutOrStdout(), opts)
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every cache entry",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := opts.cache()
				if err != nil {
					return err
				}
				if err = c.Clear(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", c.Root())
				return nil
			},
		},
	)

	rootCmd.AddCommand(modesCmd, infoCmd, buildCmd, cacheCmd)
	return rootCmd
}

func (o *options) cache() (*cache.Cache, error) {
	if o.cacheDir == "" {
		return cache.Default()
	}
	return cache.New(o.cacheDir, nil)
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func infoHandler(w io.Writer, opts *options) error {
	var propsList []occa.Properties
	if opts.infoProps != "" {
		props, err := occa.ParseProperties(opts.infoProps)
		if err != nil {
			return err
		}
		propsList = append(propsList, props)
	} else {
		for _, mode := range occa.Modes() {
			propsList = append(propsList, occa.Properties{occa.PropMode: mode})
		}
	}

	var data [][]string
	for _, props := range propsList {
		device, err := occa.NewDevice(props)
		if err != nil {
			return err
		}
		mode, _ := device.Mode()
		memorySize, _ := device.MemorySize()
		uva, _ := device.HasUVAEnabled()
		data = append(data, []string{mode, formatBytes(int64(memorySize)), strconv.FormatBool(uva), device.String()})
		if err = device.Free(); err != nil {
			return err
		}
	}
	table := newTable(w, "MODE", "MEMORY", "UVA", "DEVICE")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func cacheListHandler(w io.Writer, opts *options) error {
	c, err := opts.cache()
	if err != nil {
		return err
	}
	entries, err := c.Entries()
	if err != nil {
		return err
	}
	var data [][]string
	for _, entry := range entries {
		data = append(data, []string{
			entry.Name,
			strconv.Itoa(len(entry.Files)),
			formatBytes(entry.Size),
			entry.ModTime.Format(time.DateTime),
			strconv.FormatBool(entry.Complete),
		})
	}
	table := newTable(w, "HASH", "FILES", "SIZE", "MODIFIED", "COMPLETE")
	table.AppendBulk(data)
	table.Render()
	return nil
}

// buildResult of one kernel built by the build command.
type buildResult struct {
	function string
	nested   int
	elapsed  time.Duration
}

func buildHandler(w io.Writer, opts *options, file string, functions []string) error {
	props, err := occa.ParseProperties(opts.buildProps)
	if err != nil {
		return err
	}
	c, err := opts.cache()
	if err != nil {
		return err
	}
	results := make([]buildResult, len(functions))
	var g errgroup.Group
	for ii, function := range functions {
		g.Go(func() error {
			// Devices are not safe for concurrent use, each build gets its own.
			device, err := occa.NewDevice(props)
			if err != nil {
				return err
			}
			defer func() {
				if err := device.Free(); err != nil {
					klog.Errorf("failed to free device: %v", err)
				}
			}()
			start := time.Now()
			kernel, err := device.WithCache(c).BuildKernel(file, function, nil)
			if err != nil {
				return errors.WithMessagef(err, "building %q", function)
			}
			results[ii] = buildResult{function: function, nested: len(kernel.Nested()), elapsed: time.Since(start)}
			return kernel.Free()
		})
	}
	if err = g.Wait(); err != nil {
		return err
	}
	var data [][]string
	for _, result := range results {
		data = append(data, []string{result.function, strconv.Itoa(result.nested), result.elapsed.Round(time.Microsecond).String()})
	}
	table := newTable(w, "FUNCTION", "NESTED", "TIME")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
