package main

import (
	"fmt"
	"os"

	"github.com/Hara602/blockTracker/internal/control"
	"github.com/Hara602/blockTracker/internal/model"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newClient() *control.Client {
	return control.NewClient(viper.GetString("control.socket"))
}

// report 打印控制面返回的状态码
func report(op, path string, err error) error {
	fmt.Printf("%s %s: %s\n", op, path, model.StatusCode(err))
	return err
}

var addCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Start tracking a block device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return report("add", args[0], newClient().Add(args[0]))
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <path>",
	Short: "Stop tracking a block device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return report("remove", args[0], newClient().Remove(args[0]))
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked block devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := newClient().List()
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("No tracked devices")
			return nil
		}
		for _, d := range devices {
			fmt.Printf("%-24s %-10s %s\n", d.Path, d.Name, d.ID)
		}
		return nil
	},
}

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Show connection pool and capture counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		ps, err := c.Pool()
		if err != nil {
			return err
		}
		cs, err := c.Stats()
		if err != nil {
			return err
		}
		if !ps.Active {
			fmt.Printf("Pool: not started (min %d, max %d)\n", ps.Min, ps.Max)
		} else {
			fmt.Printf("Pool: %d connections, %d in use (min %d, max %d)\n", ps.Size, ps.InUse, ps.Min, ps.Max)
		}
		fmt.Printf("Records: %d captured, %d skipped, %d dropped, %d failed, %d bytes\n",
			cs.Captured, cs.Skipped, cs.Dropped, cs.Failed, cs.Bytes)
		return nil
	},
}

var writeCmd = &cobra.Command{
	Use:   "write <path>",
	Short: "Write a file to a block device through the tracker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sector, _ := cmd.Flags().GetUint64("sector")
		file, _ := cmd.Flags().GetString("file")
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		return report("write", args[0], newClient().Write(args[0], sector, data))
	},
}

func init() {
	writeCmd.Flags().Uint64("sector", 0, "starting sector")
	writeCmd.Flags().String("file", "", "file whose contents are written (size must be a multiple of 512)")
	_ = writeCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(addCmd, removeCmd, listCmd, poolCmd, writeCmd)
}
