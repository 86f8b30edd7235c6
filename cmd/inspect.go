package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"procodus.dev/iot-hub/internal/model"
	"procodus.dev/iot-hub/internal/store"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Read-only views over the hub store",
}

var inspectDevicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices",
	Args:  cobra.NoArgs,
	RunE: inspect(func(ctx context.Context, st store.Store, _ []string, limit int) (any, error) {
		return st.ListDevices(ctx)
	}, printDevices),
}

var inspectGatewaysCmd = &cobra.Command{
	Use:   "gateways",
	Short: "List gateways and their node counts",
	Args:  cobra.NoArgs,
	RunE: inspect(func(ctx context.Context, st store.Store, _ []string, _ int) (any, error) {
		gateways, err := st.ListGateways(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]gatewayView, 0, len(gateways))
		for _, g := range gateways {
			n, err := st.CountNodes(ctx, g.GatewayID)
			if err != nil {
				return nil, err
			}
			out = append(out, gatewayView{Gateway: g, Nodes: n})
		}
		return out, nil
	}, printGateways),
}

var inspectNodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List BLE nodes",
	Args:  cobra.NoArgs,
	RunE: inspect(func(ctx context.Context, st store.Store, _ []string, _ int) (any, error) {
		return st.ListNodes(ctx)
	}, printNodes),
}

var inspectReadingsCmd = &cobra.Command{
	Use:   "readings <source-id>",
	Short: "Show the newest readings of a device or node",
	Args:  cobra.ExactArgs(1),
	RunE: inspect(func(ctx context.Context, st store.Store, args []string, limit int) (any, error) {
		return st.RecentReadings(ctx, args[0], limit)
	}, printReadings),
}

var inspectLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the newest system log entries",
	Args:  cobra.NoArgs,
	RunE: inspect(func(ctx context.Context, st store.Store, _ []string, limit int) (any, error) {
		return st.RecentLogs(ctx, limit)
	}, printLogs),
}

var inspectOTACmd = &cobra.Command{
	Use:   "ota [device-id]",
	Short: "Show the OTA update history",
	Args:  cobra.MaximumNArgs(1),
	RunE: inspect(func(ctx context.Context, st store.Store, args []string, _ int) (any, error) {
		deviceID := ""
		if len(args) == 1 {
			deviceID = args[0]
		}
		return st.ListOTAUpdates(ctx, deviceID)
	}, printOTA),
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.AddCommand(
		inspectDevicesCmd,
		inspectGatewaysCmd,
		inspectNodesCmd,
		inspectReadingsCmd,
		inspectLogsCmd,
		inspectOTACmd,
	)

	inspectCmd.PersistentFlags().Bool("json", false, "print JSON instead of a table")
	inspectCmd.PersistentFlags().Int("limit", 20, "maximum number of rows for readings and logs")
}

type gatewayView struct {
	model.Gateway
	Nodes int64 `json:"nodes"`
}

type query func(ctx context.Context, st store.Store, args []string, limit int) (any, error)

// inspect opens the store, runs q and prints the result as a table or JSON.
func inspect[T any](q query, table func(io.Writer, T)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		logger := GetLogger()
		asJSON, _ := cmd.Flags().GetBool("json")
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore(logger)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result, err := q(ctx, st, args, limit)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}

		rows, ok := result.(T)
		if !ok {
			return fmt.Errorf("unexpected result type %T", result)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		table(w, rows)
		return w.Flush()
	}
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func printDevices(w io.Writer, devices []model.Device) {
	fmt.Fprintln(w, "DEVICE\tNAME\tSTATUS\tFIRMWARE\tLAST SEEN")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.DeviceID, d.Name, d.Status, d.FirmwareVersion, stamp(d.LastSeen))
	}
}

func printGateways(w io.Writer, gateways []gatewayView) {
	fmt.Fprintln(w, "GATEWAY\tNAME\tSTATUS\tNODES\tLAST SEEN")
	for _, g := range gateways {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", g.GatewayID, g.Name, g.Status, g.Nodes, stamp(g.LastSeen))
	}
}

func printNodes(w io.Writer, nodes []model.Node) {
	fmt.Fprintln(w, "MAC\tGATEWAY\tNAME\tRSSI\tLAST SEEN")
	for _, n := range nodes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%s\n", n.MAC, n.GatewayID, n.Name, n.RSSI, stamp(n.LastSeen))
	}
}

func printReadings(w io.Writer, readings []model.SensorReading) {
	fmt.Fprintln(w, "TIMESTAMP\tSOURCE\tTYPE\tDATA")
	for _, r := range readings {
		data, _ := json.Marshal(r.Data)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", stamp(r.Timestamp), r.SourceID, r.SourceType, data)
	}
}

func printLogs(w io.Writer, logs []model.SystemLog) {
	fmt.Fprintln(w, "TIMESTAMP\tLEVEL\tCATEGORY\tSOURCE\tMESSAGE")
	for _, l := range logs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", stamp(l.Timestamp), l.Level, l.Category, l.SourceID, l.Message)
	}
}

func printOTA(w io.Writer, updates []model.OTAUpdate) {
	fmt.Fprintln(w, "ID\tDEVICE\tVERSION\tSTATUS\tCREATED\tCOMPLETED\tERROR")
	for _, u := range updates {
		completed := "-"
		if u.CompletedAt != nil {
			completed = stamp(*u.CompletedAt)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			u.ID, u.DeviceID, u.FirmwareVersion, u.Status, stamp(u.CreatedAt), completed, u.Error)
	}
}
