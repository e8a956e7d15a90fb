package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/muurk/rbfhub/internal/hubsim"
	"github.com/muurk/rbfhub/internal/logging"
	"github.com/muurk/rbfhub/internal/protocol"
	"github.com/muurk/rbfhub/internal/server"
	"github.com/muurk/rbfhub/internal/ui"
)

var (
	simTCPAddr string
	simWSAddr  string
	simDevices []string
)

func init() {
	simulateCmd.Flags().StringVar(&simTCPAddr, "tcp", "", "Raw TCP listen address (default: simulator.tcp_addr)")
	simulateCmd.Flags().StringVar(&simWSAddr, "ws", "", "WebSocket listen address (default: simulator.ws_addr)")
	simulateCmd.Flags().StringSliceVar(&simDevices, "device", nil, "Pre-registered device as category:no=type (e.g. io:1=pir)")
	rootCmd.AddCommand(simulateCmd)
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated hub for testing without hardware",
	Long: `Serve simulated hubs over raw TCP (like a ser2net bridge) and/or WebSocket.
Every client connection gets its own hub seeded from the simulator section
of the config file and any --device flags.

Point another rbfhub at it with --address or --url.`,
	Example: `  # Raw TCP on the configured address
  rbfhub simulate

  # Two pre-registered devices, then drive it from another terminal
  rbfhub simulate --tcp 127.0.0.1:4001 --device io:1=magnetic-contact --device io:2=smart-plug
  rbfhub --address 127.0.0.1:4001 devices`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

func parseSimDevice(s string) (protocol.Record, error) {
	idPart, typePart, ok := strings.Cut(s, "=")
	if !ok {
		return protocol.Record{}, fmt.Errorf("invalid device %q (want category:no=type)", s)
	}
	id, err := protocol.ParseDeviceID(idPart)
	if err != nil {
		return protocol.Record{}, err
	}
	typ, err := protocol.ParseDeviceType(typePart)
	if err != nil {
		return protocol.Record{}, err
	}
	if typ.Category() != id.Category {
		return protocol.Record{}, fmt.Errorf("%s devices register as %s, not %s", typ, typ.Category(), id.Category)
	}
	rec := protocol.Record{ID: id, Type: typ, Version: [3]byte{1, 0, 0}}
	rec.MAC[7] = byte(id.Category)
	rec.MAC[6] = id.No
	return rec, nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	p := ui.NewPrinter(cmd.OutOrStdout())
	sc := cfg.Simulator

	hub := hubsim.Config{
		Version:           sc.Version,
		PANID:             sc.PANID,
		ChunkSize:         sc.ChunkSize,
		HeartbeatInterval: sc.Heartbeat.Std(),
		Logger:            logging.Named("hubsim"),
	}
	for _, d := range simDevices {
		rec, err := parseSimDevice(d)
		if err != nil {
			return fail(p, "Invalid device", err)
		}
		hub.Devices = append(hub.Devices, rec)
	}

	conf := &server.Config{
		TCPAddr:  sc.TCPAddr,
		WSAddr:   sc.WSAddr,
		WSPath:   sc.WSPath,
		CertPath: sc.CertPath,
		KeyPath:  sc.KeyPath,
		Hub:      hub,
	}
	if simTCPAddr != "" {
		conf.TCPAddr = simTCPAddr
	}
	if simWSAddr != "" {
		conf.WSAddr = simWSAddr
	}

	srv, err := server.New(conf)
	if err != nil {
		return fail(p, "Failed to create simulator", err)
	}
	if err := srv.Listen(); err != nil {
		return fail(p, "Failed to start simulator", err)
	}

	params := map[string]string{"Devices": strconv.Itoa(len(hub.Devices))}
	if a := srv.TCPAddr(); a != "" {
		params["TCP"] = a
	}
	if u := srv.WSURL(); u != "" {
		params["WebSocket"] = u
	}
	p.PrintHeader("Simulated hub", "simulate", params)

	ctx, stop := signalContext()
	defer stop()
	return srv.Start(ctx)
}
