// Package server exposes simulated RF hubs over the network.
//
// The simulator speaks the same byte stream as a real hub behind a serial
// bridge, so an engine can be pointed at it with the tcp or websocket link
// kinds and exercised end to end without hardware. Each accepted connection
// gets a fresh hubsim.Hub seeded from Config.Hub.
//
// # Listeners
//
// Two listeners can run side by side:
//   - TCPAddr: raw bytes over TCP, the way ser2net exposes a serial port
//   - WSAddr: binary WebSocket messages on WSPath (default "/link"), with
//     wss:// when CertPath and KeyPath are set
//
// The WebSocket listener also answers GET /healthz with the number of
// attached clients.
//
// # Usage Example
//
//	srv, err := server.New(&server.Config{
//	    TCPAddr: ":7000",
//	    WSAddr:  ":7001",
//	    Hub: hubsim.Config{
//	        Devices:           devices,
//	        HeartbeatInterval: 30 * time.Second,
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Graceful Shutdown
//
// When ctx is canceled the server:
//  1. Stops accepting new connections
//  2. Closes every attached hub and its connection
//  3. Waits up to 10 seconds for connection goroutines to exit
package server
