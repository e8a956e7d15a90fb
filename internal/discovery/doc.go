// Package discovery announces and finds rbfhub HTTP bridges over mDNS.
//
// "rbfhub serve" advertises its bridge as a "_rbfhub._tcp" service with TXT
// records carrying the rbfhub version, the link it drives and the hub
// firmware version. "rbfhub scan" browses for those advertisements so a
// client on the LAN can reach the bridge without knowing its address.
//
// # Usage Example
//
//	adv, err := discovery.Advertise("garage", 8080, map[string]string{"version": "1.0.0"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer adv.Shutdown()
//
//	bridges, err := discovery.NewScanner().Scan(ctx)
//
// # Network Requirements
//
// - Requires multicast support on the network interface
// - Clients must be on the same local network segment as the bridge
// - Firewall must allow mDNS (UDP port 5353)
package discovery
