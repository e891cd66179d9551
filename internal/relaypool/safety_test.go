package relaypool

import (
	"net"
	"testing"
)

func TestIsURLSafeRejectsNonWebsocketSchemes(t *testing.T) {
	for _, u := range []string{"http://relay.example", "ftp://relay.example", "not a url"} {
		if isURLSafe(u) {
			t.Fatalf("expected %q to be rejected", u)
		}
	}
}

func TestIsURLSafeAllowsLocalhost(t *testing.T) {
	for _, u := range []string{"ws://localhost:4848", "ws://127.0.0.1:4848", "ws://[::1]:4848"} {
		if !isURLSafe(u) {
			t.Fatalf("expected %q to be allowed", u)
		}
	}
}

func TestIsURLSafeRejectsCloudMetadataHost(t *testing.T) {
	if isURLSafe("ws://169.254.169.254/latest") {
		t.Fatal("expected cloud metadata address to be rejected")
	}
}

func TestIsIPSafeRejectsPrivateRanges(t *testing.T) {
	unsafe := []string{"10.0.0.1", "192.168.1.1", "172.16.0.1", "169.254.1.1", "0.0.0.0"}
	for _, s := range unsafe {
		ip := net.ParseIP(s)
		if ip == nil {
			t.Fatalf("failed to parse IP %q", s)
		}
		if isIPSafe(ip) {
			t.Fatalf("expected %s to be unsafe", s)
		}
	}
}

func TestIsIPSafeAllowsPublicAddress(t *testing.T) {
	ip := net.ParseIP("1.1.1.1")
	if !isIPSafe(ip) {
		t.Fatal("expected public address to be safe")
	}
}
