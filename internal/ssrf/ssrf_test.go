package ssrf

import "testing"

func TestValidHTTPSURLs(t *testing.T) {
	g := Guard{}
	for _, u := range []string{
		"https://bsky.social",
		"https://pds.example.com/xrpc/something",
		"https://8.8.8.8",
		"https://1.1.1.1",
		// 172.0.0.0 - 172.15.255.255 and 172.32.0.0+ are NOT private
		"https://172.15.255.255",
		"https://172.32.0.1",
		"https://[2606:4700:4700::1111]",
	} {
		if err := g.ValidateURL(u); err != nil {
			t.Errorf("ValidateURL(%q) = %v, want nil", u, err)
		}
	}
}

func TestBlocksPrivateIPv4(t *testing.T) {
	g := Guard{}
	for _, u := range []string{
		"https://127.0.0.1",
		"https://127.0.0.2",
		"https://10.0.0.1",
		"https://10.255.255.255",
		"https://172.16.0.1",
		"https://172.31.255.255",
		"https://192.168.0.1",
		"https://192.168.255.255",
		"https://169.254.0.1",
		"https://169.254.169.254",
		"https://0.0.0.0",
		"https://255.255.255.255",
		"https://100.64.0.1",
		"https://100.127.255.255",
		"https://192.0.2.1",
		"https://198.51.100.7",
		"https://203.0.113.99",
	} {
		if err := g.ValidateURL(u); err == nil {
			t.Errorf("ValidateURL(%q) = nil, want error", u)
		}
	}
}

func TestBlocksPrivateIPv6(t *testing.T) {
	g := Guard{}
	for _, u := range []string{
		"https://[::1]",
		"https://[::]",
		"https://[fc00::1]",
		"https://[fd00::1]",
		"https://[fe80::1]",
		// IPv4-mapped IPv6 pointing at private space
		"https://[::ffff:127.0.0.1]",
		"https://[::ffff:10.0.0.1]",
		"https://[::ffff:192.168.1.1]",
	} {
		if err := g.ValidateURL(u); err == nil {
			t.Errorf("ValidateURL(%q) = nil, want error", u)
		}
	}
}

func TestBlocksHTTPForPublicHosts(t *testing.T) {
	g := Guard{}
	for _, u := range []string{
		"http://bsky.social",
		"http://example.com",
		"http://8.8.8.8",
	} {
		if err := g.ValidateURL(u); err == nil {
			t.Errorf("ValidateURL(%q) = nil, want error", u)
		}
	}
}

func TestBlocksNonHTTPSchemes(t *testing.T) {
	g := Guard{}
	for _, u := range []string{
		"file:///etc/passwd",
		"ftp://example.com",
		"gopher://example.com",
	} {
		if err := g.ValidateURL(u); err == nil {
			t.Errorf("ValidateURL(%q) = nil, want error", u)
		}
	}
}

func TestLocalhostNames(t *testing.T) {
	prod := Guard{}
	for _, u := range []string{
		"https://localhost",
		"http://localhost",
		"https://test.localhost",
		"https://printer.local",
		"https://localhost.localdomain",
	} {
		if err := prod.ValidateURL(u); err == nil {
			t.Errorf("production: ValidateURL(%q) = nil, want error", u)
		}
	}

	dev := Guard{AllowLocal: true}
	if err := dev.ValidateURL("http://localhost:4000"); err != nil {
		t.Errorf("dev http localhost should be allowed, got %v", err)
	}
	// Even in dev, https localhost stays blocked (only plain http dev PDS
	// setups are admitted).
	if err := dev.ValidateURL("https://localhost"); err == nil {
		t.Error("dev https localhost should still be rejected")
	}
}

func TestInvalidURLs(t *testing.T) {
	g := Guard{}
	for _, u := range []string{
		"not-a-url",
		"",
		"https://",
	} {
		if err := g.ValidateURL(u); err == nil {
			t.Errorf("ValidateURL(%q) = nil, want error", u)
		}
	}
}
