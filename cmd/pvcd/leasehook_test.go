package main

import "testing"

func TestParseLeaseArgs(t *testing.T) {
	mac, ip, hostname, err := parseLeaseArgs("add", []string{"aa:bb:cc:dd:ee:ff", "10.0.0.5", "myvm"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mac != "aa:bb:cc:dd:ee:ff" || ip != "10.0.0.5" || hostname != "myvm" {
		t.Fatalf("got mac=%q ip=%q hostname=%q", mac, ip, hostname)
	}
}

func TestParseLeaseArgsWithoutHostname(t *testing.T) {
	mac, ip, hostname, err := parseLeaseArgs("del", []string{"aa:bb:cc:dd:ee:ff", "10.0.0.5"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mac != "aa:bb:cc:dd:ee:ff" || ip != "10.0.0.5" || hostname != "" {
		t.Fatalf("got mac=%q ip=%q hostname=%q", mac, ip, hostname)
	}
}

func TestParseLeaseArgsTooFew(t *testing.T) {
	if _, _, _, err := parseLeaseArgs("add", []string{"aa:bb:cc:dd:ee:ff"}); err == nil {
		t.Fatal("expected error for missing ip argument")
	}
}

func TestParseVNI(t *testing.T) {
	n, err := parseVNI("42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 42 {
		t.Fatalf("got %d, want 42", n)
	}
}

func TestParseVNIInvalid(t *testing.T) {
	if _, err := parseVNI("not-a-number"); err == nil {
		t.Fatal("expected error for non-numeric VNI")
	}
}

func TestRunLeaseHookRequiresVNI(t *testing.T) {
	t.Setenv("PVC_NETWORK_VNI", "")
	if err := runLeaseHook("add", []string{"aa:bb:cc:dd:ee:ff", "10.0.0.5"}); err == nil {
		t.Fatal("expected error when PVC_NETWORK_VNI is unset")
	}
}

func TestRunLeaseHookInitIsNoop(t *testing.T) {
	if err := runLeaseHook("init", nil); err != nil {
		t.Fatalf("init must be a no-op regardless of environment: %v", err)
	}
}

func TestRunLeaseHookTFTPIsNoop(t *testing.T) {
	if err := runLeaseHook("tftp", []string{"anything"}); err != nil {
		t.Fatalf("tftp must be a no-op: %v", err)
	}
}
