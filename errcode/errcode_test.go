package errcode

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodesAreStableStrings(t *testing.T) {
	cases := map[string]Code{
		"busy":              Busy,
		"timeout":           Timeout,
		"not_owner":         NotOwner,
		"not_connected":     NotConnected,
		"modem_init_failed": ModemInit,
		"corrupt_store":     CorruptStore,
	}
	for want, c := range cases {
		if c.Error() != want {
			t.Fatalf("code %q mismatch: got %q", want, c.Error())
		}
	}
}

func TestOfUnwrapsChains(t *testing.T) {
	if Of(nil) != OK {
		t.Fatal("nil should map to ok")
	}
	if got := Of(fmt.Errorf("read: %w", Timeout)); got != Timeout {
		t.Fatalf("wrapped code: got %q", got)
	}
	e := Wrap(NotConnected, "probe", errors.New("spi"))
	if got := Of(fmt.Errorf("outer: %w", e)); got != NotConnected {
		t.Fatalf("wrapped E: got %q", got)
	}
	if Of(errors.New("x")) != Error {
		t.Fatal("plain error should map to generic code")
	}
	if Wrap(Busy, "op", nil) != nil {
		t.Fatal("Wrap(nil) must be nil")
	}
}

func TestEErrorFormat(t *testing.T) {
	e := &E{C: ModemInit, Op: "drain", Msg: "no registration"}
	if got := e.Error(); got != "drain: modem_init_failed: no registration" {
		t.Fatalf("format: %q", got)
	}
}
