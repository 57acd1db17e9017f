package main

import (
	"io"
	"testing"
)

func TestCommandsRejectBadArgsBeforeConnecting(t *testing.T) {
	cases := [][]string{
		{"enqueue"},
		{"enqueue", "--type", "PRICE_SYNC"},
		{"requeue"},
		{"status"},
		{"migrate", "extra"},
	}
	for _, args := range cases {
		rootCmd.SetArgs(args)
		rootCmd.SetOut(io.Discard)
		rootCmd.SetErr(io.Discard)
		if err := rootCmd.Execute(); err == nil {
			t.Errorf("%v: accepted", args)
		}
	}
}

func TestSubcommandsRegistered(t *testing.T) {
	want := map[string]bool{"migrate": false, "enqueue": false, "requeue": false, "status": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("%s not registered", name)
		}
	}
}

func TestOrDash(t *testing.T) {
	if orDash("") != "-" || orDash("x") != "x" {
		t.Fatal("orDash")
	}
}
