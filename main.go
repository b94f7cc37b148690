package main

import (
	"context"
	"time"

	"rtucode-go/app"
	"rtucode-go/services/config"
)

// Firmware entrypoint. The host CLI lives in cmd/rtu.
func main() {
	// Allow USB CDC to enumerate before we print.
	time.Sleep(2 * time.Second)
	println("boot", app.Version)

	env, err := config.LoadEnv()
	if err != nil {
		println("env:", err.Error())
	}
	for {
		if err := app.Serve(context.Background(), env); err != nil {
			println("run:", err.Error())
		}
		time.Sleep(time.Second)
	}
}
