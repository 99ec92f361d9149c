// Command phasegen-sim runs the generator firmware on a simulated PWM bank
// and serves its command interface over TCP. Point phasegen-host at it with
// -device tcp://localhost:5025.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"phasegen/core"
	"phasegen/sim"
)

var (
	listen  = flag.String("listen", ":5025", "TCP listen address")
	clockHz = flag.Uint("clock", sim.DefaultClockHz, "Simulated system clock in Hz")
	paced   = flag.Bool("paced", true, "Run PWM periods at their real duration")
	debug   = flag.Bool("debug", false, "Log engine debug messages and dump the timing ring on exit")
)

func main() {
	flag.Parse()

	core.SetDebugWriter(func(s string) { log.Print(s) })
	core.SetDebugEnabled(*debug)
	core.InitAsyncDebug()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dev := sim.NewDevice(sim.Options{ClockHz: uint32(*clockHz), Paced: *paced})
	rtDone := make(chan struct{})
	go func() {
		defer close(rtDone)
		if err := dev.RunRealtime(ctx); err != nil && ctx.Err() == nil {
			log.Printf("realtime loop: %v", err)
		}
	}()
	defer func() {
		// the ring is only read once its writer has stopped
		<-rtDone
		if *debug {
			core.DumpTimingRing()
		}
	}()

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatalf("listen %s: %v", *listen, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	log.Printf("phasegen-sim listening on %s (clock %d Hz)", ln.Addr(), *clockHz)

	// one host at a time, like the USB port it stands in for
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("accept: %v", err)
			continue
		}
		log.Printf("host connected from %s", conn.RemoteAddr())
		if err := dev.Serve(ctx, conn); err != nil && ctx.Err() == nil {
			log.Printf("serve: %v", err)
		}
		conn.Close()
		log.Printf("host disconnected")
	}
}
