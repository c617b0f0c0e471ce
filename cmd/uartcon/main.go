package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/robotalks/uartdma/pkg/bridge/mqtt"
	"github.com/robotalks/uartdma/pkg/bridge/websocket"
	"github.com/robotalks/uartdma/pkg/console"
	"github.com/robotalks/uartdma/pkg/hal"
	"github.com/robotalks/uartdma/pkg/hal/serialport"
	"github.com/robotalks/uartdma/pkg/hal/sim"
	"github.com/robotalks/uartdma/pkg/rtos"
	"github.com/robotalks/uartdma/pkg/uart"
)

var (
	configFile string
	simulate   bool
	echo       bool
	wsAddr     string
)

func init() {
	uart.SetupFlags()
	serialport.SetupFlags()
	mqtt.SetupFlags()
	flag.StringVar(&configFile, "config", configFile, "YAML file with channel settings.")
	flag.BoolVar(&simulate, "sim", simulate, "Use a simulated loopback UART instead of a serial device.")
	flag.BoolVar(&echo, "echo", echo, "Reply to received bytes with Got: \"...\".")
	flag.StringVar(&wsAddr, "ws-addr", wsAddr, "Serve traffic over websocket at this address, e.g. :8080.")
}

func openUART() (hal.UART, func()) {
	if simulate {
		hw := sim.New(sim.CompleteAsync)
		// echo replies must not loop back into the echo task
		hw.Loopback = !echo
		return hw, func() {}
	}
	hw := serialport.New(*serialport.Default())
	return hw, func() {
		if err := hw.Close(); err != nil {
			log.Printf("close serial port: %v", err)
		}
	}
}

func main() {
	flag.Parse()

	conf := uart.NewConfig()
	if configFile != "" {
		if err := conf.LoadFile(configFile); err != nil {
			log.Fatalln(err)
		}
	}
	hw, closeUART := openUART()
	defer closeUART()
	ch, err := conf.NewChannel(hw)
	if err != nil {
		log.Fatalln(err)
	}

	group, stop := rtos.NewSignalTaskGroup(context.Background())
	defer stop()
	if err := ch.Begin(group.Context); err != nil {
		log.Fatalln(err)
	}

	group.Go("uart", rtos.TaskFunc(func(ctx context.Context) error {
		<-ch.Done()
		return ctx.Err()
	}))

	var taps uart.Taps
	if echo {
		group.Go("echo", console.NewEchoTask(ch))
	}
	if mqttConf := mqtt.NewConfig(); mqttConf.BrokerURL != "" {
		bridge, err := mqttConf.NewBridge(ch)
		if err != nil {
			log.Fatalln(err)
		}
		bridge.Meta = mqtt.NewMeta(conf.Baud, conf.RxCapacity, conf.TxCapacity, conf.DMARegionSize)
		taps = append(taps, bridge)
		group.Go("mqtt", bridge)
	}
	if wsAddr != "" {
		hub := websocket.NewHub(ch)
		taps = append(taps, hub)
		group.Go("websocket", &websocket.Server{Addr: wsAddr, Path: "/uart", Hub: hub})
	}
	if len(taps) > 0 {
		ch.SetTap(taps)
	}

	sh := console.New(ch)
	if args := flag.Args(); len(args) > 0 || sh.Interactive {
		err = sh.Run(args...)
		flushCtx, flushCancel := context.WithTimeout(context.Background(), time.Second)
		if flushErr := ch.Flush(flushCtx); err == nil {
			err = flushErr
		}
		flushCancel()
		stop()
		if waitErr := group.Wait(); err == nil {
			err = waitErr
		}
	} else {
		err = group.Wait()
	}
	if err != nil {
		log.Fatalln(err)
	}
}
