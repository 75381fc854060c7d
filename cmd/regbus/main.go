package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"syscall"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/oklog/run"

	"github.com/regbus/regbus/config"
	"github.com/regbus/regbus/modbus"
	"github.com/regbus/regbus/poll"
	"github.com/regbus/regbus/publish"
	"github.com/regbus/regbus/runner"
)

func main() {
	flagConfig := flag.String("config", "regbus.yml", "config file")
	flagNats := flag.String("nats", "", "NATS server to publish points to (optional)")
	flagDebug := flag.Bool("debug", false, "debug output")
	flag.Parse()

	if err := app(*flagConfig, *flagNats, *flagDebug); err != nil {
		log.Println("Error:", err)
		os.Exit(1)
	}
}

func app(configPath, natsServer string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	debugLog := log.New(io.Discard, "", 0)
	if debug {
		debugLog = log.New(os.Stderr, "regbus: ", log.LstdFlags)
	}

	var pub publish.Publisher = &publish.LogPublisher{Logger: log.Default()}
	var nc *natsgo.Conn
	if natsServer != "" {
		nc, err = natsgo.Connect(natsServer,
			natsgo.Timeout(10*time.Second),
			natsgo.MaxReconnects(-1),
		)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer nc.Close()
		pub = publish.NewNATSPublisher(nc)
	}

	if cfg.MinPublishIntervalMs > 0 {
		pub = publish.NewDebouncer(pub,
			time.Duration(cfg.MinPublishIntervalMs)*time.Millisecond)
	}

	var group run.Group
	group.Add(run.SignalHandler(context.Background(),
		syscall.SIGINT, syscall.SIGTERM))

	var cleanups []func() error
	defer func() {
		for _, cleanup := range cleanups {
			_ = cleanup()
		}
	}()

	for _, portCfg := range cfg.Ports {
		port, err := buildPort(portCfg, pub, debugLog)
		if err != nil {
			return fmt.Errorf("port %v: %w", portCfg.Name, err)
		}

		if nc != nil {
			sub, err := subscribeWrites(nc, port)
			if err != nil {
				return err
			}
			cleanups = append(cleanups, sub.Unsubscribe)
		}

		group.Add(port.Run, port.Stop)
	}

	log.Println("regbus started")
	err = group.Run()
	var sigErr run.SignalError
	if err != nil && !errors.As(err, &sigErr) {
		return err
	}
	log.Println("regbus stopped")
	return nil
}

// buildPort opens the port's transport and assembles devices and
// channels from config.
func buildPort(portCfg config.Port, pub publish.Publisher, logger *log.Logger) (*runner.PortRunner, error) {
	port := runner.NewPortRunner(portCfg.Name, pub, logger)

	// one shared transport per bus; devices are addressed by unit id.
	// Frame timeout is the largest any device on the bus asks for.
	frameTimeoutMs := config.DefaultFrameTimeoutMs
	for _, devCfg := range portCfg.Devices {
		if devCfg.FrameTimeoutMs > frameTimeoutMs {
			frameTimeoutMs = devCfg.FrameTimeoutMs
		}
	}
	frameTimeout := time.Duration(frameTimeoutMs) * time.Millisecond

	var transport modbus.Transport
	var err error
	if portCfg.TCP != "" {
		transport, err = modbus.DialTCP(portCfg.TCP, 10*time.Second)
	} else {
		transport, err = modbus.OpenRTU(portCfg.Device, portCfg.Baud, frameTimeout)
	}
	if err != nil {
		return nil, err
	}

	for _, devCfg := range portCfg.Devices {
		protocol, err := poll.LookupProtocol(devCfg.Protocol)
		if err != nil {
			return nil, err
		}

		driver := modbus.NewDriver(transport, byte(devCfg.SlaveID),
			time.Duration(devCfg.GuardIntervalUs)*time.Microsecond, logger)

		dev := poll.NewDevice(poll.DeviceConfig{
			Name:             devCfg.Name,
			SlaveID:          devCfg.SlaveID,
			MaxRegHole:       devCfg.MaxRegHole,
			MaxBitHole:       devCfg.MaxBitHole,
			MaxReadRegisters: devCfg.MaxReadRegisters,
			GuardInterval:    time.Duration(devCfg.GuardIntervalUs) * time.Microsecond,
			FrameTimeout:     time.Duration(devCfg.FrameTimeoutMs) * time.Millisecond,
			DeviceTimeout:    time.Duration(devCfg.DeviceTimeoutMs) * time.Millisecond,
			MaxFailCycles:    devCfg.DeviceMaxFailCycles,
		}, protocol, driver, logger)

		for _, chCfg := range devCfg.Channels {
			if err := buildChannel(chCfg, dev, protocol, logger); err != nil {
				// planning errors disable the channel, not the device
				log.Printf("channel %v disabled: %v", chCfg.Name, err)
			}
		}

		if err := port.AddDevice(dev); err != nil {
			return nil, err
		}
	}

	return port, nil
}

func buildChannel(chCfg config.Channel, dev *poll.Device, protocol poll.Protocol, logger *log.Logger) error {
	blockType, err := protocol.BlockTypeByName(chCfg.RegType)
	if err != nil {
		return err
	}

	format, err := poll.ParseFormat(chCfg.Format)
	if err != nil {
		return err
	}

	wordOrder, err := poll.ParseWordOrder(chCfg.WordOrder)
	if err != nil {
		return err
	}

	errorValue, err := chCfg.ParseErrorValue()
	if err != nil {
		return err
	}

	_, err = poll.NewVirtualRegister(poll.ChannelConfig{
		Name:         chCfg.Name,
		RegTypeIndex: blockType.Index,
		StartAddress: chCfg.Address,
		BitOffset:    chCfg.BitOffset,
		BitWidth:     chCfg.BitWidth,
		BlockSize:    chCfg.BlockSize,
		Format:       format,
		Scale:        chCfg.Scale,
		Offset:       chCfg.Offset,
		RoundTo:      chCfg.RoundTo,
		WordOrder:    wordOrder,
		ReadOnly:     chCfg.ReadOnly,
		OnValue:      chCfg.OnValue,
		ErrorValue:   errorValue,
		PollInterval: time.Duration(chCfg.PollIntervalMs) * time.Millisecond,
	}, dev, logger)
	return err
}

// subscribeWrites lets the front-end set channel values over NATS:
// publish the desired text value to <subject>.set.
func subscribeWrites(nc *natsgo.Conn, port *runner.PortRunner) (*natsgo.Subscription, error) {
	subject := fmt.Sprintf("regbus.%v.*.*.set", port.Name())

	return nc.Subscribe(subject, func(msg *natsgo.Msg) {
		// subject is regbus.<port>.<device>.<channel>.set
		parts := splitSubject(msg.Subject)
		if len(parts) != 5 {
			return
		}

		if err := port.SetValue(parts[2], parts[3], string(msg.Data)); err != nil {
			log.Println("Error setting value:", err)
		}
	})
}

func splitSubject(subject string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(subject); i++ {
		if subject[i] == '.' {
			parts = append(parts, subject[start:i])
			start = i + 1
		}
	}
	return append(parts, subject[start:])
}

