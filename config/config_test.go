package config

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

var sample = []byte(`
min_publish_interval_ms: 500
ports:
  - name: rs485-1
    device: /dev/ttyUSB0
    devices:
      - name: boiler
        slave_id: 12
        max_reg_hole: 10
        max_bit_hole: 80
        channels:
          - name: temp
            reg_type: holding
            address: 100
            format: s16
            scale: 0.1
            poll_interval: 1000
          - name: alarm
            reg_type: coil
            address: 3
            format: u8
            on_value: "1"
            error_value: "0xFF"
`)

func TestParse(t *testing.T) {
	cfg, err := Parse(sample)
	if err != nil {
		t.Fatal(err)
	}

	want := &Config{
		MinPublishIntervalMs: 500,
		Ports: []Port{{
			Name:   "rs485-1",
			Device: "/dev/ttyUSB0",
			Baud:   DefaultBaud,
			Devices: []Device{{
				Name:                "boiler",
				SlaveID:             12,
				Protocol:            "modbus",
				MaxRegHole:          10,
				MaxBitHole:          80,
				FrameTimeoutMs:      DefaultFrameTimeoutMs,
				DeviceTimeoutMs:     DefaultDeviceTimeoutMs,
				DeviceMaxFailCycles: DefaultMaxFailCycles,
				Channels: []Channel{{
					Name:           "temp",
					RegType:        "holding",
					Address:        100,
					Format:         "s16",
					Scale:          0.1,
					PollIntervalMs: 1000,
				}, {
					Name:           "alarm",
					RegType:        "coil",
					Address:        3,
					Format:         "u8",
					Scale:          1,
					OnValue:        "1",
					ErrorValue:     "0xFF",
					PollIntervalMs: DefaultPollIntervalMs,
				}},
			}},
		}},
	}

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%v", diff)
	}

	ev, err := cfg.Ports[0].Devices[0].Channels[1].ParseErrorValue()
	if err != nil {
		t.Fatal(err)
	}
	if ev == nil || *ev != 0xff {
		t.Errorf("expected error value 0xff, got %v", ev)
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		yml  string
	}{
		{"no ports", `ports: []`},
		{"port name", `
ports:
  - device: /dev/ttyUSB0
    devices: [{name: d, channels: [{name: c, reg_type: holding}]}]
`},
		{"no transport", `
ports:
  - name: p
    devices: [{name: d, channels: [{name: c, reg_type: holding}]}]
`},
		{"both transports", `
ports:
  - name: p
    device: /dev/ttyUSB0
    tcp: 10.0.0.1:502
    devices: [{name: d, channels: [{name: c, reg_type: holding}]}]
`},
		{"no channels", `
ports:
  - name: p
    device: /dev/ttyUSB0
    devices: [{name: d}]
`},
		{"missing reg type", `
ports:
  - name: p
    device: /dev/ttyUSB0
    devices: [{name: d, channels: [{name: c}]}]
`},
		{"bad error value", `
ports:
  - name: p
    device: /dev/ttyUSB0
    devices:
      - name: d
        channels: [{name: c, reg_type: holding, error_value: "zz"}]
`},
	}

	for _, test := range cases {
		if _, err := Parse([]byte(test.yml)); err == nil {
			t.Errorf("%v: expected validation error", test.name)
		}
	}
}
