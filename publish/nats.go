package publish

import (
	"encoding/json"
	"log"

	natsgo "github.com/nats-io/nats.go"
)

// NATSPublisher sends points over a NATS connection, one subject per
// channel.
type NATSPublisher struct {
	nc *natsgo.Conn
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(nc *natsgo.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc}
}

// Publish encodes the point as JSON and publishes it.
func (p *NATSPublisher) Publish(point Point) error {
	payload, err := json.Marshal(point)
	if err != nil {
		return err
	}
	return p.nc.Publish(point.Subject(), payload)
}

// LogPublisher prints points; the fallback when no broker is
// configured.
type LogPublisher struct {
	Logger *log.Logger
}

// Publish logs the point.
func (p *LogPublisher) Publish(point Point) error {
	if point.Error != "" {
		p.Logger.Printf("%v: %v (%v)", point.Subject(), point.Text, point.Error)
	} else {
		p.Logger.Printf("%v: %v", point.Subject(), point.Text)
	}
	return nil
}
