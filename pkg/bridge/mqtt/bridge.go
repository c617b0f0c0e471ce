// Package mqtt publishes the traffic of a uart.Channel to an MQTT broker and
// forwards messages published to the device back into the channel.
//
// Topics, all under the topic prefix of the broker URL:
//
//	DEVICE/rx    Chunk of received bytes
//	DEVICE/tx    Chunk of transmitted bytes
//	DEVICE/meta  retained Meta, cleared when the bridge stops
//	DEVICE/send  raw bytes to transmit
package mqtt

import (
	"context"
	"flag"
	"os"
	"sync/atomic"

	"github.com/denisbrodbeck/machineid"
	"github.com/golang/glog"
	"github.com/golang/protobuf/proto"

	"github.com/robotalks/uartdma/pkg/uart"
)

// Config provides the options of a Bridge.
type Config struct {
	// BrokerURL specifies the MQTT broker to use.
	// e.g. mqtt://host:port/topic-prefix/
	BrokerURL string
	DeviceID  string
	// QueueLen is the number of chunks buffered for publishing.
	QueueLen int
}

var defaultConfig = Config{
	QueueLen: 64,
}

func init() {
	if val := os.Getenv("UARTCON_MQTT_URL"); val != "" {
		defaultConfig.BrokerURL = val
	}
}

// SetupFlags sets command line flags.
func SetupFlags() {
	flag.StringVar(&defaultConfig.BrokerURL, "mqtt", defaultConfig.BrokerURL, "MQTT broker URL, empty to disable")
	flag.StringVar(&defaultConfig.DeviceID, "device-id", defaultConfig.DeviceID, "Device ID in MQTT topics, defaults to machine ID")
}

// Default gets default config.
func Default() *Config {
	return &defaultConfig
}

// NewConfig creates a Config with default configurations.
func NewConfig() *Config {
	conf := defaultConfig
	return &conf
}

// DeviceID derives a stable device ID from the machine ID.
func DeviceID() string {
	id, err := machineid.ProtectedID("uartdma")
	if err != nil {
		glog.Warningf("machine id: %v", err)
		return "unknown"
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

// Sender queues bytes for transmission.
type Sender interface {
	Send(p []byte)
}

// Bridge implements uart.Tap and rtos.Task.
type Bridge struct {
	Queue    *Queue
	DeviceID string
	Meta     *Meta
	Sender   Sender

	chunks  chan *Chunk
	seq     [2]atomic.Uint64
	dropped atomic.Uint64
}

// NewBridge creates a Bridge on q.
func NewBridge(q *Queue, deviceID string, queueLen int, sender Sender) *Bridge {
	b := &Bridge{
		Queue:    q,
		DeviceID: deviceID,
		Sender:   sender,
		chunks:   make(chan *Chunk, queueLen),
	}
	q.OnConnect = func(*Queue) { b.publishMeta() }
	return b
}

// NewBridge creates a Bridge with its own connection from the config.
func (c *Config) NewBridge(sender Sender) (*Bridge, error) {
	opts, topicPrefix, err := ClientOptionsFromURL(c.BrokerURL)
	if err != nil {
		return nil, err
	}
	deviceID := c.DeviceID
	if deviceID == "" {
		deviceID = DeviceID()
	}
	opts.SetBinaryWill(topicPrefix+deviceID+"/meta", nil, 1, true)
	if opts.ClientID == "" {
		opts.SetClientID("uartdma:" + deviceID)
	}
	return NewBridge(NewQueue(opts, topicPrefix), deviceID, c.QueueLen, sender), nil
}

// Dropped returns the number of chunks dropped because the publish queue
// was full.
func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

// Tapped implements uart.Tap. It never blocks.
func (b *Bridge) Tapped(dir uart.Direction, p []byte) {
	data := append([]byte(nil), p...)
	chunk := newChunk(dir.String(), b.seq[dir].Add(1), data)
	select {
	case b.chunks <- chunk:
	default:
		b.dropped.Add(1)
	}
}

// Run implements rtos.Task.
func (b *Bridge) Run(ctx context.Context) error {
	token := b.Queue.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return err
	}
	sub := b.Queue.Sub(b.DeviceID+"/send", func(topic string, payload []byte) {
		if b.Sender != nil && len(payload) > 0 {
			b.Sender.Send(payload)
		}
	})
	for {
		select {
		case chunk := <-b.chunks:
			b.publish(chunk)
		case <-ctx.Done():
			sub.Close()
			b.Queue.PubWith(b.DeviceID+"/meta", nil, 1, true).Wait()
			b.Queue.Close()
			return ctx.Err()
		}
	}
}

func (b *Bridge) publish(chunk *Chunk) {
	data, err := proto.Marshal(chunk)
	if err != nil {
		glog.Errorf("encode chunk: %v", err)
		return
	}
	b.Queue.Pub(b.DeviceID+"/"+chunk.Direction, data)
}

func (b *Bridge) publishMeta() {
	if b.Meta == nil {
		return
	}
	data, err := b.Meta.Encode()
	if err != nil {
		glog.Errorf("encode meta: %v", err)
		return
	}
	b.Queue.PubWith(b.DeviceID+"/meta", data, 1, true)
}
