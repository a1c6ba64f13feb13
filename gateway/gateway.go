/*Package gateway connects the scanner to the message broker.

The gateway subscribes to four command topics and answers on three status
topics:

	scan_command    -> status          full sweep, or a replay in mock mode
	camera_picture  -> camera_status   one frame from the camera only
	printer_gcode   -> printer_status  one raw command to the stage only
	config_request  -> status          merge a config object into the store

Every command is decoded and routed to exactly one handler.  Handlers return
a Result and never publish their terminal status themselves; one function,
emit, turns results (and handler panics) into publications, so a command
that fails produces exactly one error status and the gateway carries on.

Commands that touch hardware share one execution lane.  A hardware command
that arrives while another is running is answered with a busy status and
dropped; commands are never queued or interleaved.  The broker's own event
loop is never blocked by a command.

The configuration is read from the store at the start of every command, so
a config_request takes effect for the next command.  Topic names are bound
when the broker connects: commands are routed, and statuses published, on
the bound names until the next (re)connect, so a config_request that renames
topics can still be reverted on the old config_request topic.
*/
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"sync"

	"github.com/kybfarm/hsi/camera"
	"github.com/kybfarm/hsi/config"
	"github.com/kybfarm/hsi/fault"
	"github.com/kybfarm/hsi/motion"
	"github.com/kybfarm/hsi/server/middleware/locker"
)

// Channel selects the status topic a result is published on
type Channel int

const (
	// General is the status topic
	General Channel = iota

	// Camera is the camera_status topic
	Camera

	// Printer is the printer_status topic
	Printer
)

func (c Channel) topic(t config.Topics) string {
	switch c {
	case Camera:
		return t.CameraStatus
	case Printer:
		return t.PrinterStatus
	}
	return t.Status
}

// section is the config section merged into the channel's payloads
func (c Channel) section() string {
	switch c {
	case Camera:
		return "camera"
	case Printer:
		return "printer"
	}
	return ""
}

// Result is the outcome of a handler.  Exactly one publication is made from
// it, unless Skip is set.
type Result struct {
	// Status defaults to "idle"
	Status string

	// Fields are merged into the payload
	Fields map[string]interface{}

	// Err, if not nil, makes the publication an error status
	Err error

	// Snapshots republishes all three status topics afterwards
	Snapshots bool

	// Skip suppresses the publication
	Skip bool
}

func failed(err error) Result {
	return Result{Err: err}
}

// Uploader copies a local file to a remote directory
type Uploader interface {
	Put(local, remoteDir, remoteName string) (string, error)
}

type handlerFunc func(ctx context.Context, cfg config.Config, cmd map[string]interface{}) Result

// Gateway routes broker commands to the scanner
type Gateway struct {
	Store  *config.Store
	Broker Broker

	// Lane serializes hardware commands
	Lane *locker.Locker

	// NewStage, NewCamera and NewUploader build a fresh device or client
	// from the current configuration for every command
	NewStage    func(config.Printer) motion.Stage
	NewCamera   func(config.Camera) camera.ImageSource
	NewUploader func(config.SSH) Uploader

	Logger *log.Logger

	ctx context.Context
	wg  sync.WaitGroup

	mu     sync.Mutex
	last   map[string]json.RawMessage
	topics *config.Topics
}

// New returns a Gateway.  The device constructors must be set before Run.
// If logger is nil, one writing to stderr is used.
func New(store *config.Store, broker Broker, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.New(os.Stderr, "[gateway] ", log.LstdFlags)
	}
	return &Gateway{
		Store:  store,
		Broker: broker,
		Lane:   locker.New(),
		Logger: logger,
		ctx:    context.Background(),
		last:   make(map[string]json.RawMessage)}
}

// Run connects to the broker and serves commands until ctx is cancelled.
// A scan in progress observes the cancellation at its next grid point; Run
// waits for running commands before disconnecting.
func (g *Gateway) Run(ctx context.Context) error {
	g.ctx = ctx
	if err := g.Broker.Connect(g.onConnect); err != nil {
		return err
	}
	<-ctx.Done()
	g.Logger.Println("shutting down, waiting for running commands")
	g.Wait()
	g.Broker.Disconnect()
	return nil
}

// Wait blocks until every command started so far has finished
func (g *Gateway) Wait() {
	g.wg.Wait()
}

// onConnect subscribes the command topics and publishes the three status
// snapshots
func (g *Gateway) onConnect() {
	cfg, err := g.Store.Load()
	if err != nil {
		g.Logger.Printf("loading config: %v, using defaults", err)
		cfg = config.Default()
	}
	t := cfg.MQTT.Topics
	g.mu.Lock()
	g.topics = &t
	g.mu.Unlock()
	for _, topic := range []string{t.ScanCommand, t.CameraPicture, t.PrinterGcode, t.ConfigRequest} {
		if err := g.Broker.Subscribe(topic, byte(cfg.MQTT.QoS), g.Dispatch); err != nil {
			g.Logger.Printf("subscribing to %s: %v", topic, err)
			continue
		}
		g.Logger.Printf("subscribed to %s", topic)
	}
	g.snapshots(cfg, true)
}

// snapshots publishes status, camera_status and printer_status.  The status
// payload carries the whole configuration when withConfig is set.
func (g *Gateway) snapshots(cfg config.Config, withConfig bool) {
	var fields map[string]interface{}
	if withConfig {
		fields = map[string]interface{}{"config": cfg.Map()}
	}
	g.emit(General, cfg, Result{Fields: fields})
	g.emit(Camera, cfg, Result{})
	g.emit(Printer, cfg, Result{})
}

// Dispatch routes one message.  It never blocks on a command: handlers run
// on their own goroutine.
func (g *Gateway) Dispatch(msg Message) {
	cfg, err := g.Store.Load()
	if err != nil {
		g.Logger.Printf("loading config for %s: %v", msg.Topic, err)
		g.emit(General, config.Default(), failed(err))
		return
	}
	t := g.bound(cfg)
	switch msg.Topic {
	case t.ScanCommand:
		g.start(msg, cfg, General, "scan", g.handleScan)
	case t.CameraPicture:
		g.start(msg, cfg, Camera, "camera", g.handleSnapshot)
	case t.PrinterGcode:
		g.start(msg, cfg, Printer, "printer", g.handleGcode)
	case t.ConfigRequest:
		g.start(msg, cfg, General, "", g.handleConfig)
	default:
		g.Logger.Printf("ignoring message on unhandled topic %s", msg.Topic)
	}
}

// start runs h on a new goroutine.  A non-empty lane names a hardware
// command, which is refused with a busy status if the lane is taken.
func (g *Gateway) start(msg Message, cfg config.Config, ch Channel, lane string, h handlerFunc) {
	if lane != "" && !g.Lane.TryLock(lane) {
		holder, _ := g.Lane.Holder()
		g.Logger.Printf("%s command refused, %s is running", lane, holder)
		g.emit(ch, cfg, Result{Status: "busy", Fields: map[string]interface{}{"busy_with": holder}})
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if lane != "" {
			defer g.Lane.Unlock()
		}
		res := g.execute(msg, cfg, h)
		g.emit(ch, cfg, res)
		if res.Snapshots {
			if fresh, err := g.Store.Load(); err == nil {
				cfg = fresh
			}
			g.snapshots(cfg, true)
		}
	}()
}

// execute decodes the payload and calls h, converting a panic into an
// error result
func (g *Gateway) execute(msg Message, cfg config.Config, h handlerFunc) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			g.Logger.Printf("panic handling %s: %v\n%s", msg.Topic, r, debug.Stack())
			res = failed(fmt.Errorf("internal error handling %s: %v", msg.Topic, r))
		}
	}()
	cmd, err := decode(msg.Payload)
	if err != nil {
		return failed(err)
	}
	return h(g.ctx, cfg, cmd)
}

// decode parses a command payload.  An empty payload is an empty command.
func decode(payload []byte) (map[string]interface{}, error) {
	cmd := map[string]interface{}{}
	if len(payload) == 0 {
		return cmd, nil
	}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, fault.Wrap(fault.ConfigurationError, "gateway.decode", "payload is not a JSON object", err)
	}
	return cmd, nil
}

// emit is the only place status payloads are built and published.  Camera
// and printer payloads include their config section.
func (g *Gateway) emit(ch Channel, cfg config.Config, r Result) {
	if r.Skip {
		return
	}
	payload := map[string]interface{}{}
	if s := ch.section(); s != "" {
		for k, v := range cfg.Section(s) {
			payload[k] = v
		}
	}
	status := r.Status
	if status == "" {
		status = "idle"
	}
	payload["status"] = status
	for k, v := range r.Fields {
		payload[k] = v
	}
	if r.Err != nil {
		g.Logger.Printf("error: %v", r.Err)
		payload["status"] = "error"
		payload["error"] = r.Err.Error()
		if k := fault.KindOf(r.Err); k != "" {
			payload["kind"] = string(k)
		}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		g.Logger.Printf("encoding status: %v", err)
		return
	}
	topic := ch.topic(g.bound(cfg))
	g.mu.Lock()
	g.last[topic] = b
	g.mu.Unlock()
	if err := g.Broker.Publish(topic, byte(cfg.MQTT.QoS), b); err != nil {
		g.Logger.Printf("publishing to %s: %v", topic, err)
	}
}

// bound returns the topics subscribed at the last connect, or those of cfg
// before the first one
func (g *Gateway) bound(cfg config.Config) config.Topics {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.topics != nil {
		return *g.topics
	}
	return cfg.MQTT.Topics
}

// Last returns the most recent payload published on each topic
func (g *Gateway) Last() map[string]json.RawMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]json.RawMessage, len(g.last))
	for k, v := range g.last {
		out[k] = v
	}
	return out
}
