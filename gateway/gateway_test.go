package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kybfarm/hsi/camera"
	"github.com/kybfarm/hsi/config"
	"github.com/kybfarm/hsi/fault"
	"github.com/kybfarm/hsi/imgrec"
	"github.com/kybfarm/hsi/motion"
	"github.com/kybfarm/hsi/scan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = log.New(io.Discard, "", 0)

type publication struct {
	topic   string
	payload map[string]interface{}
}

// memBroker is an in-process Broker
type memBroker struct {
	mu   sync.Mutex
	subs map[string]MessageHandler
	pubs []publication
}

func newMemBroker() *memBroker {
	return &memBroker{subs: make(map[string]MessageHandler)}
}

func (b *memBroker) Connect(onConnect func()) error {
	onConnect()
	return nil
}

func (b *memBroker) Subscribe(topic string, qos byte, h MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = h
	return nil
}

func (b *memBroker) Publish(topic string, qos byte, payload []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pubs = append(b.pubs, publication{topic, m})
	return nil
}

func (b *memBroker) Disconnect() {}

// deliver hands a message to the subscriber of topic
func (b *memBroker) deliver(t *testing.T, topic, payload string) {
	b.mu.Lock()
	h, ok := b.subs[topic]
	b.mu.Unlock()
	require.True(t, ok, "nothing subscribed to %s", topic)
	h(Message{Topic: topic, Payload: []byte(payload)})
}

func (b *memBroker) on(topic string) []map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]interface{}
	for _, p := range b.pubs {
		if p.topic == topic {
			out = append(out, p.payload)
		}
	}
	return out
}

func (b *memBroker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pubs = nil
}

type fakeUploader struct {
	mu   sync.Mutex
	puts [][3]string
	err  error
}

func (u *fakeUploader) Put(local, dir, name string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.puts = append(u.puts, [3]string{filepath.Base(local), dir, name})
	return dir + "/" + name, u.err
}

type rig struct {
	g      *Gateway
	broker *memBroker
	cfg    config.Config
	stages []*motion.MockStage
	cam    *camera.Mock
	up     *fakeUploader
	mu     sync.Mutex
}

func testConfig(dir string) config.Config {
	c := config.Default()
	c.Camera.DataDir = filepath.Join(dir, "data")
	c.Storage.Root = filepath.Join(dir, "scans")
	c.Cube = config.Cube{
		BinSize: 4, CropXStart: 0, CropXEnd: 32, CropYStart: 1, CropYEnd: 5,
		StartWavelength: 400, EndWavelength: 800,
		CalibrationFile:   filepath.Join(dir, "calibration.json"),
		PerspectiveScaleY: 0.5}
	c.Scan = config.Scan{StartX: 0, EndX: 1, StepX: 1, StartZ: 0, EndZ: 1, StepZ: 1}
	return c
}

func newRig(t *testing.T, mutate func(*config.Config)) *rig {
	dir := t.TempDir()
	cfg := testConfig(dir)
	if mutate != nil {
		mutate(&cfg)
	}
	store := config.NewStore(filepath.Join(dir, "config.yaml"))
	require.NoError(t, store.Save(cfg))

	r := &rig{broker: newMemBroker(), cfg: cfg, cam: camera.NewMock(32, 6), up: &fakeUploader{}}
	g := New(store, r.broker, quiet)
	g.NewStage = func(config.Printer) motion.Stage {
		r.mu.Lock()
		defer r.mu.Unlock()
		s := motion.NewMockStage()
		r.stages = append(r.stages, s)
		return s
	}
	g.NewCamera = func(config.Camera) camera.ImageSource { return r.cam }
	g.NewUploader = func(config.SSH) Uploader { return r.up }
	r.g = g
	require.NoError(t, r.broker.Connect(g.onConnect))
	return r
}

func (r *rig) send(t *testing.T, topic, payload string) {
	r.broker.deliver(t, topic, payload)
	r.g.Wait()
}

func TestConnectSubscribesAndPublishesSnapshots(t *testing.T) {
	r := newRig(t, nil)
	tp := r.cfg.MQTT.Topics
	for _, topic := range []string{tp.ScanCommand, tp.CameraPicture, tp.PrinterGcode, tp.ConfigRequest} {
		assert.Contains(t, r.broker.subs, topic)
	}
	status := r.broker.on(tp.Status)
	require.Len(t, status, 1)
	assert.Equal(t, "idle", status[0]["status"])
	assert.Contains(t, status[0], "config")

	cam := r.broker.on(tp.CameraStatus)
	require.Len(t, cam, 1)
	assert.Equal(t, 92.72, cam[0]["EXPOSURE_TIME_MS"])

	pr := r.broker.on(tp.PrinterStatus)
	require.Len(t, pr, 1)
	assert.Equal(t, "/dev/ttyACM0", pr[0]["DEVICE"])
}

func TestGcode(t *testing.T) {
	r := newRig(t, nil)
	r.broker.reset()
	r.send(t, r.cfg.MQTT.Topics.PrinterGcode, `{"gcode":"G28"}`)

	pubs := r.broker.on(r.cfg.MQTT.Topics.PrinterStatus)
	require.Len(t, pubs, 1)
	assert.Equal(t, "idle", pubs[0]["status"])
	assert.Equal(t, "G28", pubs[0]["last_gcode"])
	require.Len(t, r.stages, 1)
	assert.Equal(t, []string{"G28"}, r.stages[0].Log)
	assert.False(t, r.stages[0].Connected())
}

func TestEmptyGcodeIsIgnored(t *testing.T) {
	r := newRig(t, nil)
	r.broker.reset()
	r.send(t, r.cfg.MQTT.Topics.PrinterGcode, `{"gcode":"  "}`)
	r.send(t, r.cfg.MQTT.Topics.PrinterGcode, ``)
	assert.Empty(t, r.broker.on(r.cfg.MQTT.Topics.PrinterStatus))
	assert.Empty(t, r.stages)
}

func TestHandlerPanicYieldsOneErrorAndLoopContinues(t *testing.T) {
	r := newRig(t, nil)
	r.broker.reset()
	next := r.g.NewStage
	r.g.NewStage = func(config.Printer) motion.Stage { panic("driver exploded") }
	r.send(t, r.cfg.MQTT.Topics.PrinterGcode, `{"gcode":"M114"}`)

	pubs := r.broker.on(r.cfg.MQTT.Topics.PrinterStatus)
	require.Len(t, pubs, 1)
	assert.Equal(t, "error", pubs[0]["status"])
	assert.Contains(t, pubs[0]["error"], "driver exploded")
	assert.False(t, r.g.Lane.Locked())

	r.g.NewStage = next
	r.send(t, r.cfg.MQTT.Topics.PrinterGcode, `{"gcode":"M114"}`)
	pubs = r.broker.on(r.cfg.MQTT.Topics.PrinterStatus)
	require.Len(t, pubs, 2)
	assert.Equal(t, "idle", pubs[1]["status"])
}

func TestDeviceFailureIsReportedWithKind(t *testing.T) {
	r := newRig(t, nil)
	r.broker.reset()
	r.cam.ConnectErr = fault.New(fault.ConnectionFailure, "ueye.Connect", "no camera")
	r.send(t, r.cfg.MQTT.Topics.CameraPicture, `{}`)

	pubs := r.broker.on(r.cfg.MQTT.Topics.CameraStatus)
	require.Len(t, pubs, 1)
	assert.Equal(t, "error", pubs[0]["status"])
	assert.Equal(t, string(fault.ConnectionFailure), pubs[0]["kind"])
}

func TestMalformedPayload(t *testing.T) {
	r := newRig(t, nil)
	r.broker.reset()
	r.send(t, r.cfg.MQTT.Topics.ConfigRequest, `{not json`)
	pubs := r.broker.on(r.cfg.MQTT.Topics.Status)
	require.Len(t, pubs, 1)
	assert.Equal(t, "error", pubs[0]["status"])
	assert.Equal(t, string(fault.ConfigurationError), pubs[0]["kind"])
}

func TestBusyWhileHardwareCommandRuns(t *testing.T) {
	r := newRig(t, nil)
	r.broker.reset()
	release := make(chan struct{})
	r.cam.Generate = func(n int) *image.Gray {
		<-release
		return image.NewGray(image.Rect(0, 0, 32, 6))
	}

	r.broker.deliver(t, r.cfg.MQTT.Topics.CameraPicture, `{}`)
	r.broker.deliver(t, r.cfg.MQTT.Topics.PrinterGcode, `{"gcode":"G28"}`)
	busy := r.broker.on(r.cfg.MQTT.Topics.PrinterStatus)
	require.Len(t, busy, 1)
	assert.Equal(t, "busy", busy[0]["status"])
	assert.Equal(t, "camera", busy[0]["busy_with"])
	assert.Empty(t, r.stages)

	close(release)
	r.g.Wait()
	pubs := r.broker.on(r.cfg.MQTT.Topics.CameraStatus)
	require.Len(t, pubs, 1)
	assert.Equal(t, "idle", pubs[0]["status"])
	assert.False(t, r.g.Lane.Locked())
}

func TestSnapshot(t *testing.T) {
	r := newRig(t, func(c *config.Config) {
		c.SSH = config.SSH{Enabled: true, User: "pi", ServerIP: "10.0.0.2", Password: "x", DestFolder: "HSI"}
	})
	r.broker.reset()
	r.send(t, r.cfg.MQTT.Topics.CameraPicture, `{}`)

	pubs := r.broker.on(r.cfg.MQTT.Topics.CameraStatus)
	require.Len(t, pubs, 1)
	assert.Equal(t, "idle", pubs[0]["status"])
	assert.Equal(t, "true", pubs[0]["picture_sent"])
	assert.EqualValues(t, 32, pubs[0]["picture_width"])
	assert.EqualValues(t, 4, pubs[0]["picture_height"])
	assert.EqualValues(t, 8, pubs[0]["bands"])
	assert.FileExists(t, filepath.Join(r.cfg.Camera.DataDir, DebugPicture))
	require.Len(t, r.up.puts, 1)
	assert.Equal(t, [3]string{DebugPicture, "HSI", RemotePicture}, r.up.puts[0])
	assert.False(t, r.cam.Connected())
}

func TestUploadFailureTurnsStatusIntoError(t *testing.T) {
	r := newRig(t, func(c *config.Config) {
		c.SSH = config.SSH{Enabled: true, User: "pi", ServerIP: "10.0.0.2", Password: "x"}
	})
	r.broker.reset()
	r.up.err = fault.New(fault.ConnectionFailure, "upload.dial", "unreachable")
	r.send(t, r.cfg.MQTT.Topics.CameraPicture, `{}`)
	pubs := r.broker.on(r.cfg.MQTT.Topics.CameraStatus)
	require.Len(t, pubs, 1)
	assert.Equal(t, "error", pubs[0]["status"])
}

func TestConfigMerge(t *testing.T) {
	r := newRig(t, nil)
	r.broker.reset()
	r.send(t, r.cfg.MQTT.Topics.ConfigRequest, `{"config":{"camera":{"EXPOSURE_TIME_MS":10},"printer":{"DEFAULT_FEEDRATE":900}}}`)

	c, err := r.g.Store.Load()
	require.NoError(t, err)
	assert.Equal(t, 10., c.Camera.ExposureTimeMS)
	assert.Equal(t, 24, c.Camera.MasterGain)
	assert.Equal(t, 900., c.Printer.DefaultFeedrate)

	status := r.broker.on(r.cfg.MQTT.Topics.Status)
	require.Len(t, status, 2)
	assert.Equal(t, "updated", status[0]["config"])
	assert.IsType(t, map[string]interface{}{}, status[1]["config"])

	cam := r.broker.on(r.cfg.MQTT.Topics.CameraStatus)
	require.Len(t, cam, 1)
	assert.EqualValues(t, 10, cam[0]["EXPOSURE_TIME_MS"])
	assert.Len(t, r.broker.on(r.cfg.MQTT.Topics.PrinterStatus), 1)
}

func TestConfigMergeRejectsInvalid(t *testing.T) {
	r := newRig(t, nil)
	r.broker.reset()
	r.send(t, r.cfg.MQTT.Topics.ConfigRequest, `{"config":{"cube":{"bin_size":0}}}`)
	status := r.broker.on(r.cfg.MQTT.Topics.Status)
	require.Len(t, status, 1)
	assert.Equal(t, "error", status[0]["status"])
	c, err := r.g.Store.Load()
	require.NoError(t, err)
	assert.Equal(t, 4, c.Cube.BinSize)
}

func TestRenamedTopicsApplyAfterReconnect(t *testing.T) {
	r := newRig(t, nil)
	old := r.cfg.MQTT.Topics
	r.broker.reset()
	r.send(t, old.ConfigRequest, `{"config":{"mqtt":{"topics":{"config_request":"hsi/cfg2","printer_gcode":"hsi/gcode2"}}}}`)
	c, err := r.g.Store.Load()
	require.NoError(t, err)
	require.Equal(t, "hsi/gcode2", c.MQTT.Topics.PrinterGcode)

	// still bound to the names subscribed at connect
	r.broker.reset()
	r.send(t, old.PrinterGcode, `{"gcode":"M114"}`)
	pubs := r.broker.on(old.PrinterStatus)
	require.Len(t, pubs, 1)
	assert.Equal(t, "M114", pubs[0]["last_gcode"])
	assert.Len(t, r.stages, 1)

	r.send(t, old.ConfigRequest, `{"config":{"mqtt":{"topics":{"config_request":"`+old.ConfigRequest+`"}}}}`)
	status := r.broker.on(old.Status)
	require.NotEmpty(t, status)
	assert.Equal(t, "updated", status[0]["config"])
	c, err = r.g.Store.Load()
	require.NoError(t, err)
	assert.Equal(t, old.ConfigRequest, c.MQTT.Topics.ConfigRequest)

	// a reconnect binds the new names
	r.g.onConnect()
	assert.Contains(t, r.broker.subs, "hsi/gcode2")
	r.broker.reset()
	r.send(t, "hsi/gcode2", `{"gcode":"G28"}`)
	require.Len(t, r.broker.on(old.PrinterStatus), 1)
	assert.Len(t, r.stages, 2)
	r.send(t, old.PrinterGcode, `{"gcode":"G28"}`)
	assert.Len(t, r.stages, 2)
}

func TestScan(t *testing.T) {
	r := newRig(t, func(c *config.Config) {
		c.SSH = config.SSH{Enabled: true, User: "pi", ServerIP: "10.0.0.2", Password: "x", DestFolderScan: "HSI/scanner_data"}
	})
	r.broker.reset()
	r.send(t, r.cfg.MQTT.Topics.ScanCommand, ``)

	status := r.broker.on(r.cfg.MQTT.Topics.Status)
	require.NotEmpty(t, status)
	assert.Equal(t, "scanning", status[0]["status"])
	last := status[len(status)-1]
	assert.Equal(t, "idle", last["status"], "last status %v", last)
	assert.Equal(t, []interface{}{4., 4., 8.}, last["cube_shape"])
	assert.Contains(t, last, "scan_id")
	tarball, _ := last["scan_tarball"].(string)
	assert.Regexp(t, `^scan_.*\.tar\.gz$`, tarball)

	require.Len(t, r.up.puts, 1)
	assert.Equal(t, tarball, r.up.puts[0][0])
	assert.Equal(t, "HSI/scanner_data", r.up.puts[0][1])

	require.Len(t, r.stages, 1)
	assert.False(t, r.stages[0].Connected())
	entries, err := os.ReadDir(r.cfg.Storage.Root)
	require.NoError(t, err)
	var dirs int
	for _, e := range entries {
		if e.IsDir() {
			dirs++
		}
	}
	assert.Equal(t, 1, dirs)
}

func TestScanKeepsTarballWhenNotUploading(t *testing.T) {
	r := newRig(t, nil)
	stale := filepath.Join(r.cfg.Storage.Root, "scan_01Jan_00-00-00.tar.gz")
	require.NoError(t, os.MkdirAll(r.cfg.Storage.Root, 0777))
	require.NoError(t, os.WriteFile(stale, nil, 0666))
	r.broker.reset()
	r.send(t, r.cfg.MQTT.Topics.ScanCommand, ``)

	status := r.broker.on(r.cfg.MQTT.Topics.Status)
	require.NotEmpty(t, status)
	last := status[len(status)-1]
	require.Equal(t, "idle", last["status"], "last status %v", last)
	tarball, _ := last["scan_tarball"].(string)
	require.NotEmpty(t, tarball)
	assert.FileExists(t, filepath.Join(r.cfg.Storage.Root, tarball))
	assert.NoFileExists(t, stale)
	assert.Empty(t, r.up.puts)
}

func TestScanFailureIsOneError(t *testing.T) {
	r := newRig(t, nil)
	r.broker.reset()
	r.cam.FailCaptureAt = 2
	r.cam.CaptureErr = fault.New(fault.ProtocolTimeout, "camera", "no buffer")
	r.send(t, r.cfg.MQTT.Topics.ScanCommand, ``)

	var errs []map[string]interface{}
	for _, p := range r.broker.on(r.cfg.MQTT.Topics.Status) {
		if p["status"] == "error" {
			errs = append(errs, p)
		}
	}
	require.Len(t, errs, 1)
	assert.Equal(t, string(fault.ProtocolTimeout), errs[0]["kind"])
	assert.False(t, r.stages[0].Connected())
	assert.False(t, r.cam.Connected())
}

func TestScanReplay(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	o := scan.New(motion.NewMockStage(), camera.NewMock(32, 6), cfg.Cube, quiet)
	res, err := o.Run(context.Background(), scan.PlanFrom(cfg.Scan))
	require.NoError(t, err)
	fldr, err := imgrec.NewRecorder(filepath.Join(dir, "old"), cfg.Cube, quiet).Record(res)
	require.NoError(t, err)

	r := newRig(t, func(c *config.Config) {
		c.Scan.Mock = true
		c.Scan.ReplayFolder = fldr
	})
	r.broker.reset()
	r.send(t, r.cfg.MQTT.Topics.ScanCommand, ``)

	status := r.broker.on(r.cfg.MQTT.Topics.Status)
	require.Len(t, status, 2)
	assert.Equal(t, "scanning", status[0]["status"])
	assert.Equal(t, "idle", status[1]["status"])
	assert.Equal(t, []interface{}{4., 4., 8.}, status[1]["cube_shape"])
	assert.Empty(t, r.stages)
	assert.Zero(t, r.cam.Frames())
	assert.FileExists(t, fldr+".tar.gz")
}

func TestScanReplayWithoutFolder(t *testing.T) {
	r := newRig(t, func(c *config.Config) { c.Scan.Mock = true })
	r.broker.reset()
	r.send(t, r.cfg.MQTT.Topics.ScanCommand, ``)
	status := r.broker.on(r.cfg.MQTT.Topics.Status)
	require.Len(t, status, 1)
	assert.Equal(t, string(fault.ConfigurationError), status[0]["kind"])
}

func TestLastPayloads(t *testing.T) {
	r := newRig(t, nil)
	last := r.g.Last()
	assert.Len(t, last, 3)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(last[r.cfg.MQTT.Topics.Status], &m))
	assert.Equal(t, "idle", m["status"])
}

func TestUnknownTopicIsIgnored(t *testing.T) {
	r := newRig(t, nil)
	r.broker.reset()
	r.g.Dispatch(Message{Topic: "somewhere/else", Payload: []byte("{}")})
	r.g.Wait()
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()
	assert.Empty(t, r.broker.pubs)
}

func TestDecode(t *testing.T) {
	m, err := decode(nil)
	require.NoError(t, err)
	assert.Empty(t, m)
	_, err = decode([]byte(`[1,2]`))
	assert.True(t, errors.Is(err, fault.ConfigurationError))
}
