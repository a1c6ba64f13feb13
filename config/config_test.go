package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kybfarm/hsi/config"
	"github.com/kybfarm/hsi/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const doc = `mqtt:
  broker: 10.0.0.5
  port: 1884
  topics:
    scan_command: farm/hsi/scan
printer:
  DEVICE: /dev/ttyUSB1
  DEFAULT_FEEDRATE: 1200
camera:
  EXPOSURE_TIME_MS: 50.5
`

func writeDoc(t *testing.T, body string) *config.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return config.NewStore(path)
}

func TestMissingFileYieldsDefaults(t *testing.T) {
	s := config.NewStore(filepath.Join(t.TempDir(), "absent.yaml"))
	c, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, config.Default(), c)
	assert.NoError(t, c.Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	s := writeDoc(t, doc)
	c, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", c.MQTT.Broker)
	assert.Equal(t, 1884, c.MQTT.Port)
	assert.Equal(t, "farm/hsi/scan", c.MQTT.Topics.ScanCommand)
	assert.Equal(t, "hsi/status", c.MQTT.Topics.Status, "untouched topics keep their defaults")
	assert.Equal(t, "/dev/ttyUSB1", c.Printer.Device)
	assert.Equal(t, 115200, c.Printer.Baudrate)
	assert.Equal(t, 50.5, c.Camera.ExposureTimeMS)
	assert.Equal(t, "tcp://10.0.0.5:1884", c.MQTT.BrokerURL())
}

func TestMalformedDocument(t *testing.T) {
	s := writeDoc(t, "mqtt: [this is: not, a map")
	_, err := s.Load()
	assert.True(t, errors.Is(err, fault.ConfigurationError), "got %v", err)
}

func TestMergeIsKeywisePerSection(t *testing.T) {
	s := writeDoc(t, doc)
	c, err := s.Merge(map[string]interface{}{
		"printer": map[string]interface{}{"DEFAULT_FEEDRATE": 900.0},
		"camera":  map[string]interface{}{"MASTER_GAIN": 12.0},
	})
	require.NoError(t, err)
	assert.Equal(t, 900.0, c.Printer.DefaultFeedrate)
	assert.Equal(t, "/dev/ttyUSB1", c.Printer.Device, "keys not in the update are kept")
	assert.Equal(t, 12, c.Camera.MasterGain)
	assert.Equal(t, 50.5, c.Camera.ExposureTimeMS)

	// the merge was persisted
	again, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, c, again)
}

func TestMergeAddsUnknownSection(t *testing.T) {
	s := writeDoc(t, doc)
	_, err := s.Merge(map[string]interface{}{
		"homeassistant": map[string]interface{}{"entity": "sensor.hsi"},
	})
	require.NoError(t, err)
	raw, err := s.Raw()
	require.NoError(t, err)
	section, ok := raw["homeassistant"].(map[string]interface{})
	require.True(t, ok, "expected the new section to be persisted, got %v", raw)
	assert.Equal(t, "sensor.hsi", section["entity"])
}

func TestMergeRejectsInvalidResult(t *testing.T) {
	s := writeDoc(t, doc)
	before, err := os.ReadFile(s.Path)
	require.NoError(t, err)

	_, err = s.Merge(map[string]interface{}{
		"cube": map[string]interface{}{"bin_size": 0.0},
	})
	assert.True(t, errors.Is(err, fault.ConfigurationError), "got %v", err)

	after, err := os.ReadFile(s.Path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after), "an invalid merge must not be written")
}

func TestMergeRejectsEmptyAndScalarSections(t *testing.T) {
	s := writeDoc(t, doc)
	_, err := s.Merge(nil)
	assert.True(t, errors.Is(err, fault.ConfigurationError))
	_, err = s.Merge(map[string]interface{}{"printer": "fast"})
	assert.True(t, errors.Is(err, fault.ConfigurationError))
}

func TestValidateCollectsProblems(t *testing.T) {
	c := config.Default()
	c.Printer.Device = ""
	c.Scan.StepZ = 0
	c.Cube.CropYEnd = c.Cube.CropYStart
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "printer.DEVICE")
	assert.Contains(t, err.Error(), "scan steps")
	assert.Contains(t, err.Error(), "crop rows")
}

func TestSectionUsesDocumentKeys(t *testing.T) {
	c := config.Default()
	cam := c.Section("camera")
	assert.Equal(t, 92.72, cam["EXPOSURE_TIME_MS"])
	assert.Equal(t, 24, cam["MASTER_GAIN"])
	pr := c.Section("printer")
	assert.Equal(t, "/dev/ttyACM0", pr["DEVICE"])
	topics, ok := c.Section("mqtt")["topics"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hsi/status", topics["status"])
	assert.Empty(t, c.Section("nope"))
}
