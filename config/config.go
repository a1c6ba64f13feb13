/*Package config holds the scanner's configuration document.

The document is a human-editable YAML file with one top-level section per
subsystem.  It is never cached: every consumer calls Store.Load at the start
of the operation that needs it, so an update made through Store.Merge is
seen by the next command without a restart.

Key names follow the document deployed on the edge device: the camera and
printer sections use upper case keys, the rest lower case.
*/
package config

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/structs"
	"github.com/kybfarm/hsi/fault"
	"github.com/kybfarm/hsi/util"
)

// Topics names the broker topics.  The semantics of each are fixed, only
// the names are configurable.
type Topics struct {
	ScanCommand   string `koanf:"scan_command" yaml:"scan_command"`
	CameraPicture string `koanf:"camera_picture" yaml:"camera_picture"`
	PrinterGcode  string `koanf:"printer_gcode" yaml:"printer_gcode"`
	ConfigRequest string `koanf:"config_request" yaml:"config_request"`
	Status        string `koanf:"status" yaml:"status"`
	CameraStatus  string `koanf:"camera_status" yaml:"camera_status"`
	PrinterStatus string `koanf:"printer_status" yaml:"printer_status"`
}

// MQTT is the broker connection
type MQTT struct {
	Broker   string `koanf:"broker" yaml:"broker"`
	Port     int    `koanf:"port" yaml:"port"`
	ClientID string `koanf:"client_id" yaml:"client_id"`
	Username string `koanf:"username" yaml:"username"`
	Password string `koanf:"password" yaml:"password"`
	QoS      int    `koanf:"qos" yaml:"qos"`

	// ProgressHz caps the rate of per-point scan progress publications
	ProgressHz float64 `koanf:"progress_hz" yaml:"progress_hz"`

	Topics Topics `koanf:"topics" yaml:"topics"`
}

// Camera holds acquisition parameters
type Camera struct {
	ExposureTimeMS float64 `koanf:"EXPOSURE_TIME_MS" yaml:"EXPOSURE_TIME_MS"`
	MasterGain     int     `koanf:"MASTER_GAIN" yaml:"MASTER_GAIN"`
	Width          int     `koanf:"CAMERA_WIDTH" yaml:"CAMERA_WIDTH"`
	Height         int     `koanf:"CAMERA_HEIGHT" yaml:"CAMERA_HEIGHT"`
	BitsPerPixel   int     `koanf:"BITS_PER_PIXEL" yaml:"BITS_PER_PIXEL"`
	BlackLevel     int     `koanf:"BLACK_LEVEL" yaml:"BLACK_LEVEL"`

	// DataDir is where snapshots are written
	DataDir string `koanf:"DATA_DIR" yaml:"DATA_DIR"`

	// CaptureTimeoutMS bounds the wait for a filled buffer
	CaptureTimeoutMS int `koanf:"CAPTURE_TIMEOUT_MS" yaml:"CAPTURE_TIMEOUT_MS"`

	// Buffers is the number of device-managed frame buffers
	Buffers int `koanf:"BUFFERS" yaml:"BUFFERS"`

	// FlipHorizontal mirrors each frame; the optical path of the scanner
	// reverses the spectral axis
	FlipHorizontal bool `koanf:"FLIP_HORIZONTAL" yaml:"FLIP_HORIZONTAL"`
}

// Printer holds the motion controller link parameters
type Printer struct {
	// Device is a tty path, or host:port for a serial server
	Device          string  `koanf:"DEVICE" yaml:"DEVICE"`
	Serial          bool    `koanf:"SERIAL" yaml:"SERIAL"`
	Baudrate        int     `koanf:"BAUDRATE" yaml:"BAUDRATE"`
	Timeout         float64 `koanf:"TIMEOUT" yaml:"TIMEOUT"`
	StepsPerMM      float64 `koanf:"STEPS_PER_MM" yaml:"STEPS_PER_MM"`
	DefaultFeedrate float64 `koanf:"DEFAULT_FEEDRATE" yaml:"DEFAULT_FEEDRATE"`

	// SettleSeconds is the delay after opening the port; Marlin boards reset
	// when the port opens
	SettleSeconds float64 `koanf:"SETTLE_SECONDS" yaml:"SETTLE_SECONDS"`

	// SafeZ is the clearance height reached before homing
	SafeZ float64 `koanf:"SAFE_Z" yaml:"SAFE_Z"`
}

// SSH is the remote server artifacts are pushed to
type SSH struct {
	Enabled        bool   `koanf:"enabled" yaml:"enabled"`
	User           string `koanf:"user" yaml:"user"`
	ServerIP       string `koanf:"server_ip" yaml:"server_ip"`
	Port           int    `koanf:"port" yaml:"port"`
	KeyFile        string `koanf:"key_file" yaml:"key_file"`
	Password       string `koanf:"password" yaml:"password"`
	KnownHosts     string `koanf:"known_hosts" yaml:"known_hosts"`
	DestFolder     string `koanf:"dest_folder" yaml:"dest_folder"`
	DestFolderScan string `koanf:"dest_folder_scan" yaml:"dest_folder_scan"`

	// InsecureHostKey skips host key verification altogether
	InsecureHostKey bool `koanf:"insecure_host_key" yaml:"insecure_host_key"`
}

// KnownHostsPath is KnownHosts, or ~/.ssh/known_hosts when it is empty
func (s SSH) KnownHostsPath() (string, error) {
	if s.KnownHosts != "" {
		return s.KnownHosts, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ssh", "known_hosts"), nil
}

// Scan is the raster to sweep.  Distances are in mm, PauseAfterMove in seconds.
type Scan struct {
	StartX         float64 `koanf:"start_x" yaml:"start_x"`
	EndX           float64 `koanf:"end_x" yaml:"end_x"`
	StepX          float64 `koanf:"step_x" yaml:"step_x"`
	StartZ         float64 `koanf:"start_z" yaml:"start_z"`
	EndZ           float64 `koanf:"end_z" yaml:"end_z"`
	StepZ          float64 `koanf:"step_z" yaml:"step_z"`
	PauseAfterMove float64 `koanf:"pause_after_move" yaml:"pause_after_move"`

	// Feedrate for scan moves in mm/min; zero uses the printer default
	Feedrate float64 `koanf:"feedrate" yaml:"feedrate"`

	// Mock replaces the hardware sweep with a replay of ReplayFolder
	Mock         bool   `koanf:"mock" yaml:"mock"`
	ReplayFolder string `koanf:"replay_folder" yaml:"replay_folder"`
}

// Cube holds the frame crop window and spectral binning
type Cube struct {
	BinSize         int     `koanf:"bin_size" yaml:"bin_size"`
	CropYStart      int     `koanf:"crop_y_start" yaml:"crop_y_start"`
	CropYEnd        int     `koanf:"crop_y_end" yaml:"crop_y_end"`
	CropXStart      int     `koanf:"crop_x_start" yaml:"crop_x_start"`
	CropXEnd        int     `koanf:"crop_x_end" yaml:"crop_x_end"`
	StartWavelength float64 `koanf:"start_wavelength" yaml:"start_wavelength"`
	EndWavelength   float64 `koanf:"end_wavelength" yaml:"end_wavelength"`
	CalibrationFile string  `koanf:"calibration_file" yaml:"calibration_file"`

	// PerspectiveScaleY resizes the RGB composite vertically; 0 disables it
	PerspectiveScaleY float64 `koanf:"perspective_scale_y" yaml:"perspective_scale_y"`
}

// Storage is where scans are recorded
type Storage struct {
	Root      string `koanf:"root" yaml:"root"`
	KeepScans int    `koanf:"keep_scans" yaml:"keep_scans"`
}

// HTTP is the optional diagnostics listener; empty Addr disables it
type HTTP struct {
	Addr string `koanf:"addr" yaml:"addr"`
}

// Config is the whole document
type Config struct {
	MQTT    MQTT    `koanf:"mqtt" yaml:"mqtt"`
	Camera  Camera  `koanf:"camera" yaml:"camera"`
	Printer Printer `koanf:"printer" yaml:"printer"`
	SSH     SSH     `koanf:"ssh" yaml:"ssh"`
	Scan    Scan    `koanf:"scan" yaml:"scan"`
	Cube    Cube    `koanf:"cube" yaml:"cube"`
	Storage Storage `koanf:"storage" yaml:"storage"`
	HTTP    HTTP    `koanf:"http" yaml:"http"`
}

// Default returns the configuration used for any key the document omits
func Default() Config {
	return Config{
		MQTT: MQTT{
			Broker:     "localhost",
			Port:       1883,
			ClientID:   "hsi-edge",
			QoS:        1,
			ProgressHz: 2,
			Topics: Topics{
				ScanCommand:   "hsi/scan_command",
				CameraPicture: "hsi/camera_picture",
				PrinterGcode:  "hsi/printer_gcode",
				ConfigRequest: "hsi/config_request",
				Status:        "hsi/status",
				CameraStatus:  "hsi/camera_status",
				PrinterStatus: "hsi/printer_status"}},
		Camera: Camera{
			ExposureTimeMS:   92.72,
			MasterGain:       24,
			Width:            1936,
			Height:           1216,
			BitsPerPixel:     8,
			BlackLevel:       4,
			DataDir:          "data",
			CaptureTimeoutMS: 5000,
			Buffers:          4,
			FlipHorizontal:   true},
		Printer: Printer{
			Device:          "/dev/ttyACM0",
			Serial:          true,
			Baudrate:        115200,
			Timeout:         2,
			StepsPerMM:      80,
			DefaultFeedrate: 1500,
			SettleSeconds:   2,
			SafeZ:           15},
		SSH: SSH{
			Port:           22,
			DestFolder:     "HSI",
			DestFolderScan: "HSI/scanner_data"},
		Scan: Scan{
			StartX:         100,
			EndX:           100,
			StepX:          10,
			StartZ:         20,
			EndZ:           80,
			StepZ:          0.2,
			PauseAfterMove: 0.5},
		Cube: Cube{
			BinSize:           8,
			CropYStart:        296,
			CropYEnd:          845,
			CropXStart:        0,
			CropXEnd:          1936,
			StartWavelength:   400,
			EndWavelength:     800,
			CalibrationFile:   "calibration.json",
			PerspectiveScaleY: 0.6},
		Storage: Storage{
			Root:      "data",
			KeepScans: 5},
	}
}

// Pause returns PauseAfterMove as a Duration
func (s Scan) Pause() time.Duration {
	return util.SecsToDuration(s.PauseAfterMove)
}

// CaptureTimeout returns CaptureTimeoutMS as a Duration
func (c Camera) CaptureTimeout() time.Duration {
	return time.Duration(c.CaptureTimeoutMS) * time.Millisecond
}

// Settle returns SettleSeconds as a Duration
func (p Printer) Settle() time.Duration {
	return util.SecsToDuration(p.SettleSeconds)
}

// Window returns the crop window as a rectangle
func (c Cube) Window() image.Rectangle {
	return image.Rect(c.CropXStart, c.CropYStart, c.CropXEnd, c.CropYEnd)
}

// BrokerURL returns the broker address in the scheme://host:port form
func (m MQTT) BrokerURL() string {
	if strings.Contains(m.Broker, "://") {
		return fmt.Sprintf("%s:%d", m.Broker, m.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", m.Broker, m.Port)
}

// Map returns the configuration as nested maps keyed the way the document
// is, e.g. m["camera"]["EXPOSURE_TIME_MS"]
func (c Config) Map() map[string]interface{} {
	m, err := structs.Provider(c, "koanf").Read()
	if err != nil {
		return map[string]interface{}{}
	}
	return m
}

// Section returns one top-level section of Map, or an empty map
func (c Config) Section(name string) map[string]interface{} {
	if s, ok := c.Map()[name].(map[string]interface{}); ok {
		return s
	}
	return map[string]interface{}{}
}

// Validate checks the settings every component relies on.  All problems are
// reported together as one ConfigurationError.
func (c Config) Validate() error {
	var probs []string
	add := func(format string, args ...interface{}) {
		probs = append(probs, fmt.Sprintf(format, args...))
	}
	if c.Printer.Device == "" {
		add("printer.DEVICE is empty")
	}
	if c.Printer.Serial && c.Printer.Baudrate <= 0 {
		add("printer.BAUDRATE must be positive, got %d", c.Printer.Baudrate)
	}
	if c.Printer.DefaultFeedrate <= 0 {
		add("printer.DEFAULT_FEEDRATE must be positive, got %g", c.Printer.DefaultFeedrate)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		add("camera resolution must be positive, got %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.BitsPerPixel != 8 {
		add("camera.BITS_PER_PIXEL must be 8 (Mono8), got %d", c.Camera.BitsPerPixel)
	}
	if c.Cube.BinSize < 1 {
		add("cube.bin_size must be >= 1, got %d", c.Cube.BinSize)
	}
	if c.Cube.CropYEnd <= c.Cube.CropYStart || c.Cube.CropYStart < 0 {
		add("cube crop rows [%d, %d) are empty or negative", c.Cube.CropYStart, c.Cube.CropYEnd)
	}
	if c.Cube.CropXEnd <= c.Cube.CropXStart || c.Cube.CropXStart < 0 {
		add("cube crop columns [%d, %d) are empty or negative", c.Cube.CropXStart, c.Cube.CropXEnd)
	}
	if c.Scan.StepX <= 0 || c.Scan.StepZ <= 0 {
		add("scan steps must be positive, got x=%g z=%g", c.Scan.StepX, c.Scan.StepZ)
	}
	if c.Cube.PerspectiveScaleY < 0 {
		add("cube.perspective_scale_y must not be negative")
	}
	if c.Scan.PauseAfterMove < 0 {
		add("scan.pause_after_move must not be negative")
	}
	t := c.MQTT.Topics
	for name, v := range map[string]string{
		"scan_command": t.ScanCommand, "camera_picture": t.CameraPicture,
		"printer_gcode": t.PrinterGcode, "config_request": t.ConfigRequest,
		"status": t.Status, "camera_status": t.CameraStatus, "printer_status": t.PrinterStatus} {
		if v == "" {
			add("mqtt.topics.%s is empty", name)
		}
	}
	if c.SSH.Enabled && (c.SSH.User == "" || c.SSH.ServerIP == "") {
		add("ssh is enabled but user or server_ip is empty")
	}
	if len(probs) == 0 {
		return nil
	}
	return fault.New(fault.ConfigurationError, "config.Validate", strings.Join(probs, "; "))
}
