package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kybfarm/hsi/config"
	"github.com/kybfarm/hsi/gateway"
	"github.com/kybfarm/hsi/server"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like; HSI_CONFIG overrides it
	ConfigFileName = "config.yaml"
)

func root() {
	str := `hsi drives a hyperspectral line-scan scanner: a Marlin controlled stage
carrying a uEye camera behind a diffraction grating.  In normal operation it
waits for commands on an MQTT broker.

Usage:
	hsi <command> [args]

Commands:
	run                serve broker commands
	scan               run one scan with the configured plan
	snapshot           take one cropped picture
	gcode <cmd>        send one command to the stage
	replay <folder>    rebuild the cube of a recorded scan
	bands <folder>     pick RGB bands from a recorded cube, write calibration
	probe              list IDS cameras on the USB bus
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `hsi is configured via its .yaml file, config.yaml in the working directory
unless HSI_CONFIG names another.  For a primer on YAML, see
https://yaml.org/start.html

"hsi mkconf" writes a file with every key at its default value.  Keys missing
from the file take their default.  The file is re-read at the start of every
command, and config_request messages on the broker merge into it.

Sections:
- mqtt     broker address, credentials, topic names, progress rate
- camera   exposure (ms), gain, black level, resolution, snapshot folder
- printer  serial device or host:port, baud, default feedrate, safe Z
- ssh      remote server scans and snapshots are pushed to
- scan     raster start, end and step on X and Z in mm, pause after moves;
           mock: true replays scan.replay_folder instead of moving
- cube     crop window, bin size, wavelength range, calibration file
- storage  root folder for scans and how many to keep
- http     diagnostics listener address; empty disables it`
	fmt.Println(str)
}

func store() *config.Store {
	if p := os.Getenv("HSI_CONFIG"); p != "" {
		ConfigFileName = p
	}
	return config.NewStore(ConfigFileName)
}

func loadconf(s *config.Store) config.Config {
	c, err := s.Load()
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}
	return c
}

func mkconf(s *config.Store) {
	if _, err := os.Stat(s.Path); err == nil {
		log.Fatalf("%s already exists, not overwriting", s.Path)
	}
	if err := s.Save(loadconf(s)); err != nil {
		log.Fatal(err)
	}
}

func printconf(s *config.Store) {
	c := loadconf(s)
	if err := yml.NewEncoder(os.Stdout).Encode(c); err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("hsi version %v\n", Version)
}

func run(s *config.Store) {
	c := loadconf(s)
	if err := c.Validate(); err != nil {
		log.Printf("config has problems, hardware commands will fail until fixed: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := gateway.New(s, gateway.NewPahoBroker(c.MQTT, nil), nil)
	wireDevices(g)
	if c.HTTP.Addr != "" {
		mux := server.New(g, s, g.Lane)
		go func() {
			log.Println("diagnostics listening at", c.HTTP.Addr)
			if err := http.ListenAndServe(c.HTTP.Addr, mux); err != nil {
				log.Printf("diagnostics server stopped: %v", err)
			}
		}()
	}
	log.Printf("connecting to broker at %s", c.MQTT.BrokerURL())
	if err := g.Run(ctx); err != nil {
		log.Fatal(err)
	}
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	s := store()
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf(s)
	case "conf":
		printconf(s)
	case "version":
		pversion()
	case "run":
		run(s)
	case "scan":
		scanOnce(s)
	case "snapshot":
		snapshot(s)
	case "gcode":
		if len(args) < 3 {
			log.Fatal("usage: hsi gcode <command>")
		}
		gcode(s, strings.Join(args[2:], " "))
	case "replay":
		if len(args) < 3 {
			log.Fatal("usage: hsi replay <folder>")
		}
		replay(s, args[2])
	case "bands":
		if len(args) < 3 {
			log.Fatal("usage: hsi bands <folder>")
		}
		bands(s, args[2])
	case "probe":
		probe()
	default:
		log.Fatal("unknown command")
	}
}
