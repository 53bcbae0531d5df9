// Package ndhcconfig assembles process configuration from command-line
// flags and an optional YAML file (spec §9's CLI-parsing collaborator),
// mirroring the original ndhc.c flag table one for one.
package ndhcconfig

import (
	"os"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/nkain/ndhc/internal/arpfsm"
)

// Config is the fully resolved process configuration.
type Config struct {
	Interface      string `yaml:"interface"`
	ClientID       string `yaml:"client_id"`
	Hostname       string `yaml:"hostname"`
	VendorID       string `yaml:"vendor_id"`
	RequestIP      string `yaml:"request_ip"`
	StateDir       string `yaml:"state_dir"`
	Chroot         string `yaml:"chroot"`
	User           string `yaml:"user"`
	PidFile        string `yaml:"pidfile"`
	GWMetric       int    `yaml:"gw_metric"`
	Foreground     bool   `yaml:"foreground"`
	Background     bool   `yaml:"background"`
	Now            bool   `yaml:"now"`
	QuitAfterLease bool   `yaml:"quit"`
	RelentlessDef  bool   `yaml:"relentless_defense"`

	ProbeWaitMS int `yaml:"arp_probe_wait_ms"`
	ProbeNum    int `yaml:"arp_probe_num"`
	ProbeMinMS  int `yaml:"arp_probe_min_ms"`
	ProbeMaxMS  int `yaml:"arp_probe_max_ms"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// Default matches the original's compiled-in defaults (ndhc.c:
// client_config_t{interface="eth0", foreground=1}).
func Default() Config {
	return Config{
		Interface:   "eth0",
		StateDir:    "/etc/ndhc",
		Foreground:  true,
		ProbeWaitMS: 0,
		ProbeNum:    arpfsm.DefaultProbeNum,
		ProbeMinMS:  int(arpfsm.DefaultProbeMin / time.Millisecond),
		ProbeMaxMS:  int(arpfsm.DefaultProbeMax / time.Millisecond),
	}
}

// ParseFlags builds a Config from Default(), optionally merged with a
// YAML file named by --config, then overridden by explicit flags. argv
// excludes the program name (as in flag.Args()-style usage).
func ParseFlags(argv []string) (Config, error) {
	cfg := Default()

	fs := pflag.NewFlagSet("ndhc", pflag.ContinueOnError)
	var configFile string
	fs.StringVar(&configFile, "config", "", "optional YAML config file")

	fs.StringVarP(&cfg.ClientID, "clientid", "c", cfg.ClientID, "client identifier")
	fs.StringVarP(&cfg.Hostname, "hostname", "h", cfg.Hostname, "client hostname")
	fs.StringVarP(&cfg.VendorID, "vendorid", "V", cfg.VendorID, "client vendor identification string")
	fs.BoolVarP(&cfg.Background, "background", "b", cfg.Background, "fork to background if lease cannot be immediately negotiated (parsed but not applied)")
	fs.StringVarP(&cfg.PidFile, "pidfile", "p", cfg.PidFile, "file where the ndhc pid will be written")
	fs.StringVarP(&cfg.Interface, "interface", "i", cfg.Interface, "interface to use")
	fs.BoolVarP(&cfg.Now, "now", "n", cfg.Now, "exit with failure if lease cannot be immediately negotiated (parsed but not applied)")
	fs.BoolVarP(&cfg.QuitAfterLease, "quit", "q", cfg.QuitAfterLease, "quit after obtaining lease (parsed but not applied)")
	fs.StringVarP(&cfg.RequestIP, "request", "r", cfg.RequestIP, "IP address to request")
	fs.StringVarP(&cfg.User, "user", "u", cfg.User, "change ndhc privileges to this user")
	fs.StringVarP(&cfg.Chroot, "chroot", "C", cfg.Chroot, "chroot to this directory")
	fs.StringVarP(&cfg.StateDir, "state-dir", "s", cfg.StateDir, "state storage dir")
	fs.BoolVarP(&cfg.RelentlessDef, "relentless-defense", "d", cfg.RelentlessDef, "never back off in defending IP against conflicting hosts")
	fs.IntVarP(&cfg.ProbeWaitMS, "arp-probe-wait", "w", cfg.ProbeWaitMS, "time to delay before first ARP probe (ms) (parsed but not applied: the first probe is sent at once)")
	fs.IntVarP(&cfg.ProbeNum, "arp-probe-num", "W", cfg.ProbeNum, "number of ARP probes before lease is ok")
	fs.IntVarP(&cfg.ProbeMinMS, "arp-probe-min", "m", cfg.ProbeMinMS, "min ms to wait for ARP response")
	fs.IntVarP(&cfg.ProbeMaxMS, "arp-probe-max", "M", cfg.ProbeMaxMS, "max ms to wait for ARP response")
	fs.IntVarP(&cfg.GWMetric, "gw-metric", "t", cfg.GWMetric, "route metric for default gw (parsed but not applied)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve Prometheus metrics on, empty to disable")

	if err := fs.Parse(argv); err != nil {
		return Config{}, err
	}

	if configFile != "" {
		merged, err := mergeYAML(cfg, configFile, fs)
		if err != nil {
			return Config{}, err
		}
		cfg = merged
	}

	return cfg, nil
}

// mergeYAML loads file into a copy of base, then re-applies any flags the
// user explicitly set on the command line so flags always win.
func mergeYAML(base Config, file string, fs *pflag.FlagSet) (Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return Config{}, errors.Annotate(err, "ndhcconfig: reading %q: %w", file)
	}
	merged := base
	if err := yaml.Unmarshal(data, &merged); err != nil {
		return Config{}, errors.Annotate(err, "ndhcconfig: parsing %q: %w", file)
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "clientid":
			merged.ClientID = base.ClientID
		case "hostname":
			merged.Hostname = base.Hostname
		case "vendorid":
			merged.VendorID = base.VendorID
		case "interface":
			merged.Interface = base.Interface
		case "request":
			merged.RequestIP = base.RequestIP
		case "state-dir":
			merged.StateDir = base.StateDir
		}
	})
	return merged, nil
}
