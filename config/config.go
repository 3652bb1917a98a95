package config

import (
	"flag"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/meters/meters"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type Config struct {
	ListenAddr   string
	ScanInterval time.Duration
	ScanDuration time.Duration
	Retries      int

	Devices []meters.Device

	Store      string
	SQLitePath string
	RedisAddr  string

	ClearBeforeScan bool

	MQTTBroker string
	MQTTTopic  string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	CORSOrigins []string
	LogLevel    log.Level

	ShowVersion bool
}

// LoadDotEnv reads variables from the .env file in the working directory, when there is one.
// Variables already set in the environment win.
func LoadDotEnv() error {
	if _, err := os.Stat(".env"); os.IsNotExist(err) {
		return nil
	}
	return errors.Wrap(godotenv.Load(), "load .env")
}

// Load parses args; every flag defaults to its environment variable, then to the built-in default.
func Load(args []string, output io.Writer) (Config, error) {
	var cfg Config
	var devices, origins, logLevel string

	fs := flag.NewFlagSet("meters", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&cfg.ListenAddr, "listen-address", env("LISTEN_ADDRESS", ":5000"), "The address to listen on for HTTP requests.")
	fs.DurationVar(&cfg.ScanInterval, "scan-int", envDuration("SCAN_INTERVAL", 30*time.Second), "time interval between the starts of two scans")
	fs.DurationVar(&cfg.ScanDuration, "scan-dur", envDuration("SCAN_DURATION", 10*time.Second), "scan duration")
	fs.IntVar(&cfg.Retries, "retries", envInt("SCAN_RETRIES", 5), "max number of tries in case of BLE errors")
	fs.StringVar(&devices, "devices", env("METER_DEVICES", ""), "comma separated address=location pairs, e.g. e8:fe:50:d1:75:dd=Bedroom")
	fs.StringVar(&cfg.Store, "store", env("STORE_BACKEND", BackendMemory), "reading store backend: memory, sqlite or redis")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", env("SQLITE_PATH", "switchbot_data.db"), "sqlite database file")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", env("REDIS_ADDR", "localhost:6379"), "redis server address")
	fs.BoolVar(&cfg.ClearBeforeScan, "clear-before-scan", envBool("CLEAR_BEFORE_SCAN", false), "drop all stored readings before every scan")
	fs.StringVar(&cfg.MQTTBroker, "mqtt-broker", env("MQTT_BROKER", ""), "publish readings to this MQTT broker, e.g. tcp://localhost:1883")
	fs.StringVar(&cfg.MQTTTopic, "mqtt-topic", env("MQTT_TOPIC", "meters"), "MQTT topic prefix")
	fs.StringVar(&cfg.InfluxURL, "influx-url", env("INFLUX_URL", ""), "write reading history to this InfluxDB")
	fs.StringVar(&cfg.InfluxToken, "influx-token", env("INFLUX_TOKEN", ""), "InfluxDB token")
	fs.StringVar(&cfg.InfluxOrg, "influx-org", env("INFLUX_ORG", ""), "InfluxDB organization")
	fs.StringVar(&cfg.InfluxBucket, "influx-bucket", env("INFLUX_BUCKET", "meters"), "InfluxDB bucket")
	fs.StringVar(&origins, "cors-origins", env("CORS_ORIGINS", ""), "comma separated origins allowed to query the API")
	fs.StringVar(&logLevel, "log-level", env("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.ShowVersion {
		return cfg, nil
	}

	var err error
	if cfg.Devices, err = ParseDevices(devices); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = log.ParseLevel(logLevel); err != nil {
		return Config{}, errors.Wrapf(err, "invalid log level %q", logLevel)
	}
	cfg.CORSOrigins = splitList(origins)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.ScanInterval <= 0 {
		return errors.Errorf("scan interval must be positive, got %s", cfg.ScanInterval)
	}
	if cfg.ScanDuration <= 0 {
		return errors.Errorf("scan duration must be positive, got %s", cfg.ScanDuration)
	}
	if cfg.ScanDuration > cfg.ScanInterval {
		return errors.Errorf("scan duration %s exceeds scan interval %s", cfg.ScanDuration, cfg.ScanInterval)
	}
	if cfg.Retries < 1 {
		return errors.Errorf("retries must be at least 1, got %d", cfg.Retries)
	}
	switch cfg.Store {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		return errors.Errorf("invalid store %q (allowed: memory, sqlite, redis)", cfg.Store)
	}
	if cfg.InfluxURL != "" && cfg.InfluxOrg == "" {
		return errors.New("influx org is required with an influx url")
	}
	if _, err := meters.NewRegistry(cfg.Devices); err != nil {
		return err
	}
	return nil
}

// ParseDevices parses "addr=location,addr=location". At least one device is required.
func ParseDevices(s string) ([]meters.Device, error) {
	var devices []meters.Device
	for _, pair := range splitList(s) {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("invalid device %q, expected address=location", pair)
		}
		devices = append(devices, meters.Device{
			Address:  strings.TrimSpace(parts[0]),
			Location: strings.TrimSpace(parts[1]),
		})
	}
	if len(devices) == 0 {
		return nil, errors.New("no meter devices configured")
	}
	return devices, nil
}

func splitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func env(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := env(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warnf("ignoring invalid %s %q: %s", key, v, err)
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := env(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("ignoring invalid %s %q: %s", key, v, err)
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := env(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warnf("ignoring invalid %s %q: %s", key, v, err)
		return fallback
	}
	return b
}
