package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"tankwatch/internal/model"
)

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest"`
	Thresholds ThresholdsConfig `json:"thresholds" yaml:"thresholds"`
	Alarms     AlarmsConfig     `json:"alarms" yaml:"alarms"`
	Fleet      FleetConfig      `json:"fleet" yaml:"fleet"`
	API        APIConfig        `json:"api" yaml:"api"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Archive    ArchiveConfig    `json:"archive" yaml:"archive"`
	Notify     NotifyConfig     `json:"notify" yaml:"notify"`
}

type IngestConfig struct {
	Queue QueueConfig `json:"queue" yaml:"queue"`
	REST  RESTConfig  `json:"rest" yaml:"rest"`
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
	MQTT  MQTTConfig  `json:"mqtt" yaml:"mqtt"`
}

const (
	DropNewest = "drop_newest"
	DropOldest = "drop_oldest"
)

type QueueConfig struct {
	Shards     int    `json:"shards" yaml:"shards"`
	Buffer     int    `json:"buffer" yaml:"buffer"`
	DropPolicy string `json:"drop_policy" yaml:"drop_policy"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Broker   string `json:"broker" yaml:"broker"`
	ClientID string `json:"client_id" yaml:"client_id"`
	Topic    string `json:"topic" yaml:"topic"`
	QoS      byte   `json:"qos" yaml:"qos"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

type ThresholdsConfig struct {
	Defaults        model.ThresholdSet `json:"defaults" yaml:"defaults"`
	EnforceOrdering bool               `json:"enforce_ordering" yaml:"enforce_ordering"`
}

type AlarmsConfig struct {
	// ClearOnce logs a single Clear per latched safe stretch instead of one
	// per safe evaluation.
	ClearOnce bool `json:"clear_once" yaml:"clear_once"`
	// ClearRequiresShipSafe withholds Clear until every other tank of the
	// ship is also within warn bounds.
	ClearRequiresShipSafe bool `json:"clear_requires_ship_safe" yaml:"clear_requires_ship_safe"`
}

type FleetConfig struct {
	Ships []ShipConfig `json:"ships" yaml:"ships"`
}

type ShipConfig struct {
	ID     string       `json:"id" yaml:"id"`
	Name   string       `json:"name" yaml:"name"`
	Status string       `json:"status" yaml:"status"`
	Tanks  []TankConfig `json:"tanks" yaml:"tanks"`
}

type TankConfig struct {
	ID      string   `json:"id" yaml:"id"`
	Type    string   `json:"type" yaml:"type"`
	Sensors []string `json:"sensors" yaml:"sensors"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Driver       string        `json:"driver" yaml:"driver"`
	DSN          string        `json:"dsn" yaml:"dsn"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	EventLimit   int           `json:"event_limit" yaml:"event_limit"`
	ReadingLimit int           `json:"reading_limit" yaml:"reading_limit"`
}

type ArchiveConfig struct {
	Driver string       `json:"driver" yaml:"driver"`
	Influx InfluxConfig `json:"influx" yaml:"influx"`
}

type InfluxConfig struct {
	URL         string `json:"url" yaml:"url"`
	Token       string `json:"token" yaml:"token"`
	Org         string `json:"org" yaml:"org"`
	Bucket      string `json:"bucket" yaml:"bucket"`
	Measurement string `json:"measurement" yaml:"measurement"`
}

type NotifyConfig struct {
	WebhookURL string        `json:"webhook_url" yaml:"webhook_url"`
	Cooldown   time.Duration `json:"cooldown" yaml:"cooldown"`
	Buffer     int           `json:"buffer" yaml:"buffer"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
}

func DefaultThresholds() model.ThresholdSet {
	return model.ThresholdSet{
		WarnO2Low:     19.5,
		DangerO2Low:   18.0,
		WarnCOHigh:    35.0,
		DangerCOHigh:  100.0,
		WarnLELHigh:   5.0,
		DangerLELHigh: 10.0,
		WarnH2SHigh:   10.0,
		DangerH2SHigh: 15.0,
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			Queue: QueueConfig{Shards: 4, Buffer: 1024, DropPolicy: DropNewest},
			REST:  RESTConfig{Enabled: true, Addr: ":8080"},
			Kafka: KafkaConfig{Enabled: false},
			MQTT:  MQTTConfig{Enabled: false, Broker: "tcp://localhost:1883", ClientID: "tankwatch", Topic: "ship/+/sensors"},
		},
		Thresholds: ThresholdsConfig{Defaults: DefaultThresholds(), EnforceOrdering: true},
		Alarms:     AlarmsConfig{},
		API:        APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{
			Driver:       "memory",
			DSN:          "file:tankwatch.db?_pragma=busy_timeout(5000)",
			WriteTimeout: 2 * time.Second,
			EventLimit:   1000,
			ReadingLimit: 50000,
		},
		Archive: ArchiveConfig{Influx: InfluxConfig{Measurement: "gas_readings"}},
		Notify:  NotifyConfig{Cooldown: 30 * time.Second, Buffer: 256, Timeout: 10 * time.Second},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes YAML or JSON content on top of DefaultConfig.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Ingest.Queue.Shards <= 0 {
		cfg.Ingest.Queue.Shards = 4
	}
	if cfg.Ingest.Queue.Buffer <= 0 {
		cfg.Ingest.Queue.Buffer = 1024
	}
	if cfg.Ingest.Queue.DropPolicy == "" {
		cfg.Ingest.Queue.DropPolicy = DropNewest
	}
	if cfg.Ingest.MQTT.Topic == "" {
		cfg.Ingest.MQTT.Topic = "ship/+/sensors"
	}
	if cfg.Ingest.MQTT.ClientID == "" {
		cfg.Ingest.MQTT.ClientID = "tankwatch"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Storage.WriteTimeout <= 0 {
		cfg.Storage.WriteTimeout = 2 * time.Second
	}
	if cfg.Storage.EventLimit <= 0 {
		cfg.Storage.EventLimit = 1000
	}
	if cfg.Storage.ReadingLimit <= 0 {
		cfg.Storage.ReadingLimit = 50000
	}
	if cfg.Archive.Influx.Measurement == "" {
		cfg.Archive.Influx.Measurement = "gas_readings"
	}
	if cfg.Notify.Buffer <= 0 {
		cfg.Notify.Buffer = 256
	}
	if cfg.Notify.Timeout <= 0 {
		cfg.Notify.Timeout = 10 * time.Second
	}
	for i := range cfg.Fleet.Ships {
		ship := &cfg.Fleet.Ships[i]
		ship.ID = strings.TrimSpace(ship.ID)
		if ship.Status == "" {
			ship.Status = string(model.StatusIdle)
		}
		for j := range ship.Tanks {
			ship.Tanks[j].ID = strings.TrimSpace(ship.Tanks[j].ID)
		}
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.MQTT.Enabled {
		if cfg.Ingest.MQTT.Broker == "" {
			return errors.New("ingest.mqtt.broker required when ingest.mqtt.enabled is true")
		}
		if strings.Count(cfg.Ingest.MQTT.Topic, "+") != 1 {
			return fmt.Errorf("ingest.mqtt.topic must contain exactly one '+' ship segment: %q", cfg.Ingest.MQTT.Topic)
		}
		if cfg.Ingest.MQTT.QoS > 2 {
			return errors.New("ingest.mqtt.qos must be 0, 1 or 2")
		}
	}
	switch cfg.Ingest.Queue.DropPolicy {
	case DropNewest, DropOldest:
	default:
		return fmt.Errorf("ingest.queue.drop_policy must be %s or %s", DropNewest, DropOldest)
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported storage.driver: %q", cfg.Storage.Driver)
	}
	switch strings.ToLower(cfg.Archive.Driver) {
	case "", "storage":
	case "influx", "influxdb":
		in := cfg.Archive.Influx
		if in.URL == "" || in.Org == "" || in.Bucket == "" {
			return errors.New("archive.influx requires url, org, bucket")
		}
	default:
		return fmt.Errorf("unsupported archive.driver: %q", cfg.Archive.Driver)
	}
	if cfg.Thresholds.EnforceOrdering {
		if err := CheckOrdering(cfg.Thresholds.Defaults); err != nil {
			return fmt.Errorf("thresholds.defaults: %w", err)
		}
	}
	return validateFleet(cfg.Fleet)
}

// CheckOrdering rejects threshold sets where a warning level is not less
// extreme than the matching danger level.
func CheckOrdering(t model.ThresholdSet) error {
	if t.WarnO2Low <= t.DangerO2Low {
		return fmt.Errorf("warn_o2_low %.2f must be above danger_o2_low %.2f", t.WarnO2Low, t.DangerO2Low)
	}
	if t.WarnCOHigh >= t.DangerCOHigh {
		return fmt.Errorf("warn_co_high %.2f must be below danger_co_high %.2f", t.WarnCOHigh, t.DangerCOHigh)
	}
	if t.WarnLELHigh >= t.DangerLELHigh {
		return fmt.Errorf("warn_lel_high %.2f must be below danger_lel_high %.2f", t.WarnLELHigh, t.DangerLELHigh)
	}
	if t.WarnH2SHigh >= t.DangerH2SHigh {
		return fmt.Errorf("warn_h2s_high %.2f must be below danger_h2s_high %.2f", t.WarnH2SHigh, t.DangerH2SHigh)
	}
	return nil
}

func validateFleet(fleet FleetConfig) error {
	ships := make(map[string]struct{}, len(fleet.Ships))
	for _, ship := range fleet.Ships {
		if ship.ID == "" {
			return errors.New("fleet.ships: id required")
		}
		if _, dup := ships[ship.ID]; dup {
			return fmt.Errorf("fleet.ships: duplicate ship id %q", ship.ID)
		}
		ships[ship.ID] = struct{}{}
		if st, ok := model.ParseStatus(ship.Status); !ok || !st.Operational() {
			return fmt.Errorf("fleet.ships[%s]: status must be Idle or WIP", ship.ID)
		}
		tanks := make(map[string]struct{}, len(ship.Tanks))
		for _, tank := range ship.Tanks {
			if tank.ID == "" {
				return fmt.Errorf("fleet.ships[%s].tanks: id required", ship.ID)
			}
			if _, dup := tanks[tank.ID]; dup {
				return fmt.Errorf("fleet.ships[%s].tanks: duplicate tank id %q", ship.ID, tank.ID)
			}
			tanks[tank.ID] = struct{}{}
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

// Watch polls the config file and calls onReload after every successful reload.
// Transport and storage settings are read once at startup; the fleet, thresholds
// and alarm settings take effect through onReload.
func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
