package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/attrstream/attribute"
	"github.com/c360/attrstream/connector"
	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/gateway"
	"github.com/c360/attrstream/input/udp"
	"github.com/c360/attrstream/output/websocket"
	"github.com/c360/attrstream/pkg/tlsutil"
	"github.com/c360/attrstream/replication"
)

// SchemaVersion is the configuration format this build understands. Files
// with a different major version are rejected.
const SchemaVersion = "1.0.0"

// DefaultEnvPrefix prefixes every environment override
const DefaultEnvPrefix = "ATTRSTREAM"

// Config is the attrstream process configuration
type Config struct {
	Version   string                    `json:"version" yaml:"version"`
	Node      NodeConfig                `json:"node" yaml:"node"`
	NATS      NATSConfig                `json:"nats" yaml:"nats"`
	HTTP      gateway.Config            `json:"http" yaml:"http"`
	Replicas  ReplicaConfig             `json:"replicas" yaml:"replicas"`
	Resources map[string]ResourceConfig `json:"resources" yaml:"resources"`
}

// NodeConfig identifies this process within the cluster
type NodeConfig struct {
	// ID is generated at startup when empty
	ID string `json:"id,omitempty" yaml:"id,omitempty"`
}

// NATSConfig configures the optional NATS connection. With no URLs the
// process runs standalone on in-memory cluster services.
type NATSConfig struct {
	URLs          []string `json:"urls,omitempty" yaml:"urls,omitempty"`
	MaxReconnects int      `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait string   `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
	Username      string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string   `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string   `json:"token,omitempty" yaml:"token,omitempty"`
	Name          string   `json:"name,omitempty" yaml:"name,omitempty"`

	// CounterBucket holds the cluster-wide sequence counters
	CounterBucket string `json:"counter_bucket,omitempty" yaml:"counter_bucket,omitempty"`
	// KVReplicas is the JetStream replication factor for created buckets
	KVReplicas int `json:"kv_replicas,omitempty" yaml:"kv_replicas,omitempty"`

	// TLS secures the connection; required for tls:// urls with private CAs
	TLS *tlsutil.ClientConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// Enabled reports whether a NATS connection is configured
func (n NATSConfig) Enabled() bool {
	return len(n.URLs) > 0
}

// ReconnectDelay returns the parsed reconnect wait, defaulting to 2s
func (n NATSConfig) ReconnectDelay() time.Duration {
	if d, err := time.ParseDuration(n.ReconnectWait); err == nil && d > 0 {
		return d
	}
	return 2 * time.Second
}

// ReplicaConfig controls replica persistence across restarts. Replicas are
// stored in a NATS KV bucket, so persistence needs NATS.
type ReplicaConfig struct {
	Bucket         string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Compression    string `json:"compression,omitempty" yaml:"compression,omitempty"`
	RestoreOnStart bool   `json:"restore_on_start" yaml:"restore_on_start"`
	SaveOnStop     bool   `json:"save_on_stop" yaml:"save_on_stop"`
}

// ArrivalsConfig enables the connector-level arrivals aggregator
type ArrivalsConfig struct {
	Enabled  bool `json:"enabled" yaml:"enabled"`
	Channels int  `json:"channels,omitempty" yaml:"channels,omitempty"`
}

// ResourceConfig describes one connector: the attributes it exposes, the
// notification subscriptions it serves and its pool sizing.
type ResourceConfig struct {
	Attributes    map[string]attribute.Descriptor `json:"attributes" yaml:"attributes"`
	Subscriptions map[string]attribute.Descriptor `json:"subscriptions,omitempty" yaml:"subscriptions,omitempty"`

	Workers             int    `json:"workers,omitempty" yaml:"workers,omitempty"`
	QueueSize           int    `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	BatchTimeout        string `json:"batch_timeout,omitempty" yaml:"batch_timeout,omitempty"`
	DispatchConcurrency int    `json:"dispatch_concurrency,omitempty" yaml:"dispatch_concurrency,omitempty"`

	Unicast  bool           `json:"unicast" yaml:"unicast"`
	Arrivals ArrivalsConfig `json:"arrivals" yaml:"arrivals"`

	// UDP starts a JSON event listener feeding this resource
	UDP           *udp.Config         `json:"udp,omitempty" yaml:"udp,omitempty"`
	Notifications NotificationsConfig `json:"notifications" yaml:"notifications"`
}

// NotificationsConfig exposes the resource's subscriptions to websocket
// clients on the gateway
type NotificationsConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	QueueSize      int      `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

// ToHub converts the section into a hub configuration
func (n NotificationsConfig) ToHub() websocket.Config {
	return websocket.Config{
		QueueSize:      n.QueueSize,
		AllowedOrigins: n.AllowedOrigins,
	}
}

// ToConnector converts the resource section into a connector configuration
func (r ResourceConfig) ToConnector(name string) (connector.Config, error) {
	var timeout time.Duration
	if r.BatchTimeout != "" {
		d, err := time.ParseDuration(r.BatchTimeout)
		if err != nil {
			return connector.Config{}, errors.WrapInvalid(
				fmt.Errorf("%w: batch_timeout %q", errors.ErrInvalidConfig, r.BatchTimeout),
				"Config", "ToConnector", "parse batch timeout")
		}
		timeout = d
	}

	return connector.Config{
		Resource:            name,
		Attributes:          r.Attributes,
		Subscriptions:       r.Subscriptions,
		Workers:             r.Workers,
		QueueSize:           r.QueueSize,
		BatchTimeout:        timeout,
		DispatchConcurrency: r.DispatchConcurrency,
		Unicast:             r.Unicast,
		TrackArrivals:       r.Arrivals.Enabled,
		ArrivalChannels:     r.Arrivals.Channels,
	}, nil
}

// ResourceNames returns the configured resources in sorted order
func (c *Config) ResourceNames() []string {
	names := make([]string, 0, len(c.Resources))
	for name := range c.Resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{cfg: cfg.Clone()}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.cfg.Clone()
}

// Update validates and atomically replaces the configuration
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "validate config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cfg = cfg.Clone()
	return nil
}

// Clone returns a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}

	clone := *c
	clone.NATS.URLs = cloneStrings(c.NATS.URLs)
	clone.HTTP.CORSOrigins = cloneStrings(c.HTTP.CORSOrigins)
	clone.HTTP.TLS.ClientCAFiles = cloneStrings(c.HTTP.TLS.ClientCAFiles)
	clone.HTTP.TLS.AllowedClientCNs = cloneStrings(c.HTTP.TLS.AllowedClientCNs)
	if c.NATS.TLS != nil {
		t := *c.NATS.TLS
		t.CAFiles = cloneStrings(t.CAFiles)
		clone.NATS.TLS = &t
	}

	if c.Resources != nil {
		clone.Resources = make(map[string]ResourceConfig, len(c.Resources))
		for name, res := range c.Resources {
			res.Attributes = cloneDescriptors(res.Attributes)
			res.Subscriptions = cloneDescriptors(res.Subscriptions)
			res.Notifications.AllowedOrigins = cloneStrings(res.Notifications.AllowedOrigins)
			if res.UDP != nil {
				u := *res.UDP
				res.UDP = &u
			}
			clone.Resources[name] = res
		}
	}
	return &clone
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneDescriptors(in map[string]attribute.Descriptor) map[string]attribute.Descriptor {
	if in == nil {
		return nil
	}
	out := make(map[string]attribute.Descriptor, len(in))
	for name, d := range in {
		cp := make(attribute.Descriptor, len(d))
		for k, v := range d {
			cp[k] = v
		}
		out[name] = cp
	}
	return out
}

// Validate checks the configuration for structural errors. Attribute
// definitions are not parsed here: a bad definition surfaces as a connect
// error on the owning connector instead of preventing startup.
func (c *Config) Validate() error {
	var errs []error

	if c.Version != "" {
		_, err := CompareVersions(c.Version, SchemaVersion)
		switch {
		case err != nil:
			errs = append(errs, err)
		case majorOf(c.Version) != majorOf(SchemaVersion):
			errs = append(errs, fmt.Errorf("unsupported config version %s (want %s)", c.Version, SchemaVersion))
		}
	}

	for _, u := range c.NATS.URLs {
		if !strings.HasPrefix(u, "nats://") && !strings.HasPrefix(u, "tls://") {
			errs = append(errs, fmt.Errorf("nats url %q must use nats:// or tls://", u))
		}
	}
	if c.NATS.ReconnectWait != "" {
		if _, err := time.ParseDuration(c.NATS.ReconnectWait); err != nil {
			errs = append(errs, fmt.Errorf("nats reconnect_wait: %w", err))
		}
	}

	if err := c.HTTP.Validate(); err != nil {
		errs = append(errs, err)
	}

	if _, err := replication.ParseCompression(c.Replicas.Compression); err != nil {
		errs = append(errs, err)
	}
	if (c.Replicas.RestoreOnStart || c.Replicas.SaveOnStop) && !c.NATS.Enabled() {
		errs = append(errs, stderrors.New("replica persistence requires nats urls"))
	}

	if len(c.Resources) == 0 {
		errs = append(errs, stderrors.New("at least one resource is required"))
	}
	for _, name := range c.ResourceNames() {
		res := c.Resources[name]
		if !isValidSubjectToken(name) {
			errs = append(errs, fmt.Errorf("resource %q: name must be a single NATS subject token", name))
		}
		if len(res.Attributes) == 0 {
			errs = append(errs, fmt.Errorf("resource %q: no attributes", name))
		}
		if res.Workers < 0 || res.QueueSize < 0 || res.DispatchConcurrency < 0 || res.Arrivals.Channels < 0 {
			errs = append(errs, fmt.Errorf("resource %q: sizes must not be negative", name))
		}
		if res.Notifications.QueueSize < 0 {
			errs = append(errs, fmt.Errorf("resource %q: notification queue size must not be negative", name))
		}
		if res.UDP != nil {
			if err := res.UDP.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("resource %q: %w", name, err))
			}
		}
		if res.Unicast && !c.NATS.Enabled() {
			errs = append(errs, fmt.Errorf("resource %q: unicast requires nats urls", name))
		}
		if _, err := res.ToConnector(name); err != nil {
			errs = append(errs, fmt.Errorf("resource %q: %w", name, err))
		}
	}

	if len(errs) > 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrInvalidConfig, stderrors.Join(errs...)),
			"Config", "Validate", "validate configuration")
	}
	return nil
}

// isValidSubjectToken reports whether s can be embedded in a subject
// without introducing extra tokens or wildcards.
func isValidSubjectToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r == '.' || r == '*' || r == '>' || r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return false
		}
	}
	return true
}

// Loader loads configuration from layered JSON or YAML files
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a loader with validation enabled
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  DefaultEnvPrefix,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier
// ones key by key.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the prefix used for environment overrides
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer and environment overrides, then
// validates the result.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Defaults())
	if err != nil {
		return nil, errors.Wrap(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("load %s", path))
		}
		normalizeDescriptors(raw)
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.Wrap(err, "Loader", "Load", "encode merged config")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "decode merged config")
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Defaults returns the configuration every layer is merged onto
func Defaults() *Config {
	return &Config{
		Version: SchemaVersion,
		NATS: NATSConfig{
			MaxReconnects: -1,
			ReconnectWait: "2s",
			CounterBucket: "attrstream_sequences",
			KVReplicas:    1,
		},
		HTTP: gateway.DefaultConfig(),
		Replicas: ReplicaConfig{
			Bucket:      "attrstream_replicas",
			Compression: "lz4",
		},
	}
}

// loadRaw reads one layer as a generic map, choosing the decoder from the
// file extension.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	raw := make(map[string]any)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	}
	return raw, nil
}

// normalizeDescriptors turns scalar descriptor values such as
// "channels: 4" into the strings attribute descriptors carry.
func normalizeDescriptors(raw map[string]any) {
	resources, _ := raw["resources"].(map[string]any)
	for _, res := range resources {
		section, _ := res.(map[string]any)
		for _, key := range []string{"attributes", "subscriptions"} {
			descriptors, _ := section[key].(map[string]any)
			for _, d := range descriptors {
				fields, _ := d.(map[string]any)
				for k, v := range fields {
					switch val := v.(type) {
					case float64:
						fields[k] = strconv.FormatFloat(val, 'f', -1, 64)
					case int, int64, uint64, bool:
						fields[k] = fmt.Sprint(val)
					}
				}
			}
		}
	}
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies PREFIX_* environment variables on top of the
// merged file configuration.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	lookup := func(key string) (string, bool, error) {
		name := l.envPrefix + "_" + key
		val := os.Getenv(name)
		if val == "" {
			return "", false, nil
		}
		if err := validateEnvVar(name, val); err != nil {
			return "", false, errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "read "+name)
		}
		return val, true, nil
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"NODE_ID", &cfg.Node.ID},
		{"NATS_USERNAME", &cfg.NATS.Username},
		{"NATS_PASSWORD", &cfg.NATS.Password},
		{"NATS_TOKEN", &cfg.NATS.Token},
		{"HTTP_ADDR", &cfg.HTTP.ListenAddr},
		{"REPLICA_COMPRESSION", &cfg.Replicas.Compression},
	}
	for _, s := range strs {
		val, ok, err := lookup(s.key)
		if err != nil {
			return err
		}
		if ok {
			*s.dst = val
		}
	}

	val, ok, err := lookup("NATS_URLS")
	if err != nil {
		return err
	}
	if ok {
		cfg.NATS.URLs = nil
		for _, u := range strings.Split(val, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.NATS.URLs = append(cfg.NATS.URLs, u)
			}
		}
	}
	return nil
}

// SaveToFile writes the configuration as indented JSON, or YAML when the
// path has a YAML extension.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "encode config")
	}
	return safeWriteFile(path, data)
}

// String returns the configuration as JSON with credentials redacted
func (c *Config) String() string {
	redacted := c.Clone()
	if redacted.NATS.Password != "" {
		redacted.NATS.Password = "***"
	}
	if redacted.NATS.Token != "" {
		redacted.NATS.Token = "***"
	}
	data, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

// CompareVersions compares two semantic version strings.
// Returns -1 if v1 < v2, 0 if equal and 1 if v1 > v2.
func CompareVersions(v1, v2 string) (int, error) {
	a, err := parseSemVer(v1)
	if err != nil {
		return 0, fmt.Errorf("invalid version '%s': %w", v1, err)
	}
	b, err := parseSemVer(v2)
	if err != nil {
		return 0, fmt.Errorf("invalid version '%s': %w", v2, err)
	}

	for i := range a {
		if a[i] != b[i] {
			if a[i] > b[i] {
				return 1, nil
			}
			return -1, nil
		}
	}
	return 0, nil
}

func majorOf(version string) int {
	parts, err := parseSemVer(version)
	if err != nil {
		return -1
	}
	return parts[0]
}

// parseSemVer parses "major.minor.patch" with an optional v prefix
func parseSemVer(version string) ([3]int, error) {
	var out [3]int
	if version == "" {
		return out, stderrors.New("version cannot be empty")
	}

	parts := strings.Split(strings.TrimPrefix(version, "v"), ".")
	if len(parts) != 3 {
		return out, fmt.Errorf("version must be in format 'major.minor.patch', got '%s'", version)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return out, fmt.Errorf("invalid version component '%s'", p)
		}
		out[i] = n
	}
	return out, nil
}
