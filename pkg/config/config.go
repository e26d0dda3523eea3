// Package config loads and validates the agent configuration file.
package config

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"ghostwire/pkg/cipher"
	"ghostwire/pkg/hostpool"
)

// Carrier names accepted in the configuration file.
const (
	CarrierHTTP = "http"
	CarrierPipe = "pipe"
	CarrierBlob = "blob"
)

type rawConfig struct {
	AgentID  uint32 `yaml:"agent_id"`
	Carrier  string `yaml:"carrier"`
	Key      string `yaml:"key"`
	IV       string `yaml:"iv"`
	Interval string `yaml:"interval"`
	Jitter   int    `yaml:"jitter"`

	HTTP struct {
		Hosts      []string          `yaml:"hosts"`
		Secure     bool              `yaml:"secure"`
		Method     string            `yaml:"method"`
		UserAgent  string            `yaml:"user_agent"`
		URIs       []string          `yaml:"uris"`
		Headers    map[string]string `yaml:"headers"`
		Rotation   string            `yaml:"rotation"`
		MaxRetries uint32            `yaml:"max_retries"`
		Proxy      struct {
			URL      string `yaml:"url"`
			Username string `yaml:"username"`
			Password string `yaml:"password"`
		} `yaml:"proxy"`
	} `yaml:"http"`

	Pipe struct {
		Name string `yaml:"name"`
	} `yaml:"pipe"`

	Blob struct {
		ConnectionString string `yaml:"connection_string"`
	} `yaml:"blob"`
}

// HostPort is one configured destination.
type HostPort struct {
	Host string
	Port int
}

// ProxyConfig is an operator-fixed proxy. When set, automatic discovery
// is skipped entirely.
type ProxyConfig struct {
	URL      string
	Username string
	Password string
}

// HTTPConfig drives the HTTP carrier.
type HTTPConfig struct {
	Hosts      []HostPort
	Secure     bool
	Method     string
	UserAgent  string
	URIs       []string
	Headers    map[string]string
	Rotation   hostpool.Strategy
	MaxRetries uint32
	Proxy      *ProxyConfig
}

// PipeConfig drives the pipe carrier.
type PipeConfig struct {
	Name string
}

// BlobConfig drives the blob carrier. The connection string is the
// base64-encoded container URL with its access token, split into parts
// at load time.
type BlobConfig struct {
	StorageURL string
	Container  string
	SASToken   string
}

// Config is the validated agent configuration.
type Config struct {
	AgentID  uint32
	Carrier  string
	Key      []byte
	IV       []byte
	Interval time.Duration
	Jitter   int

	HTTP HTTPConfig
	Pipe PipeConfig
	Blob BlobConfig
}

// Load reads, parses and validates the configuration at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return Parse(b)
}

// Parse validates a raw YAML document.
func Parse(b []byte) (*Config, error) {
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	var err error
	c := &Config{
		AgentID: rc.AgentID,
		Carrier: strings.ToLower(strings.TrimSpace(rc.Carrier)),
		Jitter:  rc.Jitter,
	}

	if c.AgentID == 0 {
		// No identity configured: derive a stable-enough one per process.
		u := uuid.New()
		c.AgentID = binary.LittleEndian.Uint32(u[:4])
	}

	if c.Jitter < 0 || c.Jitter > 100 {
		return nil, fmt.Errorf("jitter: must be a percentage, got %d", c.Jitter)
	}

	if c.Key, err = decodeKeyMaterial(rc.Key, cipher.KeySize); err != nil {
		return nil, fmt.Errorf("key: %w", err)
	}
	if c.IV, err = decodeKeyMaterial(rc.IV, cipher.IVSize); err != nil {
		return nil, fmt.Errorf("iv: %w", err)
	}

	c.Interval = 5 * time.Second
	if rc.Interval != "" {
		d, err := time.ParseDuration(rc.Interval)
		if err != nil {
			return nil, fmt.Errorf("interval: %w", err)
		}
		c.Interval = d
	}

	switch c.Carrier {
	case CarrierHTTP:
		if err := parseHTTP(&rc, c); err != nil {
			return nil, err
		}
	case CarrierPipe:
		if strings.TrimSpace(rc.Pipe.Name) == "" {
			return nil, fmt.Errorf("pipe: name is required")
		}
		c.Pipe.Name = strings.TrimSpace(rc.Pipe.Name)
	case CarrierBlob:
		if err := parseBlob(&rc, c); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("carrier: unknown %q", rc.Carrier)
	}

	return c, nil
}

func parseHTTP(rc *rawConfig, c *Config) error {
	if len(rc.HTTP.Hosts) == 0 {
		return fmt.Errorf("http.hosts: at least one is required")
	}

	defaultPort := 80
	if rc.HTTP.Secure {
		defaultPort = 443
	}

	for i, raw := range rc.HTTP.Hosts {
		hp, err := parseHostPort(raw, defaultPort)
		if err != nil {
			return fmt.Errorf("http.hosts[%d]: %w", i, err)
		}
		c.HTTP.Hosts = append(c.HTTP.Hosts, hp)
	}

	c.HTTP.Secure = rc.HTTP.Secure

	c.HTTP.Method = strings.ToUpper(strings.TrimSpace(rc.HTTP.Method))
	if c.HTTP.Method == "" {
		c.HTTP.Method = "POST"
	}

	c.HTTP.UserAgent = rc.HTTP.UserAgent

	c.HTTP.URIs = rc.HTTP.URIs
	if len(c.HTTP.URIs) == 0 {
		c.HTTP.URIs = []string{"/"}
	}
	for i, u := range c.HTTP.URIs {
		if !strings.HasPrefix(u, "/") {
			return fmt.Errorf("http.uris[%d]: must start with '/'", i)
		}
	}

	c.HTTP.Headers = rc.HTTP.Headers

	switch strings.ToLower(strings.TrimSpace(rc.HTTP.Rotation)) {
	case "", "round-robin":
		c.HTTP.Rotation = hostpool.RoundRobin
	case "random":
		c.HTTP.Rotation = hostpool.Random
	default:
		return fmt.Errorf("http.rotation: unknown %q", rc.HTTP.Rotation)
	}

	c.HTTP.MaxRetries = rc.HTTP.MaxRetries

	if rc.HTTP.Proxy.URL != "" {
		if _, err := url.Parse(rc.HTTP.Proxy.URL); err != nil {
			return fmt.Errorf("http.proxy.url: %w", err)
		}
		c.HTTP.Proxy = &ProxyConfig{
			URL:      rc.HTTP.Proxy.URL,
			Username: rc.HTTP.Proxy.Username,
			Password: rc.HTTP.Proxy.Password,
		}
	}

	return nil
}

// parseBlob splits a base64-encoded container URL into storage endpoint,
// container name and access token.
func parseBlob(rc *rawConfig, c *Config) error {
	if rc.Blob.ConnectionString == "" {
		return fmt.Errorf("blob.connection_string: required")
	}

	decoded, err := base64.RawStdEncoding.DecodeString(rc.Blob.ConnectionString)
	if err != nil {
		return fmt.Errorf("blob.connection_string: %w", err)
	}

	u, err := url.Parse(string(decoded))
	if err != nil {
		return fmt.Errorf("blob.connection_string: %w", err)
	}

	container := strings.TrimPrefix(u.Path, "/")
	if container == "" || u.RawQuery == "" {
		return fmt.Errorf("blob.connection_string: missing container or token")
	}

	c.Blob = BlobConfig{
		StorageURL: fmt.Sprintf("%s://%s", u.Scheme, u.Host),
		Container:  container,
		SASToken:   u.RawQuery,
	}

	return nil
}

func parseHostPort(raw string, defaultPort int) (HostPort, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return HostPort{}, fmt.Errorf("empty host")
	}

	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		// No port part, use the scheme default.
		return HostPort{Host: raw, Port: defaultPort}, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return HostPort{}, fmt.Errorf("invalid port %q", portStr)
	}

	return HostPort{Host: host, Port: port}, nil
}

func decodeKeyMaterial(s string, want int) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("required")
	}

	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != want {
		return nil, fmt.Errorf("need %d bytes, got %d", want, len(b))
	}

	return b, nil
}
