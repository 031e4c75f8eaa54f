package main

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nodish/nodish/cache"
	routepolicy "github.com/nodish/nodish/pkg/route-policy"
)

type Config struct {
	Backend BackendConfig     `yaml:"backend"`
	HTTP    ListenerConfig    `yaml:"http"`
	HTTPS   TLSListenerConfig `yaml:"https"`
	Cache   CacheConfig       `yaml:"cache"`
	Routes  routepolicy.Rules `yaml:"routes"`
}

type BackendConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ListenerConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type TLSListenerConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
	// Key and Cert are paths to PEM files.
	Key  string `yaml:"key"`
	Cert string `yaml:"cert"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

func defaultConfig() Config {
	return Config{
		Backend: BackendConfig{Host: "localhost", Port: 8080},
		HTTP:    ListenerConfig{Enabled: true, Port: 80},
		HTTPS:   TLSListenerConfig{Enabled: false, Port: 443},
		Cache:   CacheConfig{TTL: cache.DefaultTTL},
		Routes:  routepolicy.Default(),
	}
}

// getConfig reads a config file on top of the defaults.
func getConfig(filename string) (Config, error) {
	config := defaultConfig()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// URL returns the backend base URL.
func (b BackendConfig) URL() url.URL {
	return url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(b.Host, strconv.Itoa(b.Port)),
	}
}

// Set parses a `host:port` backend address.
func (b *BackendConfig) Set(addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("backend: invalid port %q", portStr)
	}
	b.Host, b.Port = host, port
	return nil
}

// validate checks the config and compiles the route patterns.
func (c *Config) validate() error {
	if c.Backend.Host == "" {
		return fmt.Errorf("backend.host: must not be empty")
	}
	if !validPort(c.Backend.Port) {
		return fmt.Errorf("backend.port: invalid port %d", c.Backend.Port)
	}
	if !c.HTTP.Enabled && !c.HTTPS.Enabled {
		return fmt.Errorf("http, https: at least one listener must be enabled")
	}
	if c.HTTP.Enabled && !validPort(c.HTTP.Port) {
		return fmt.Errorf("http.port: invalid port %d", c.HTTP.Port)
	}
	if c.HTTPS.Enabled {
		if !validPort(c.HTTPS.Port) {
			return fmt.Errorf("https.port: invalid port %d", c.HTTPS.Port)
		}
		if c.HTTPS.Key == "" || c.HTTPS.Cert == "" {
			return fmt.Errorf("https: key and cert are required")
		}
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl: must be positive, got %s", c.Cache.TTL)
	}
	routes, err := c.Routes.Compile()
	if err != nil {
		return fmt.Errorf("routes%w", err)
	}
	c.Routes = routes
	return nil
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}
