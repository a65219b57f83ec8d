// Package config handles classmod.toml: engine settings and the rewrite
// rules applied to loaded classes. Settings can be overridden from the
// environment, which may be seeded from .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// FileName is the conventional name of the configuration file.
const FileName = "classmod.toml"

// Environment variables overriding the file.
const (
	EnvDebug     = "CLASSMOD_DEBUG"
	EnvVerbosity = "CLASSMOD_VERBOSITY"
	EnvJavaBase  = "JAVA_BASE_JMOD"
	EnvJavaHome  = "JAVA_HOME"
)

// Config is a parsed classmod.toml.
type Config struct {
	// Debug traces every rewritten class.
	Debug     bool   `toml:"debug"`
	Verbosity int    `toml:"verbosity"`
	LogFile   string `toml:"log-file"`

	JavaHome     string `toml:"java-home"`
	JavaBaseJmod string `toml:"java-base-jmod"`

	Synth Synth `toml:"synth"`

	Text   []TextRule   `toml:"text"`
	Stub   []StubRule   `toml:"stub"`
	Remove []RemoveRule `toml:"remove"`
	Advice []AdviceRule `toml:"advice"`

	// Path is the file the configuration was read from (set at load time).
	Path string `toml:"-"`
}

// Synth configures runtime class synthesis.
type Synth struct {
	Namespace string `toml:"namespace"`
	Prefix    string `toml:"prefix"`
}

// Target selects methods. Class is a class name, or a package prefix
// ending in "/*"; Method and Desc are optional.
type Target struct {
	Class  string `toml:"class"`
	Method string `toml:"method"`
	Desc   string `toml:"desc"`
}

// TextRule replaces a string literal in the target methods.
type TextRule struct {
	Target
	From string `toml:"from"`
	To   string `toml:"to"`
}

// StubRule makes the target methods return a zero value.
type StubRule struct {
	Target
}

// RemoveRule drops calls to Call ("owner.name") from the target methods.
// Without Pop the stack is balanced from the call's descriptor.
type RemoveRule struct {
	Target
	Call     string `toml:"call"`
	CallDesc string `toml:"call-desc"`
	Pop      *int   `toml:"pop"`
}

// AdviceRule prints Before and After around calls to Call in the target
// methods, or around the target methods themselves when Call is empty.
type AdviceRule struct {
	Target
	Call     string `toml:"call"`
	CallDesc string `toml:"call-desc"`
	Before   string `toml:"before"`
	After    string `toml:"after"`
}

// Default returns the configuration used without a file.
func Default() *Config {
	return &Config{
		Synth: Synth{Namespace: "classmod/generated", Prefix: "bridge$"},
	}
}

// Load reads the configuration at path over the defaults, then applies the
// environment. Keys the configuration does not know are an error.
func Load(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	c.Path = path
	if err := c.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Find loads the configuration file named by path, or FileName in dir when
// path is empty. A missing FileName yields the defaults.
func Find(path, dir string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	c, err := Load(filepath.Join(dir, FileName))
	if errors.Is(err, fs.ErrNotExist) {
		c = Default()
		err = c.ApplyEnv()
	}
	return c, err
}

// LoadEnv reads .env files into the environment without overriding
// variables already set. With no arguments it reads ./.env if present.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
	}
	return godotenv.Load(files...)
}

// ApplyEnv overrides settings with the environment variables that are set.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvDebug); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDebug, err)
		}
		c.Debug = b
	}
	if v := os.Getenv(EnvVerbosity); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvVerbosity, err)
		}
		c.Verbosity = n
	}
	if v := os.Getenv(EnvJavaBase); v != "" {
		c.JavaBaseJmod = v
	}
	if v := os.Getenv(EnvJavaHome); v != "" {
		c.JavaHome = v
	}
	return nil
}

// JmodPath locates java.base.jmod: the configured path, then the jmods
// directory of the Java home, then the usual Linux install locations.
// It returns "" when none exists.
func (c *Config) JmodPath() string {
	if c.JavaBaseJmod != "" {
		return c.JavaBaseJmod
	}
	if c.JavaHome != "" {
		p := filepath.Join(c.JavaHome, "jmods", "java.base.jmod")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	matches, _ := filepath.Glob("/usr/lib/jvm/java-*-openjdk-*/jmods/java.base.jmod")
	if len(matches) > 0 {
		return matches[0]
	}
	return ""
}

// Validate checks that every rule is complete.
func (c *Config) Validate() error {
	var errs []error
	check := func(kind string, i int, t Target, missing ...string) {
		if t.Class == "" {
			missing = append(missing, "class")
		}
		for _, m := range missing {
			if m != "" {
				errs = append(errs, fmt.Errorf("%s rule %d: missing %s", kind, i+1, m))
			}
		}
	}
	required := func(name, v string) string {
		if v == "" {
			return name
		}
		return ""
	}
	for i, r := range c.Text {
		check("text", i, r.Target, required("from", r.From))
	}
	for i, r := range c.Stub {
		check("stub", i, r.Target)
	}
	for i, r := range c.Remove {
		check("remove", i, r.Target, required("call", r.Call))
		if r.Pop != nil && *r.Pop < 0 {
			errs = append(errs, fmt.Errorf("remove rule %d: negative pop", i+1))
		}
	}
	for i, r := range c.Advice {
		if r.Before == "" && r.After == "" {
			check("advice", i, r.Target, "before or after")
		} else {
			check("advice", i, r.Target)
		}
	}
	if c.Synth.Namespace == "" {
		errs = append(errs, fmt.Errorf("synth: missing namespace"))
	}
	return errors.Join(errs...)
}

// Rules returns the number of rules.
func (c *Config) Rules() int {
	return len(c.Text) + len(c.Stub) + len(c.Remove) + len(c.Advice)
}
