package vm

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tliron/commonlog"

	"github.com/daimatz/classmod/pkg/classfile"
)

// ErrClassNotFound is wrapped by loaders that do not have a class.
var ErrClassNotFound = errors.New("class not found")

// ClassLoader loads .class files by class name.
type ClassLoader interface {
	LoadClass(name string) (*classfile.ClassFile, error)
}

// ClassDefiner is a ClassLoader that accepts classes generated at run time.
type ClassDefiner interface {
	ClassLoader
	DefineClass(name string, b []byte) (*classfile.ClassFile, error)
}

// ClassFileTransformer sees the raw bytes of every class a loader defines
// from its class path and may replace them.
type ClassFileTransformer interface {
	Transform(loader, className string, b []byte) ([]byte, bool)
}

// jmodCacheSize bounds the number of parsed JDK classes kept in memory.
const jmodCacheSize = 512

// JmodClassLoader loads classes from a JDK jmod file.
type JmodClassLoader struct {
	JmodPath string

	mu        sync.Mutex
	cache     *lru.Cache[string, *classfile.ClassFile]
	zipReader *zip.Reader
	entries   map[string]*zip.File
}

// NewJmodClassLoader creates a new JmodClassLoader.
func NewJmodClassLoader(jmodPath string) *JmodClassLoader {
	cache, _ := lru.New[string, *classfile.ClassFile](jmodCacheSize)
	return &JmodClassLoader{
		JmodPath: jmodPath,
		cache:    cache,
	}
}

func (cl *JmodClassLoader) ensureZipReader() error {
	if cl.zipReader != nil {
		return nil
	}

	data, err := os.ReadFile(cl.JmodPath)
	if err != nil {
		return fmt.Errorf("jmod: reading %s: %w", cl.JmodPath, err)
	}
	if len(data) < 4 || !bytes.Equal(data[:2], []byte("JM")) {
		return fmt.Errorf("jmod: %s is not a jmod file", cl.JmodPath)
	}

	data = data[4:] // Skip "JM\x01\x00" header
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("jmod: opening zip: %w", err)
	}
	cl.zipReader = zr
	cl.entries = make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		cl.entries[f.Name] = f
	}
	return nil
}

// ReadClass returns the raw bytes of a class.
func (cl *JmodClassLoader) ReadClass(name string) ([]byte, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if err := cl.ensureZipReader(); err != nil {
		return nil, err
	}
	file, ok := cl.entries["classes/"+name+".class"]
	if !ok {
		return nil, fmt.Errorf("jmod: %s in %s: %w", name, cl.JmodPath, ErrClassNotFound)
	}
	rc, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("jmod: opening %s: %w", file.Name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (cl *JmodClassLoader) LoadClass(name string) (*classfile.ClassFile, error) {
	if cf, ok := cl.cache.Get(name); ok {
		return cf, nil
	}
	b, err := cl.ReadClass(name)
	if err != nil {
		return nil, err
	}
	cf, err := classfile.ParseBytes(b)
	if err != nil {
		return nil, fmt.Errorf("jmod: parsing %s: %w", name, err)
	}
	cl.cache.Add(name, cf)
	return cf, nil
}

// hookedLoader is the part shared by loaders that define classes from
// bytes: parent-first delegation, the transform hook and a cache of
// defined classes.
type hookedLoader struct {
	name        string
	parent      ClassLoader
	transformer ClassFileTransformer
	log         commonlog.Logger

	mu      sync.Mutex
	classes map[string]*classfile.ClassFile
}

func newHookedLoader(name string, parent ClassLoader) hookedLoader {
	return hookedLoader{
		name:    name,
		parent:  parent,
		log:     commonlog.GetLogger("classmod.vm"),
		classes: make(map[string]*classfile.ClassFile),
	}
}

func (l *hookedLoader) cached(name string) (*classfile.ClassFile, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cf, ok := l.classes[name]
	return cf, ok
}

func (l *hookedLoader) fromParent(name string) (*classfile.ClassFile, bool) {
	if l.parent == nil {
		return nil, false
	}
	cf, err := l.parent.LoadClass(name)
	return cf, err == nil
}

// define runs the transform hook over b, parses the result and caches it.
// A class defined concurrently by another caller wins.
func (l *hookedLoader) define(name string, b []byte, hook bool) (*classfile.ClassFile, error) {
	if hook && l.transformer != nil {
		if out, ok := l.transformer.Transform(l.name, name, b); ok {
			l.log.Debugf("%s: class %s transformed", l.name, name)
			b = out
		}
	}
	cf, err := classfile.ParseBytes(b)
	if err != nil {
		return nil, fmt.Errorf("%s: parsing %s: %w", l.name, name, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.classes[name]; ok {
		return prev, nil
	}
	l.classes[name] = cf
	return cf, nil
}

// DefineClass defines a class generated at run time. The transform hook
// does not run for such classes.
func (l *hookedLoader) DefineClass(name string, b []byte) (*classfile.ClassFile, error) {
	if _, ok := l.cached(name); ok {
		return nil, fmt.Errorf("%s: class %s is already defined", l.name, name)
	}
	return l.define(name, b, false)
}

// UserClassLoader loads user classes from the classpath, delegating to the parent first.
type UserClassLoader struct {
	hookedLoader
	ClassPath string
}

// NewUserClassLoader creates a new UserClassLoader.
func NewUserClassLoader(classPath string, parent ClassLoader) *UserClassLoader {
	return &UserClassLoader{
		hookedLoader: newHookedLoader("user", parent),
		ClassPath:    classPath,
	}
}

// SetTransformer installs the hook run on every class read from the class
// path. It must be called before the first class is loaded.
func (cl *UserClassLoader) SetTransformer(t ClassFileTransformer) {
	cl.transformer = t
}

func (cl *UserClassLoader) LoadClass(name string) (*classfile.ClassFile, error) {
	if cf, ok := cl.cached(name); ok {
		return cf, nil
	}
	if cf, ok := cl.fromParent(name); ok {
		return cf, nil
	}
	path := filepath.Join(cl.ClassPath, filepath.FromSlash(name)+".class")
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("user: %s: %w", name, ErrClassNotFound)
		}
		return nil, fmt.Errorf("user: reading %s: %w", path, err)
	}
	return cl.define(name, b, true)
}

// MemoryClassLoader loads classes from bytes registered with Add.
type MemoryClassLoader struct {
	hookedLoader

	srcMu   sync.Mutex
	sources map[string][]byte
}

func NewMemoryClassLoader(parent ClassLoader) *MemoryClassLoader {
	return &MemoryClassLoader{
		hookedLoader: newHookedLoader("memory", parent),
		sources:      make(map[string][]byte),
	}
}

func (cl *MemoryClassLoader) SetTransformer(t ClassFileTransformer) {
	cl.transformer = t
}

// Add registers the bytes of a class to be loaded on demand.
func (cl *MemoryClassLoader) Add(name string, b []byte) {
	cl.srcMu.Lock()
	defer cl.srcMu.Unlock()
	cl.sources[name] = b
}

func (cl *MemoryClassLoader) LoadClass(name string) (*classfile.ClassFile, error) {
	if cf, ok := cl.cached(name); ok {
		return cf, nil
	}
	if cf, ok := cl.fromParent(name); ok {
		return cf, nil
	}
	cl.srcMu.Lock()
	b, ok := cl.sources[name]
	cl.srcMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("memory: %s: %w", name, ErrClassNotFound)
	}
	return cl.define(name, b, true)
}
