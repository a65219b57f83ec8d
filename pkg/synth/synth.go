// Package synth generates classes at run time that implement a fixed
// interface by forwarding to a receiver whose class is only known by
// shape. Binding happens in two phases: Discover checks the receiver's
// class and produces a Plan, and Generate turns the plan into a class.
package synth

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/singleflight"

	"github.com/daimatz/classmod/pkg/classfile"
	"github.com/daimatz/classmod/pkg/vm"
)

// Binding is a generated class, defined in its synthesizer's loader.
type Binding struct {
	Plan  *Plan
	Class *classfile.ClassFile
}

// Name returns the name of the generated class.
func (b *Binding) Name() string {
	return b.Plan.Class
}

type bindingKey struct {
	iface, bridge string
}

// Synthesizer binds interfaces to bridge classes of one loader. Each
// (interface, bridge) pair is synthesized at most once; concurrent callers
// asking for the same pair wait for the same result. It is safe for
// concurrent use.
type Synthesizer struct {
	loader    vm.ClassDefiner
	namespace string
	prefix    string
	log       commonlog.Logger

	mu       sync.Mutex
	bindings map[bindingKey]*Binding
	names    map[string]bindingKey // class name -> pair it is reserved for
	group    singleflight.Group
}

// New returns a Synthesizer defining classes under namespace in loader.
// Bridge methods are found by prefix followed by the interface method
// name.
func New(loader vm.ClassDefiner, namespace, prefix string) *Synthesizer {
	return &Synthesizer{
		loader:    loader,
		namespace: namespace,
		prefix:    prefix,
		log:       commonlog.GetLogger("classmod.synth"),
		bindings:  make(map[bindingKey]*Binding),
		names:     make(map[string]bindingKey),
	}
}

func (s *Synthesizer) cached(key bindingKey) *Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindings[key]
}

// Bind returns the binding of iface to bridge, synthesizing and defining
// it on first use. Failures are *SynthesisError and are not cached.
// Binding names use simple names only, so a second pair whose simple names
// equal those of an earlier pair fails with a binding name collision.
func (s *Synthesizer) Bind(iface, bridge string) (*Binding, error) {
	key := bindingKey{iface: iface, bridge: bridge}
	if b := s.cached(key); b != nil {
		return b, nil
	}
	v, err, _ := s.group.Do(iface+"\x00"+bridge, func() (any, error) {
		if b := s.cached(key); b != nil {
			return b, nil
		}
		b, err := s.synthesize(iface, bridge)
		if err != nil {
			s.log.Errorf("%s", err)
			return nil, err
		}
		s.mu.Lock()
		s.bindings[key] = b
		s.mu.Unlock()
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Binding), nil
}

func (s *Synthesizer) synthesize(iface, bridge string) (*Binding, error) {
	plan, err := Discover(s.loader, s.namespace, iface, bridge, s.prefix)
	if err != nil {
		return nil, err
	}
	key := bindingKey{iface: iface, bridge: bridge}
	if err := s.reserve(plan.Class, key); err != nil {
		return nil, &SynthesisError{Interface: iface, Bridge: bridge, Reason: "binding name collision", Err: err}
	}
	b, err := Generate(plan)
	if err != nil {
		s.release(plan.Class)
		return nil, &SynthesisError{Interface: iface, Bridge: bridge, Reason: "generating " + plan.Class, Err: err}
	}
	cf, err := s.loader.DefineClass(plan.Class, b)
	if err != nil {
		s.release(plan.Class)
		return nil, &SynthesisError{Interface: iface, Bridge: bridge, Reason: "defining " + plan.Class, Err: err}
	}
	s.log.Infof("synthesized %s: %d methods forwarded", plan.Class, len(plan.Forwards))
	return &Binding{Plan: plan, Class: cf}, nil
}

// reserve claims class name for key.
func (s *Synthesizer) reserve(name string, key bindingKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.names[name]; ok && owner != key {
		return fmt.Errorf("%s already binds %s to %s", name, owner.iface, owner.bridge)
	}
	s.names[name] = key
	return nil
}

func (s *Synthesizer) release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.names, name)
}

type instanceKey struct {
	class    string
	receiver any
}

// Instances creates binding instances in a VM, at most one per binding
// and receiver object. Receivers are compared by identity. The least
// recently used instances are dropped when the cache is full.
type Instances struct {
	vm *vm.VM

	mu    sync.Mutex
	cache *lru.Cache[instanceKey, vm.Value]
}

// NewInstances returns an instance cache over machine holding up to size
// instances.
func NewInstances(machine *vm.VM, size int) (*Instances, error) {
	cache, err := lru.New[instanceKey, vm.Value](size)
	if err != nil {
		return nil, err
	}
	return &Instances{vm: machine, cache: cache}, nil
}

// Get returns the instance of b wrapping receiver, constructing it on
// first use.
func (in *Instances) Get(b *Binding, receiver vm.Value) (vm.Value, error) {
	if receiver.IsNull() {
		return vm.Value{}, fmt.Errorf("%s: null receiver", b.Name())
	}
	key := instanceKey{class: b.Name(), receiver: receiver.Ref}
	in.mu.Lock()
	defer in.mu.Unlock()
	if v, ok := in.cache.Get(key); ok {
		return v, nil
	}
	v, err := in.vm.NewObject(b.Name(), ConstructorDesc, receiver)
	if err != nil {
		return vm.Value{}, fmt.Errorf("instantiating %s: %w", b.Name(), err)
	}
	in.cache.Add(key, v)
	return v, nil
}

// Len returns the number of cached instances.
func (in *Instances) Len() int {
	return in.cache.Len()
}
