package dlmsal

import (
	"fmt"
	"sync"

	"github.com/cybroslabs/dlms-engine/base"
)

// Directory is the object model a server exposes, values are encoded A-XDR Data elements.
// Calls for one connection are sequential, different connections call concurrently.
type Directory interface {
	Get(ld uint16, a AttributeAddress, conn ConnectionId) ([]byte, base.DlmsResultTag)
	Set(ld uint16, a AttributeAddress, value []byte, conn ConnectionId) base.DlmsResultTag
	Invoke(ld uint16, m MethodAddress, param []byte, conn ConnectionId) ([]byte, base.ActionResultTag)
}

// ShortNameResolver maps base names of the short name referencing to attributes.
type ShortNameResolver interface {
	ResolveShortName(ld uint16, address uint16) (AttributeAddress, bool)
}

// AttributeAccessor serves one attribute, a nil function denies the access.
type AttributeAccessor struct {
	Get func(a AttributeAddress, conn ConnectionId) ([]byte, base.DlmsResultTag)
	Set func(a AttributeAddress, value []byte, conn ConnectionId) base.DlmsResultTag
}

type MethodInvoker func(m MethodAddress, param []byte, conn ConnectionId) ([]byte, base.ActionResultTag)

type objectkey struct {
	ld   uint16
	obis DlmsObis
}

type object struct {
	classid    uint16
	attributes map[int8]AttributeAccessor
	methods    map[int8]MethodInvoker
}

type shortname struct {
	classid   uint16
	obis      DlmsObis
	attribute int8
}

// Registry is a Directory built from explicit registrations. One OBIS code of a logical
// device holds one object of one class.
type Registry struct {
	mu         sync.RWMutex
	objects    map[objectkey]*object
	shortnames map[uint16]map[uint16]shortname
}

func NewRegistry() *Registry {
	return &Registry{
		objects:    make(map[objectkey]*object),
		shortnames: make(map[uint16]map[uint16]shortname),
	}
}

// called with mu held
func (r *Registry) object(ld uint16, classid uint16, obis DlmsObis) (*object, error) {
	k := objectkey{ld: ld, obis: obis}
	o, ok := r.objects[k]
	if !ok {
		o = &object{
			classid:    classid,
			attributes: make(map[int8]AttributeAccessor),
			methods:    make(map[int8]MethodInvoker),
		}
		r.objects[k] = o
		return o, nil
	}
	if o.classid != classid {
		return nil, fmt.Errorf("%v in logical device %d is already of class %d", obis, ld, o.classid)
	}
	return o, nil
}

func (r *Registry) RegisterAttribute(ld uint16, classid uint16, obis DlmsObis, attribute int8, accessor AttributeAccessor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, err := r.object(ld, classid, obis)
	if err != nil {
		return err
	}
	o.attributes[attribute] = accessor
	return nil
}

// RegisterValue registers a read only attribute returning always the same value.
func (r *Registry) RegisterValue(ld uint16, classid uint16, obis DlmsObis, attribute int8, value []byte) error {
	if err := checkdata(value); err != nil {
		return err
	}
	v := newcopy(value)
	return r.RegisterAttribute(ld, classid, obis, attribute, AttributeAccessor{
		Get: func(AttributeAddress, ConnectionId) ([]byte, base.DlmsResultTag) {
			return v, base.TagResultSuccess
		},
	})
}

func (r *Registry) RegisterMethod(ld uint16, classid uint16, obis DlmsObis, method int8, invoker MethodInvoker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, err := r.object(ld, classid, obis)
	if err != nil {
		return err
	}
	o.methods[method] = invoker
	return nil
}

// RegisterShortName assigns the base name of an object, attribute n lives at
// basename + 8*(n-1).
func (r *Registry) RegisterShortName(ld uint16, basename uint16, classid uint16, obis DlmsObis, attributes int) error {
	if attributes < 1 || attributes > 127 {
		return fmt.Errorf("invalid attribute count %d", attributes)
	}
	if basename&7 != 0 {
		return fmt.Errorf("base name %04x is not a multiple of 8", basename)
	}
	if int(basename)+8*(attributes-1) > 0xffff {
		return fmt.Errorf("base name %04x overflows", basename)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.shortnames[ld]
	if !ok {
		m = make(map[uint16]shortname)
		r.shortnames[ld] = m
	}
	for i := range attributes {
		a := basename + uint16(8*i)
		if o, ok := m[a]; ok {
			return fmt.Errorf("short name %04x already used by %v", a, o.obis)
		}
	}
	for i := range attributes {
		m[basename+uint16(8*i)] = shortname{classid: classid, obis: obis, attribute: int8(i + 1)}
	}
	return nil
}

func (r *Registry) ResolveShortName(ld uint16, address uint16) (AttributeAddress, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shortnames[ld][address]
	if !ok {
		return AttributeAddress{}, false
	}
	return AttributeAddress{ClassId: s.classid, Obis: s.obis, Attribute: s.attribute}, true
}

func (r *Registry) find(ld uint16, classid uint16, obis DlmsObis) (*object, base.DlmsResultTag) {
	r.mu.RLock()
	o, ok := r.objects[objectkey{ld: ld, obis: obis}]
	r.mu.RUnlock()
	if !ok {
		return nil, base.TagResultObjectUndefined
	}
	if o.classid != classid {
		return nil, base.TagResultObjectClassInconsistent
	}
	return o, base.TagResultSuccess
}

func (r *Registry) accessor(ld uint16, a AttributeAddress) (AttributeAccessor, base.DlmsResultTag) {
	o, res := r.find(ld, a.ClassId, a.Obis)
	if o == nil {
		return AttributeAccessor{}, res
	}
	r.mu.RLock()
	acc, ok := o.attributes[a.Attribute]
	r.mu.RUnlock()
	if !ok {
		return acc, base.TagResultObjectUndefined
	}
	return acc, base.TagResultSuccess
}

func (r *Registry) Get(ld uint16, a AttributeAddress, conn ConnectionId) ([]byte, base.DlmsResultTag) {
	acc, res := r.accessor(ld, a)
	if res != base.TagResultSuccess {
		return nil, res
	}
	if acc.Get == nil {
		return nil, base.TagResultReadWriteDenied
	}
	return acc.Get(a, conn)
}

func (r *Registry) Set(ld uint16, a AttributeAddress, value []byte, conn ConnectionId) base.DlmsResultTag {
	acc, res := r.accessor(ld, a)
	if res != base.TagResultSuccess {
		return res
	}
	if acc.Set == nil {
		return base.TagResultReadWriteDenied
	}
	return acc.Set(a, value, conn)
}

func (r *Registry) Invoke(ld uint16, m MethodAddress, param []byte, conn ConnectionId) ([]byte, base.ActionResultTag) {
	o, res := r.find(ld, m.ClassId, m.Obis)
	if o == nil {
		if res == base.TagResultObjectClassInconsistent {
			return nil, base.TagActionObjectClassInconsitent
		}
		return nil, base.TagActionObjectUndefined
	}
	r.mu.RLock()
	inv, ok := o.methods[m.Method]
	r.mu.RUnlock()
	if !ok {
		return nil, base.TagActionObjectUndefined
	}
	if inv == nil {
		return nil, base.TagActionReadWriteDenied
	}
	return inv(m, param, conn)
}
