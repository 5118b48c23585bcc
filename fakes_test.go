package detour

import (
	"errors"
	"sync"
)

// fakePatcher hands out made-up trampoline addresses without touching any
// code.
type fakePatcher struct {
	open   bool
	staged []func()
	next   uintptr

	// trampoline -> original
	hooks map[uintptr]uintptr

	attachErr error
	commitErr error
	detachErr error

	// onCommit runs after a successful commit.
	onCommit func()

	attaches int
	detaches int
}

func newFakePatcher() *fakePatcher {
	return &fakePatcher{
		next:  0x7f000000,
		hooks: make(map[uintptr]uintptr),
	}
}

func (p *fakePatcher) Begin() error {
	if p.open {
		return ErrTransactionOpen
	}
	p.open = true
	return nil
}

func (p *fakePatcher) Attach(target *uintptr, replacement uintptr) error {
	if !p.open {
		return ErrNoTransaction
	}
	if p.attachErr != nil {
		return p.attachErr
	}

	p.next += 0x100
	tramp, original := p.next, *target
	p.staged = append(p.staged, func() {
		p.attaches++
		p.hooks[tramp] = original
		*target = tramp
	})
	return nil
}

func (p *fakePatcher) Detach(trampoline, replacement uintptr) error {
	if !p.open {
		return ErrNoTransaction
	}
	if p.detachErr != nil {
		return p.detachErr
	}
	if _, ok := p.hooks[trampoline]; !ok {
		return ErrHookNotFound
	}
	p.staged = append(p.staged, func() {
		p.detaches++
		delete(p.hooks, trampoline)
	})
	return nil
}

func (p *fakePatcher) Commit() error {
	if !p.open {
		return ErrNoTransaction
	}
	staged := p.staged
	p.staged = nil
	p.open = false

	if p.commitErr != nil {
		return p.commitErr
	}
	for _, fn := range staged {
		fn()
	}
	if p.onCommit != nil {
		fn := p.onCommit
		p.onCommit = nil
		fn()
	}
	return nil
}

func (p *fakePatcher) Abort() {
	p.staged = nil
	p.open = false
}

type fakeModule struct {
	Image
	name string
	size uintptr
}

func (m *fakeModule) Name() string {
	return m.name
}

func (m *fakeModule) contains(addr uintptr) bool {
	return addr >= m.Base() && addr < m.Base()+m.size
}

// fakeLoader serves a fixed set of modules and counts references.
type fakeLoader struct {
	mu      sync.Mutex
	modules map[string]*fakeModule
	refs    map[*fakeModule]int
	loads   int
}

func newFakeLoader(modules ...*fakeModule) *fakeLoader {
	l := &fakeLoader{
		modules: make(map[string]*fakeModule),
		refs:    make(map[*fakeModule]int),
	}
	for _, m := range modules {
		l.modules[m.name] = m
	}
	return l
}

func (l *fakeLoader) Load(name string) (Module, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.modules[name]
	if !ok {
		return nil, errors.New("module not found")
	}
	l.loads++
	l.refs[m]++
	return m, nil
}

func (l *fakeLoader) ModuleOf(addr uintptr) (Module, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, m := range l.modules {
		if m.contains(addr) {
			l.refs[m]++
			return m, true
		}
	}
	return nil, false
}

func (l *fakeLoader) Release(mod Module) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := mod.(*fakeModule)
	if !ok || l.refs[m] == 0 {
		return errors.New("module not referenced")
	}
	l.refs[m]--
	return nil
}

func (l *fakeLoader) Refs(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refs[l.modules[name]]
}

func (l *fakeLoader) TotalRefs() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, r := range l.refs {
		n += r
	}
	return n
}
